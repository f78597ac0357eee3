// Package router selects exactly one configured repository for each
// inbound webhook event using a strict priority chain, with a per-issue
// decision cache and user elicitation for ambiguous cases.
package router

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stagehand/stagehand/internal/common/config"
	"github.com/stagehand/stagehand/internal/common/logger"
	"github.com/stagehand/stagehand/internal/fault"
	"github.com/stagehand/stagehand/internal/tracker"
	"github.com/stagehand/stagehand/internal/transport"
)

// selectionTTL bounds how long an unanswered elicitation stays resolvable.
const selectionTTL = 30 * time.Minute

// ActiveSessionLookup reports the repo id of an active session for an
// issue, if any. Supplied by the session manager.
type ActiveSessionLookup func(issueID string) (repoID string, ok bool)

// PendingSelection records an elicitation waiting for the user's choice.
type PendingSelection struct {
	SessionID string
	IssueID   string
	Options   []string // repo ids, in offer order
	Names     []string
	CreatedAt time.Time
}

// Decision is the outcome of a Route call. Either Repo is set, or
// Pending is set and an elicitation has been posted to the tracker.
type Decision struct {
	Repo    *config.RepositoryConfig
	Pending *PendingSelection
}

// Router implements the priority chain:
// active-session, routing labels, project, team key, catch-all,
// elicitation.
type Router struct {
	repos   []config.RepositoryConfig
	tracker tracker.Service
	logger  *logger.Logger
	active  ActiveSessionLookup

	mu      sync.Mutex
	cache   map[string]string            // issueID -> repoID
	pending map[string]*PendingSelection // sessionID -> selection
}

// New creates a Router over an immutable repo list.
func New(repos []config.RepositoryConfig, trk tracker.Service, active ActiveSessionLookup, log *logger.Logger) *Router {
	return &Router{
		repos:   repos,
		tracker: trk,
		logger:  log.WithFields(zap.String("component", "router")),
		active:  active,
		cache:   make(map[string]string),
		pending: make(map[string]*PendingSelection),
	}
}

// Route selects a repository for the event. Follow-up events for an
// already-routed issue reuse the cached decision without re-consulting
// the tracker.
func (r *Router) Route(ctx context.Context, ev *transport.Event) (*Decision, error) {
	if ev.IssueID != "" {
		r.mu.Lock()
		repoID, hit := r.cache[ev.IssueID]
		r.mu.Unlock()
		if hit {
			if repo := r.byID(repoID); repo != nil {
				return &Decision{Repo: repo}, nil
			}
		}
	}

	if repo := r.routeByChain(ctx, ev); repo != nil {
		r.remember(ev.IssueID, repo.ID)
		r.logger.Info("routed issue",
			zap.String("issue", ev.IssueIdentifier),
			zap.String("repo", repo.ID))
		return &Decision{Repo: repo}, nil
	}

	return r.elicit(ctx, ev)
}

func (r *Router) routeByChain(ctx context.Context, ev *transport.Event) *config.RepositoryConfig {
	// 1. Active session override keeps continuations in the same workspace.
	if r.active != nil && ev.IssueID != "" {
		if repoID, ok := r.active(ev.IssueID); ok {
			if repo := r.byID(repoID); repo != nil {
				return repo
			}
		}
	}

	// Rules 2 and 3 need the issue's labels and project.
	var issue *tracker.Issue
	if ev.IssueID != "" {
		var err error
		issue, err = r.tracker.FetchIssue(ctx, ev.IssueID)
		if err != nil {
			r.logger.Warn("issue fetch failed during routing",
				zap.String("issue", ev.IssueID), zap.Error(err))
		}
	}

	// 2. Routing labels.
	if issue != nil && len(issue.Labels) > 0 {
		for i := range r.repos {
			if intersects(r.repos[i].RoutingLabels, issue.Labels) {
				return &r.repos[i]
			}
		}
	}

	// 3. Project match.
	if issue != nil && issue.ProjectName != "" {
		for i := range r.repos {
			if containsFold(r.repos[i].ProjectKeys, issue.ProjectName) {
				return &r.repos[i]
			}
		}
	}

	// 4. Team key: webhook team key, or the identifier prefix.
	teamKey := ev.TeamKey
	if teamKey == "" && ev.IssueIdentifier != "" {
		if i := strings.Index(ev.IssueIdentifier, "-"); i > 0 {
			teamKey = ev.IssueIdentifier[:i]
		}
	}
	if teamKey != "" {
		for i := range r.repos {
			if containsFold(r.repos[i].TeamKeys, teamKey) {
				return &r.repos[i]
			}
		}
	}

	// 5. Catch-all, but only when it is unique; several predicate-free
	// repos are ambiguous and fall through to elicitation.
	var catchAll *config.RepositoryConfig
	for i := range r.repos {
		if r.repos[i].IsCatchAll() {
			if catchAll != nil {
				catchAll = nil
				break
			}
			catchAll = &r.repos[i]
		}
	}
	if catchAll != nil {
		return catchAll
	}

	// A single configured repo is never ambiguous.
	if len(r.repos) == 1 {
		return &r.repos[0]
	}

	return nil
}

// elicit posts a select-type activity offering the repos by name and
// records the pending selection keyed by session id.
func (r *Router) elicit(ctx context.Context, ev *transport.Event) (*Decision, error) {
	if len(r.repos) == 0 {
		return nil, fault.New(fault.NotFound, "no repositories configured")
	}
	if ev.AgentSessionID == "" {
		return nil, fault.New(fault.NotFound, "no repository matched issue %s and no session to elicit on", ev.IssueIdentifier)
	}

	sel := &PendingSelection{
		SessionID: ev.AgentSessionID,
		IssueID:   ev.IssueID,
		CreatedAt: time.Now().UTC(),
	}
	for i := range r.repos {
		sel.Options = append(sel.Options, r.repos[i].ID)
		sel.Names = append(sel.Names, r.repos[i].Name)
	}

	_, err := r.tracker.CreateAgentActivity(ctx, tracker.ActivityInput{
		AgentSessionID: ev.AgentSessionID,
		Content: tracker.ActivityContent{
			Type:    tracker.ActivityElicitation,
			Body:    fmt.Sprintf("Which repository should handle %s?", ev.IssueIdentifier),
			Options: sel.Names,
		},
		Signal: "select",
	})
	if err != nil {
		return nil, fault.Wrap(fault.TrackerFailure, err, "posting repository elicitation")
	}

	r.mu.Lock()
	r.pending[ev.AgentSessionID] = sel
	r.mu.Unlock()

	r.logger.Info("repository selection elicited",
		zap.String("session", ev.AgentSessionID),
		zap.Strings("options", sel.Names))
	return &Decision{Pending: sel}, nil
}

// ResolveSelection applies the user's response to a pending selection.
// The response may be a 1-based option number, an offered name, or a
// unique name prefix; anything else falls back to the first option.
func (r *Router) ResolveSelection(sessionID, response string) (*config.RepositoryConfig, error) {
	r.mu.Lock()
	sel, ok := r.pending[sessionID]
	if ok {
		delete(r.pending, sessionID)
	}
	r.mu.Unlock()
	if !ok || time.Since(sel.CreatedAt) > selectionTTL {
		return nil, fault.New(fault.NotFound, "no pending selection for session %s", sessionID)
	}

	chosen := parseSelection(sel, response)
	repo := r.byID(chosen)
	if repo == nil {
		return nil, fault.New(fault.NotFound, "repository %s no longer configured", chosen)
	}
	r.remember(sel.IssueID, repo.ID)
	return repo, nil
}

// parseSelection maps a user response onto one of the offered repo ids:
// 1-based option number, exact name, then unique name prefix. Falls back
// to the first option.
func parseSelection(sel *PendingSelection, response string) string {
	answer := strings.TrimSpace(response)

	if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(sel.Options) {
		return sel.Options[n-1]
	}

	for i, name := range sel.Names {
		if strings.EqualFold(answer, name) {
			return sel.Options[i]
		}
	}

	prefixMatch := ""
	if answer != "" {
		lower := strings.ToLower(answer)
		for i, name := range sel.Names {
			if strings.HasPrefix(strings.ToLower(name), lower) {
				if prefixMatch != "" {
					prefixMatch = ""
					break
				}
				prefixMatch = sel.Options[i]
			}
		}
	}
	if prefixMatch != "" {
		return prefixMatch
	}

	return sel.Options[0]
}

// CancelSelection drops a pending selection, e.g. on elicitation timeout.
func (r *Router) CancelSelection(sessionID string) {
	r.mu.Lock()
	delete(r.pending, sessionID)
	r.mu.Unlock()
}

// PendingFor returns the pending selection for a session, if any.
// Expired selections are dropped on access.
func (r *Router) PendingFor(sessionID string) (*PendingSelection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sel, ok := r.pending[sessionID]
	if ok && time.Since(sel.CreatedAt) > selectionTTL {
		delete(r.pending, sessionID)
		return nil, false
	}
	return sel, ok
}

func (r *Router) remember(issueID, repoID string) {
	if issueID == "" {
		return
	}
	r.mu.Lock()
	r.cache[issueID] = repoID
	r.mu.Unlock()
}

func (r *Router) byID(id string) *config.RepositoryConfig {
	for i := range r.repos {
		if r.repos[i].ID == id {
			return &r.repos[i]
		}
	}
	return nil
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if strings.EqualFold(x, y) {
				return true
			}
		}
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, x := range list {
		if strings.EqualFold(x, v) {
			return true
		}
	}
	return false
}
