package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/stagehand/stagehand/internal/common/logger"
	"github.com/stagehand/stagehand/internal/events"
	"github.com/stagehand/stagehand/internal/events/bus"
	"github.com/stagehand/stagehand/internal/fault"
	"github.com/stagehand/stagehand/internal/runner"
	"github.com/stagehand/stagehand/internal/tracker"
	"github.com/stagehand/stagehand/internal/workspace"
)

// Manager owns all sessions and their activity logs. It translates runner
// events into tracker activities and bus events, and supervises runner
// lifecycles. All mutation goes through the manager's lock; per-session
// event ordering is guaranteed by the adapters, which emit serially.
type Manager struct {
	mu        sync.Mutex
	trk       tracker.Service
	bus       bus.EventBus
	logger    *logger.Logger
	retention time.Duration

	sessions map[string]*Session
	entries  map[string][]Entry
	runners  map[string]runner.Runner
	subName  map[string]string

	// toolUses correlates in-flight tool uses with the tracker activity
	// they opened: session id -> tool use id -> external activity id.
	// Cleared when the session reaches a terminal status.
	toolUses map[string]map[string]string

	// compacting marks sessions whose last posted activity is the
	// ephemeral compaction status thought.
	compacting map[string]bool
}

// NewManager creates a session manager. Terminal sessions are retained for
// the given duration before garbage collection.
func NewManager(trk tracker.Service, eventBus bus.EventBus, retention time.Duration, log *logger.Logger) *Manager {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Manager{
		trk:        trk,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "session-manager")),
		retention:  retention,
		sessions:   make(map[string]*Session),
		entries:    make(map[string][]Entry),
		runners:    make(map[string]runner.Runner),
		subName:    make(map[string]string),
		toolUses:   make(map[string]map[string]string),
		compacting: make(map[string]bool),
	}
}

// CreateParams collects everything needed to open a session.
type CreateParams struct {
	ExternalSessionID string
	Platform          tracker.Platform
	Type              Type
	Issue             IssueContext
	RepoID            string
	Workspace         *workspace.Workspace
	ParentID          string
	ProcedureName     string
}

// Create opens a new active session and announces it on the bus.
func (m *Manager) Create(ctx context.Context, params CreateParams) *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:                uuid.New().String(),
		ExternalSessionID: params.ExternalSessionID,
		Platform:          params.Platform,
		Type:              params.Type,
		Status:            StatusActive,
		Issue:             params.Issue,
		RepoID:            params.RepoID,
		Workspace:         params.Workspace,
		ParentID:          params.ParentID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.Procedure.ProcedureName = params.ProcedureName

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.WithSessionID(s.ID).WithIssue(s.Issue.IssueIdentifier).Info("session created",
		zap.String("repository_id", s.RepoID),
		zap.String("procedure", params.ProcedureName))

	m.publish(ctx, events.SubjectSessionCreated, events.SessionCreated, map[string]any{
		events.KeySessionID:    s.ID,
		events.KeyIssueID:      s.Issue.IssueID,
		events.KeyRepositoryID: s.RepoID,
	})
	return m.snapshotSession(s)
}

// Get returns a copy of the session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return m.snapshotSession(s), true
}

// List returns copies of all sessions.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, m.snapshotSession(s))
	}
	return out
}

// Entries returns a copy of the session's activity log.
func (m *Manager) Entries(id string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := m.entries[id]
	out := make([]Entry, len(rows))
	copy(out, rows)
	return out
}

// ActiveRepoFor reports the repository of an in-flight session on the
// issue, used by the router's active-session rule.
func (m *Manager) ActiveRepoFor(issueID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.Issue.IssueID == issueID && !s.Terminal() {
			return s.RepoID, true
		}
	}
	return "", false
}

// ForExternalSession finds the session created for a tracker-side agent
// session ID.
func (m *Manager) ForExternalSession(externalID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ExternalSessionID == externalID {
			return m.snapshotSession(s), true
		}
	}
	return nil, false
}

// AttachRunner associates the runner driving the session's current
// subroutine.
func (m *Manager) AttachRunner(id string, r runner.Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners[id] = r
}

// RunnerFor returns the session's current runner.
func (m *Manager) RunnerFor(id string) (runner.Runner, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runners[id]
	return r, ok
}

// BeginSubroutine records which subroutine the next runner events belong
// to and whether its thoughts are suppressed.
func (m *Manager) BeginSubroutine(id, name string, suppressThoughts bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subName[id] = name
	if s, ok := m.sessions[id]; ok {
		s.SuppressThoughts = suppressThoughts
		s.UpdatedAt = time.Now().UTC()
	}
}

// UpdateProcedureState replaces the stored procedure position after the
// worker advanced it.
func (m *Manager) UpdateProcedureState(id string, apply func(s *Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		apply(s)
		s.UpdatedAt = time.Now().UTC()
	}
}

// HandlerFor returns the runner.Handler that feeds this session. The
// handler is scoped to one runner invocation: once that run has
// delivered its final, a trailing error no longer fails the subroutine
// and is demoted to a log entry.
func (m *Manager) HandlerFor(id string) runner.Handler {
	var finalSeen bool
	return func(ev runner.Event) {
		if finalSeen && ev.Type == runner.EventError {
			m.logPostFinalError(id, ev)
			return
		}
		if ev.Type == runner.EventFinal {
			finalSeen = true
		}
		m.Ingest(context.Background(), id, ev)
	}
}

// logPostFinalError records an error that arrived after the run's final:
// transcript only, no tracker activity and no completion publish.
func (m *Manager) logPostFinalError(id string, ev runner.Event) {
	msg := "runner error"
	if ev.Err != nil {
		msg = ev.Err.Error()
	}
	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.appendLocked(id, Entry{Type: EntrySystem, Content: "post-final runner error: " + msg})
	}
	m.mu.Unlock()
	m.logger.WithSessionID(id).Debug("runner error after final demoted to log", zap.String("error", msg))
}

// Ingest translates one runner event into log entries, tracker activities
// and bus events.
func (m *Manager) Ingest(ctx context.Context, id string, ev runner.Event) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("runner event for unknown session", zap.String("session_id", id), zap.String("type", string(ev.Type)))
		return
	}

	var (
		activity   *tracker.ActivityInput
		completion map[string]any
		entryID    string
		toolUseID  string
	)

	switch ev.Type {
	case runner.EventSession:
		if s.RunnerSessionID == "" {
			s.RunnerSessionID = ev.SessionID
		}
		entryID = m.appendLocked(id, Entry{
			Type:    EntrySystem,
			Content: "runner session " + ev.SessionID,
		})

	case runner.EventThought:
		entryID = m.appendLocked(id, Entry{Type: EntryAssistant, Content: ev.Text})
		if !s.SuppressThoughts {
			activity = &tracker.ActivityInput{
				AgentSessionID: s.ExternalSessionID,
				Content:        tracker.ActivityContent{Type: tracker.ActivityThought, Body: ev.Text},
			}
		}

	case runner.EventResponse:
		entryID = m.appendLocked(id, Entry{Type: EntryAssistant, Content: ev.Text})
		activity = &tracker.ActivityInput{
			AgentSessionID: s.ExternalSessionID,
			Content:        tracker.ActivityContent{Type: tracker.ActivityResponse, Body: ev.Text},
		}

	case runner.EventAction:
		act := ev.Action
		if opened, known := m.toolUses[id][act.ID]; known && act.ID != "" && act.Result != "" {
			// Result for an earlier in-flight tool use: append the result
			// entry and upgrade the activity that tool use opened, even
			// when other activities landed in between.
			delete(m.toolUses[id], act.ID)
			entryID = m.appendLocked(id, Entry{
				Type:    EntryAssistant,
				Content: renderAction(act),
				Metadata: EntryMetadata{
					ToolName:        act.Name,
					ToolInput:       act.Detail,
					ParentToolUseID: act.ID,
				},
			})
			if !s.SuppressThoughts {
				activity = &tracker.ActivityInput{
					AgentSessionID: s.ExternalSessionID,
					Content: tracker.ActivityContent{
						Type:      tracker.ActivityAction,
						Action:    act.Name,
						Parameter: act.Detail,
						Result:    act.Result,
					},
					ReplacesID: opened,
				}
			}
		} else {
			entryID = m.appendLocked(id, Entry{
				Type:    EntryAssistant,
				Content: renderAction(act),
				Metadata: EntryMetadata{
					ToolUseID: act.ID,
					ToolName:  act.Name,
					ToolInput: act.Detail,
				},
			})
			if !s.SuppressThoughts {
				activity = &tracker.ActivityInput{
					AgentSessionID: s.ExternalSessionID,
					Content: tracker.ActivityContent{
						Type:      tracker.ActivityAction,
						Action:    act.Name,
						Parameter: act.Detail,
						Result:    act.Result,
					},
					// In-flight actions are replaced once the result lands.
					Ephemeral: act.Result == "",
				}
				if act.ID != "" && act.Result == "" {
					toolUseID = act.ID
				}
			}
		}

	case runner.EventLog:
		if strings.Contains(strings.ToLower(ev.Text), "compacting") {
			m.compacting[id] = true
			activity = &tracker.ActivityInput{
				AgentSessionID: s.ExternalSessionID,
				Content:        tracker.ActivityContent{Type: tracker.ActivityThought, Body: "Compacting context"},
				Ephemeral:      true,
			}
		} else {
			m.logger.WithSessionID(id).Debug("runner log", zap.String("text", ev.Text))
		}

	case runner.EventFinal:
		entryID = m.appendLocked(id, Entry{Type: EntryResult, Content: ev.Text})
		// Results always post, even when thoughts are suppressed.
		activity = &tracker.ActivityInput{
			AgentSessionID: s.ExternalSessionID,
			Content:        tracker.ActivityContent{Type: tracker.ActivityResponse, Body: ev.Text},
		}
		completion = map[string]any{
			events.KeySessionID:      id,
			events.KeySubroutineName: m.subName[id],
			events.KeyResult:         ev.Text,
			events.KeyPass:           true,
		}

	case runner.EventError:
		msg := "runner error"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		entryID = m.appendLocked(id, Entry{
			Type:     EntrySystem,
			Content:  msg,
			Metadata: EntryMetadata{ToolResultError: true},
		})
		activity = &tracker.ActivityInput{
			AgentSessionID: s.ExternalSessionID,
			Content:        tracker.ActivityContent{Type: tracker.ActivityError, Body: msg},
		}
		completion = map[string]any{
			events.KeySessionID:      id,
			events.KeySubroutineName: m.subName[id],
			events.KeyReason:         msg,
			events.KeyPass:           false,
		}
	}

	// A non-log event ends a pending compaction status. A plain thought
	// posted now replaces the ephemeral status by itself; any other event
	// needs an explicit non-ephemeral thought first.
	var clearCompacting bool
	if ev.Type != runner.EventLog && ev.Type != runner.EventSession && m.compacting[id] {
		delete(m.compacting, id)
		clearCompacting = activity == nil || activity.Content.Type != tracker.ActivityThought || activity.Ephemeral
	}
	s.UpdatedAt = time.Now().UTC()
	ext := s.ExternalSessionID
	m.mu.Unlock()

	if clearCompacting {
		compacted := tracker.ActivityInput{
			AgentSessionID: ext,
			Content:        tracker.ActivityContent{Type: tracker.ActivityThought, Body: "Context compacted"},
		}
		if _, err := m.trk.CreateAgentActivity(ctx, compacted); err != nil {
			m.logger.WithSessionID(id).WithError(err).Error("failed to clear compaction status")
		}
	}
	if activity != nil {
		posted, err := m.trk.CreateAgentActivity(ctx, *activity)
		if err != nil {
			m.logger.WithSessionID(id).WithError(err).Error("failed to post activity",
				zap.String("type", string(activity.Content.Type)))
		} else {
			m.recordEcho(id, entryID, posted.ID, toolUseID)
			m.publish(ctx, events.SubjectActivityPosted, events.ActivityPosted, map[string]any{
				events.KeySessionID:    id,
				events.KeyActivityType: string(activity.Content.Type),
				events.KeyBody:         activity.Content.Body,
			})
		}
	}
	if completion != nil {
		m.publish(ctx, events.SubjectSubroutineCompleted, events.SubroutineCompleted, completion)
	}
}

// recordEcho marks the entry as echoed to the tracker and, for an
// in-flight tool use, remembers the activity it opened for later upgrade.
func (m *Manager) recordEcho(id, entryID, activityID, toolUseID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entryID != "" {
		rows := m.entries[id]
		for i := len(rows) - 1; i >= 0; i-- {
			if rows[i].ID == entryID {
				rows[i].ExternalActivityID = activityID
				break
			}
		}
	}
	if toolUseID != "" {
		uses := m.toolUses[id]
		if uses == nil {
			uses = make(map[string]string)
			m.toolUses[id] = uses
		}
		uses[toolUseID] = activityID
	}
}

// PostPrompt records an outgoing user prompt in the activity log.
func (m *Manager) PostPrompt(id, prompt string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return
	}
	m.appendLocked(id, Entry{Type: EntryUser, Content: prompt})
}

// AwaitApproval suspends the session pending a human decision.
func (m *Manager) AwaitApproval(id string) {
	m.setStatus(id, StatusAwaitingApproval, "")
}

// ResumeFromApproval returns an approved session to active.
func (m *Manager) ResumeFromApproval(id string) {
	m.setStatus(id, StatusActive, "")
}

// Reactivate reopens a completed session for a followup turn.
func (m *Manager) Reactivate(id string) {
	m.setStatus(id, StatusActive, "")
}

// Complete marks the session finished and announces it.
func (m *Manager) Complete(ctx context.Context, id string) {
	m.setStatus(id, StatusComplete, "")
	s, ok := m.Get(id)
	if !ok {
		return
	}
	m.logger.WithSessionID(id).WithIssue(s.Issue.IssueIdentifier).Info("session completed")
	m.publish(ctx, events.SubjectSessionCompleted, events.SessionCompleted, map[string]any{
		events.KeySessionID:    id,
		events.KeyIssueID:      s.Issue.IssueID,
		events.KeyRepositoryID: s.RepoID,
	})
}

// Fail marks the session errored with a reason and announces it.
func (m *Manager) Fail(ctx context.Context, id, reason string) {
	m.setStatus(id, StatusError, reason)
	s, ok := m.Get(id)
	if !ok {
		return
	}
	m.logger.WithSessionID(id).Warn("session failed", zap.String("reason", reason))
	m.publish(ctx, events.SubjectSessionFailed, events.SessionFailed, map[string]any{
		events.KeySessionID:    id,
		events.KeyIssueID:      s.Issue.IssueID,
		events.KeyRepositoryID: s.RepoID,
		events.KeyReason:       reason,
	})
}

// Stop terminates the session's runner (if any) and marks the session
// stopped. Safe to call for sessions without a live runner.
func (m *Manager) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fault.New(fault.NotFound, "session %s not found", id)
	}
	if s.Terminal() {
		m.mu.Unlock()
		return nil
	}
	r := m.runners[id]
	m.mu.Unlock()

	if r != nil {
		if err := r.Stop(ctx); err != nil {
			return err
		}
	}
	m.setStatus(id, StatusError, "stopped by user")
	m.publish(ctx, events.SubjectSessionStopped, events.SessionStopped, map[string]any{
		events.KeySessionID: id,
		events.KeyIssueID:   s.Issue.IssueID,
	})
	return nil
}

// GC drops terminal sessions whose last update is older than the
// retention window. Returns the number removed.
func (m *Manager) GC(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.Terminal() && now.Sub(s.UpdatedAt) > m.retention {
			delete(m.sessions, id)
			delete(m.entries, id)
			delete(m.runners, id)
			delete(m.subName, id)
			delete(m.toolUses, id)
			delete(m.compacting, id)
			removed++
		}
	}
	return removed
}

func (m *Manager) setStatus(id string, status Status, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	s.Status = status
	s.StatusReason = reason
	s.UpdatedAt = time.Now().UTC()
	if status == StatusComplete || status == StatusError {
		delete(m.runners, id)
		delete(m.toolUses, id)
		delete(m.compacting, id)
	}
}

// appendLocked stamps and appends an entry, returning its id; callers
// hold m.mu.
func (m *Manager) appendLocked(id string, e Entry) string {
	e.ID = uuid.New().String()
	if e.Metadata.Timestamp.IsZero() {
		e.Metadata.Timestamp = time.Now().UTC()
	}
	m.entries[id] = append(m.entries[id], e)
	return e.ID
}

func (m *Manager) snapshotSession(s *Session) *Session {
	cp := *s
	return &cp
}

func (m *Manager) publish(ctx context.Context, subject, eventType string, data map[string]any) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, subject, bus.NewEvent(eventType, "session-manager", data)); err != nil {
		m.logger.Error("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func renderAction(a *runner.Action) string {
	if a == nil {
		return ""
	}
	if a.Detail != "" {
		return a.Name + ": " + a.Detail
	}
	return a.Name
}
