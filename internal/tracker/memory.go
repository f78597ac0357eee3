package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand/stagehand/internal/fault"
)

// MemoryService is the in-memory tracker used by cli mode and tests.
// Seed it with issues, teams, and labels; every activity posted against a
// session is recorded and retrievable via Activities.
type MemoryService struct {
	mu sync.RWMutex

	issues     map[string]*Issue // keyed by ID; identifier lookups scan
	comments   map[string]*Comment
	teams      map[string]*Team
	labels     map[string]*Label
	states     map[string]*WorkflowState
	users      map[string]*User
	sessions   map[string]*AgentSession
	activities map[string][]*Activity // agentSessionID -> ordered activities

	currentUser *User
}

// NewMemoryService creates an empty in-memory tracker.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		issues:     make(map[string]*Issue),
		comments:   make(map[string]*Comment),
		teams:      make(map[string]*Team),
		labels:     make(map[string]*Label),
		states:     make(map[string]*WorkflowState),
		users:      make(map[string]*User),
		sessions:   make(map[string]*AgentSession),
		activities: make(map[string][]*Activity),
		currentUser: &User{
			ID:          "agent-user",
			Name:        "stagehand",
			DisplayName: "Stagehand",
			IsAgent:     true,
		},
	}
}

// SeedIssue adds or replaces an issue.
func (m *MemoryService) SeedIssue(issue *Issue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.issues[issue.ID] = issue
}

// SeedTeam adds or replaces a team.
func (m *MemoryService) SeedTeam(team *Team) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teams[team.ID] = team
}

// SeedLabel adds or replaces a label.
func (m *MemoryService) SeedLabel(label *Label) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.labels[label.ID] = label
}

// SeedAgentSession registers a tracker-allocated session id, the way the
// Linear platform allocates one before the webhook arrives.
func (m *MemoryService) SeedAgentSession(session *AgentSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = session
}

// Activities returns a copy of the activities posted to a session, in order.
func (m *MemoryService) Activities(agentSessionID string) []*Activity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Activity, len(m.activities[agentSessionID]))
	copy(out, m.activities[agentSessionID])
	return out
}

func (m *MemoryService) FetchIssue(ctx context.Context, idOrIdentifier string) (*Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if issue, ok := m.issues[idOrIdentifier]; ok {
		return issue, nil
	}
	for _, issue := range m.issues {
		if issue.Identifier == idOrIdentifier {
			return issue, nil
		}
	}
	return nil, fault.New(fault.NotFound, "issue %s", idOrIdentifier)
}

func (m *MemoryService) FetchIssueChildren(ctx context.Context, issueID string, opts ChildrenOptions) ([]*Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var children []*Issue
	for _, issue := range m.issues {
		if issue.ParentID != issueID {
			continue
		}
		if issue.Completed && !opts.IncludeCompleted {
			continue
		}
		if issue.Archived && !opts.IncludeArchived {
			continue
		}
		children = append(children, issue)
		if opts.Limit > 0 && len(children) >= opts.Limit {
			break
		}
	}
	return children, nil
}

func (m *MemoryService) UpdateIssue(ctx context.Context, issueID string, patch IssuePatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	issue, ok := m.issues[issueID]
	if !ok {
		return fault.New(fault.NotFound, "issue %s", issueID)
	}
	if patch.Title != nil {
		issue.Title = *patch.Title
	}
	if patch.Description != nil {
		issue.Description = *patch.Description
	}
	if patch.StateID != nil {
		issue.StateID = *patch.StateID
	}
	if patch.AssigneeID != nil {
		issue.AssigneeID = *patch.AssigneeID
	}
	if patch.Labels != nil {
		issue.Labels = patch.Labels
	}
	return nil
}

func (m *MemoryService) FetchComments(ctx context.Context, issueID string, opts PageOptions) ([]*Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Comment
	for _, c := range m.comments {
		if c.IssueID == issueID {
			out = append(out, c)
		}
	}
	if opts.First > 0 && len(out) > opts.First {
		out = out[:opts.First]
	}
	return out, nil
}

func (m *MemoryService) FetchComment(ctx context.Context, commentID string) (*Comment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.comments[commentID]; ok {
		return c, nil
	}
	return nil, fault.New(fault.NotFound, "comment %s", commentID)
}

func (m *MemoryService) CreateComment(ctx context.Context, issueID string, input CommentInput) (*Comment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.issues[issueID]; !ok {
		return nil, fault.New(fault.NotFound, "issue %s", issueID)
	}
	c := &Comment{
		ID:        uuid.New().String(),
		IssueID:   issueID,
		ParentID:  input.ParentID,
		Body:      input.Body,
		UserID:    m.currentUser.ID,
		CreatedAt: time.Now().UTC(),
	}
	m.comments[c.ID] = c
	return c, nil
}

func (m *MemoryService) FetchTeams(ctx context.Context) ([]*Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Team, 0, len(m.teams))
	for _, t := range m.teams {
		out = append(out, t)
	}
	return out, nil
}

func (m *MemoryService) FetchTeam(ctx context.Context, teamID string) (*Team, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.teams[teamID]; ok {
		return t, nil
	}
	return nil, fault.New(fault.NotFound, "team %s", teamID)
}

func (m *MemoryService) FetchLabels(ctx context.Context) ([]*Label, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Label, 0, len(m.labels))
	for _, l := range m.labels {
		out = append(out, l)
	}
	return out, nil
}

func (m *MemoryService) FetchLabel(ctx context.Context, labelID string) (*Label, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.labels[labelID]; ok {
		return l, nil
	}
	return nil, fault.New(fault.NotFound, "label %s", labelID)
}

func (m *MemoryService) FetchWorkflowStates(ctx context.Context, teamID string) ([]*WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*WorkflowState
	for _, s := range m.states {
		if s.TeamID == teamID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *MemoryService) FetchWorkflowState(ctx context.Context, stateID string) (*WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.states[stateID]; ok {
		return s, nil
	}
	return nil, fault.New(fault.NotFound, "workflow state %s", stateID)
}

func (m *MemoryService) FetchUser(ctx context.Context, userID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, fault.New(fault.NotFound, "user %s", userID)
}

func (m *MemoryService) FetchCurrentUser(ctx context.Context) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentUser, nil
}

func (m *MemoryService) CreateAgentSessionOnIssue(ctx context.Context, input AgentSessionInput) (*AgentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.issues[input.IssueID]; !ok {
		return nil, fault.New(fault.NotFound, "issue %s", input.IssueID)
	}
	s := &AgentSession{
		ID:           uuid.New().String(),
		IssueID:      input.IssueID,
		ExternalLink: input.ExternalLink,
		CreatedAt:    time.Now().UTC(),
	}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *MemoryService) CreateAgentSessionOnComment(ctx context.Context, input AgentSessionInput) (*AgentSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	comment, ok := m.comments[input.CommentID]
	if !ok {
		return nil, fault.New(fault.NotFound, "comment %s", input.CommentID)
	}
	s := &AgentSession{
		ID:           uuid.New().String(),
		IssueID:      comment.IssueID,
		CommentID:    input.CommentID,
		ExternalLink: input.ExternalLink,
		CreatedAt:    time.Now().UTC(),
	}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *MemoryService) FetchAgentSession(ctx context.Context, sessionID string) (*AgentSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.sessions[sessionID]; ok {
		return s, nil
	}
	return nil, fault.New(fault.NotFound, "agent session %s", sessionID)
}

func (m *MemoryService) CreateAgentActivity(ctx context.Context, input ActivityInput) (*Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[input.AgentSessionID]; !ok {
		return nil, fault.New(fault.NotFound, "agent session %s", input.AgentSessionID)
	}
	a := &Activity{
		ID:             uuid.New().String(),
		AgentSessionID: input.AgentSessionID,
		Content:        input.Content,
		Ephemeral:      input.Ephemeral,
		Signal:         input.Signal,
		CreatedAt:      time.Now().UTC(),
	}

	list := m.activities[input.AgentSessionID]
	switch {
	case input.ReplacesID != "":
		// Targeted replacement keeps the activity's position even when
		// other activities landed in between.
		replaced := false
		for i := range list {
			if list[i].ID == input.ReplacesID {
				list[i] = a
				replaced = true
				break
			}
		}
		if !replaced {
			list = append(list, a)
		}
	default:
		// An ephemeral activity is replaced by the next activity of the
		// same content type, mirroring the Linear agent-activity semantics.
		if n := len(list); n > 0 && list[n-1].Ephemeral && list[n-1].Content.Type == a.Content.Type {
			list[n-1] = a
		} else {
			list = append(list, a)
		}
	}
	m.activities[input.AgentSessionID] = list

	return a, nil
}

func (m *MemoryService) RequestFileUpload(ctx context.Context, req FileUploadRequest) (*FileUpload, error) {
	return &FileUpload{
		UploadURL: "memory://upload/" + req.Filename,
		AssetURL:  "memory://asset/" + req.Filename,
	}, nil
}

func (m *MemoryService) PlatformType() Platform {
	return PlatformCLI
}

func (m *MemoryService) PlatformMetadata() map[string]string {
	return map[string]string{"mode": "memory"}
}
