// Package tracker defines the issue-tracker abstraction the orchestrator
// depends on. Platform SDK wrappers implement Service; the cli platform is
// an in-memory implementation used for local development and tests.
package tracker

import (
	"context"
	"time"
)

// Platform identifies the tracker backing a Service.
type Platform string

const (
	PlatformLinear Platform = "linear"
	PlatformGitHub Platform = "github"
	PlatformCLI    Platform = "cli"
)

// Issue is the tracker's view of an issue.
type Issue struct {
	ID          string
	Identifier  string // display key, e.g. ENG-123
	Title       string
	Description string
	TeamID      string
	TeamKey     string
	ProjectName string
	Labels      []string
	StateID     string
	AssigneeID  string
	ParentID    string
	Completed   bool
	Archived    bool
}

// IssuePatch carries the mutable fields of an issue update.
type IssuePatch struct {
	Title       *string
	Description *string
	StateID     *string
	AssigneeID  *string
	Labels      []string
}

// Comment is a comment on an issue.
type Comment struct {
	ID        string
	IssueID   string
	ParentID  string
	Body      string
	UserID    string
	CreatedAt time.Time
}

// CommentInput creates a new comment.
type CommentInput struct {
	Body           string
	ParentID       string
	AttachmentURLs []string
}

// Team, Label, WorkflowState, and User mirror the tracker's catalog objects.
type Team struct {
	ID   string
	Key  string
	Name string
}

type Label struct {
	ID   string
	Name string
}

type WorkflowState struct {
	ID     string
	TeamID string
	Name   string
	Type   string // backlog, unstarted, started, completed, canceled
}

type User struct {
	ID          string
	Name        string
	DisplayName string
	IsAgent     bool
}

// AgentSession is the tracker-side record of an agent session.
type AgentSession struct {
	ID           string
	IssueID      string
	CommentID    string
	ExternalLink string
	CreatedAt    time.Time
}

// ActivityType enumerates the agent-activity content types.
type ActivityType string

const (
	ActivityThought     ActivityType = "thought"
	ActivityResponse    ActivityType = "response"
	ActivityAction      ActivityType = "action"
	ActivityElicitation ActivityType = "elicitation"
	ActivityError       ActivityType = "error"
	ActivityPrompt      ActivityType = "prompt"
)

// ActivityContent is the body of an agent activity.
type ActivityContent struct {
	Type      ActivityType
	Body      string
	Action    string
	Parameter string
	Result    string
	// Options carries the choices of a select-type elicitation.
	Options []string
}

// ActivityInput creates a new agent activity on a session.
type ActivityInput struct {
	AgentSessionID string
	Content        ActivityContent
	// Ephemeral activities are replaced by the next activity of the same
	// kind (used for in-flight actions and status thoughts).
	Ephemeral bool
	// ReplacesID targets a specific earlier activity for replacement,
	// e.g. upgrading an in-flight action once its result landed.
	ReplacesID string
	// Signal marks interactive activities (e.g. an auth/approval link).
	Signal         string
	SignalMetadata map[string]string
}

// Activity is a created agent activity.
type Activity struct {
	ID             string
	AgentSessionID string
	Content        ActivityContent
	Ephemeral      bool
	Signal         string
	CreatedAt      time.Time
}

// ChildrenOptions filter a FetchIssueChildren call.
type ChildrenOptions struct {
	IncludeCompleted bool
	IncludeArchived  bool
	Limit            int
}

// PageOptions paginates comment listings.
type PageOptions struct {
	First int
	After string
}

// FileUploadRequest asks the tracker for an upload slot.
type FileUploadRequest struct {
	Filename    string
	ContentType string
	Size        int64
}

// FileUpload is the tracker's response to a FileUploadRequest.
type FileUpload struct {
	UploadURL string
	AssetURL  string
	Headers   map[string]string
}

// AgentSessionInput creates a tracker-side agent session.
type AgentSessionInput struct {
	IssueID      string
	CommentID    string
	ExternalLink string
}

// Service is the platform-independent tracker contract. All operations
// return fault errors (fault.TrackerFailure, fault.NotFound) carrying the
// underlying cause.
type Service interface {
	FetchIssue(ctx context.Context, idOrIdentifier string) (*Issue, error)
	FetchIssueChildren(ctx context.Context, issueID string, opts ChildrenOptions) ([]*Issue, error)
	UpdateIssue(ctx context.Context, issueID string, patch IssuePatch) error

	FetchComments(ctx context.Context, issueID string, opts PageOptions) ([]*Comment, error)
	FetchComment(ctx context.Context, commentID string) (*Comment, error)
	CreateComment(ctx context.Context, issueID string, input CommentInput) (*Comment, error)

	FetchTeams(ctx context.Context) ([]*Team, error)
	FetchTeam(ctx context.Context, teamID string) (*Team, error)
	FetchLabels(ctx context.Context) ([]*Label, error)
	FetchLabel(ctx context.Context, labelID string) (*Label, error)
	FetchWorkflowStates(ctx context.Context, teamID string) ([]*WorkflowState, error)
	FetchWorkflowState(ctx context.Context, stateID string) (*WorkflowState, error)
	FetchUser(ctx context.Context, userID string) (*User, error)
	FetchCurrentUser(ctx context.Context) (*User, error)

	CreateAgentSessionOnIssue(ctx context.Context, input AgentSessionInput) (*AgentSession, error)
	CreateAgentSessionOnComment(ctx context.Context, input AgentSessionInput) (*AgentSession, error)
	FetchAgentSession(ctx context.Context, sessionID string) (*AgentSession, error)
	CreateAgentActivity(ctx context.Context, input ActivityInput) (*Activity, error)

	RequestFileUpload(ctx context.Context, req FileUploadRequest) (*FileUpload, error)

	PlatformType() Platform
	PlatformMetadata() map[string]string
}
