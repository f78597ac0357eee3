// Package session owns agent sessions: their state machine, their
// append-only activity log, the translation of runner events into tracker
// activities, and snapshot persistence.
package session

import (
	"time"

	"github.com/stagehand/stagehand/internal/procedure"
	"github.com/stagehand/stagehand/internal/tracker"
	"github.com/stagehand/stagehand/internal/workspace"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusActive           Status = "active"
	StatusComplete         Status = "complete"
	StatusError            Status = "error"
	StatusAwaitingApproval Status = "awaitingApproval"
)

// Type distinguishes how a session was opened.
type Type string

const (
	TypeCommentThread   Type = "commentThread"
	TypeIssueAssignment Type = "issueAssignment"
)

// IssueContext ties a session to its tracker issue.
type IssueContext struct {
	TrackerID       string `json:"tracker_id"`
	IssueID         string `json:"issue_id"`
	IssueIdentifier string `json:"issue_identifier"`
}

// Session is the central entity. Mutated only by the Manager; external
// readers receive copies.
type Session struct {
	ID                string           `json:"id"`
	ExternalSessionID string           `json:"external_session_id"`
	Platform          tracker.Platform `json:"platform"`
	Type              Type             `json:"type"`
	Status            Status           `json:"status"`
	StatusReason      string           `json:"status_reason,omitempty"`

	Issue     IssueContext         `json:"issue"`
	RepoID    string               `json:"repo_id"`
	Workspace *workspace.Workspace `json:"workspace,omitempty"`

	// RunnerSessionID is assigned by the runner's first session event and
	// used for every resume call. Set exactly once.
	RunnerSessionID string `json:"runner_session_id,omitempty"`

	// ParentID links a child session to the session that spawned it.
	// Recorded at creation, never changed.
	ParentID string `json:"parent_id,omitempty"`

	Procedure procedure.State `json:"procedure"`

	// SuppressThoughts mirrors the current subroutine's flag.
	SuppressThoughts bool `json:"suppress_thoughts,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the session reached a final state.
func (s *Session) Terminal() bool {
	return s.Status == StatusComplete || s.Status == StatusError
}

// EntryType enumerates activity-log row types.
type EntryType string

const (
	EntryUser      EntryType = "user"
	EntryAssistant EntryType = "assistant"
	EntrySystem    EntryType = "system"
	EntryResult    EntryType = "result"
)

// EntryMetadata carries tool correlation and timing.
type EntryMetadata struct {
	Timestamp       time.Time `json:"timestamp"`
	ToolUseID       string    `json:"tool_use_id,omitempty"`
	ToolName        string    `json:"tool_name,omitempty"`
	ToolInput       string    `json:"tool_input,omitempty"`
	ToolResultError bool      `json:"tool_result_error,omitempty"`
	ParentToolUseID string    `json:"parent_tool_use_id,omitempty"`
}

// Entry is one append-only row in the per-session activity log. Once
// ExternalActivityID is set the entry has been echoed to the tracker.
type Entry struct {
	ID                 string        `json:"id"`
	Type               EntryType     `json:"type"`
	Content            string        `json:"content"`
	Metadata           EntryMetadata `json:"metadata"`
	ExternalActivityID string        `json:"external_activity_id,omitempty"`
}
