// Package events defines the lifecycle event types and bus subjects used
// across the orchestrator.
package events

// Subjects. Wildcard subscriptions use NATS-style patterns
// (stagehand.session.* etc.).
const (
	SubjectSessionCreated   = "stagehand.session.created"
	SubjectSessionCompleted = "stagehand.session.completed"
	SubjectSessionFailed    = "stagehand.session.failed"
	SubjectSessionStopped   = "stagehand.session.stopped"

	SubjectSubroutineCompleted = "stagehand.subroutine.completed"

	SubjectValidationIteration = "stagehand.validation.iteration"
	SubjectValidationRerun     = "stagehand.validation.rerun"

	SubjectActivityPosted = "stagehand.activity.posted"
)

// Event types carried in the bus envelope.
const (
	SessionCreated   = "session.created"
	SessionCompleted = "session.completed"
	SessionFailed    = "session.failed"
	SessionStopped   = "session.stopped"

	SubroutineCompleted = "subroutine.completed"

	ValidationIteration = "validation.iteration"
	ValidationRerun     = "validation.rerun"

	ActivityPosted = "activity.posted"
)

// Well-known data keys inside event payloads.
const (
	KeySessionID      = "session_id"
	KeyIssueID        = "issue_id"
	KeyRepositoryID   = "repository_id"
	KeySubroutineName = "subroutine_name"
	KeyResult         = "result"
	KeyIteration      = "iteration"
	KeyPass           = "pass"
	KeyReason         = "reason"
	KeyActivityType   = "activity_type"
	KeyBody           = "body"
)
