// Package fault defines the platform-independent error kinds shared across
// transport, routing, runner supervision, and tracker integration.
package fault

import (
	"errors"
	"fmt"
)

// Kind identifies a category of failure independent of the tracker platform
// or runner vendor that produced it.
type Kind string

const (
	// AuthenticationFailure indicates a webhook signature or bearer mismatch.
	AuthenticationFailure Kind = "authentication_failure"

	// MalformedRequest indicates a body that cannot be parsed or a missing
	// required header.
	MalformedRequest Kind = "malformed_request"

	// RunnerSpawnFailure indicates the agent subprocess could not be started.
	RunnerSpawnFailure Kind = "runner_spawn_failure"

	// RunnerAbandoned indicates the child exited with no final response and
	// stop was not requested.
	RunnerAbandoned Kind = "runner_abandoned"

	// RunnerReportedError indicates the runner's JSON payload explicitly
	// signalled error or failure.
	RunnerReportedError Kind = "runner_reported_error"

	// TrackerFailure indicates an upstream issue-tracker API call failed.
	TrackerFailure Kind = "tracker_failure"

	// ProcedureValidationExhausted indicates the validation loop reached its
	// maximum iterations without a passing result.
	ProcedureValidationExhausted Kind = "procedure_validation_exhausted"

	// ApprovalRejected indicates a human reviewer declined a pending approval.
	ApprovalRejected Kind = "approval_rejected"

	// ApprovalTimedOut indicates a pending approval expired unresolved.
	ApprovalTimedOut Kind = "approval_timed_out"

	// NotFound indicates a referenced issue, comment, or session cannot be
	// fetched.
	NotFound Kind = "not_found"
)

// Error carries a Kind, a human-readable message, and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	case e.Message != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a fault Error.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// IsKind reports whether err is (or wraps) a fault Error of the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
