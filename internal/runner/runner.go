// Package runner defines the vendor-neutral contract between a spawned
// coding-agent subprocess and the session manager: the uniform event
// stream, the adapter interface, and the classification of raw
// line-delimited JSON into events.
package runner

import "context"

// EventType enumerates the uniform runner events.
type EventType string

const (
	EventSession  EventType = "session"
	EventThought  EventType = "thought"
	EventResponse EventType = "response"
	EventAction   EventType = "action"
	EventLog      EventType = "log"
	EventFinal    EventType = "final"
	EventError    EventType = "error"
)

// Action describes a tool invocation or file mutation reported by the runner.
type Action struct {
	// ID is the vendor item id, used to correlate an in-flight action
	// with the later event carrying its result.
	ID string
	// Name is the tool or operation name (e.g. the command line).
	Name string
	// Detail is the rendered input of the action.
	Detail string
	// Result is the rendered output, present once the action completed.
	Result string
	// ItemType is the vendor item type that produced this action.
	ItemType string
	Icon     string
}

// Event is one element of the uniform runner event stream.
type Event struct {
	Type EventType

	// SessionID is set on session events.
	SessionID string

	// Text carries thought/response/final/log content.
	Text string

	// Action is set on action events.
	Action *Action

	// Err is set on error events.
	Err error

	// Payload is the original decoded JSON line, kept as the cause on
	// error events.
	Payload map[string]any
}

// Handler receives runner events in emission order.
type Handler func(Event)

// Capabilities describes what the spawned CLI supports.
type Capabilities struct {
	JSONStream bool
}

// StartOptions parameterise one runner invocation.
type StartOptions struct {
	Prompt  string
	WorkDir string
	Model   string
	Sandbox string

	// ResumeSessionID resumes an earlier runner session when set.
	ResumeSessionID string

	// MCPConfigPath is passed through to the CLI when supported.
	MCPConfigPath string

	Env []string
}

// Runner supervises one agent subprocess per Start call.
type Runner interface {
	// Start spawns the child and streams its events to onEvent until the
	// child exits. It returns once the process has been spawned; events
	// are delivered asynchronously.
	Start(ctx context.Context, opts StartOptions, onEvent Handler) (Capabilities, error)

	// Stop terminates the child: SIGTERM, then SIGKILL after 5 seconds.
	// Idempotent and re-entrant; returns only after the child exited.
	Stop(ctx context.Context) error

	// Wait blocks until the current child exits.
	Wait() error
}

// Gate enforces the finalisation rules on an event stream: after the
// first final, further thought/action/final events are suppressed while
// log and error events pass through. Not safe for concurrent use; the
// adapter serialises event emission.
type Gate struct {
	finalSeen bool
}

// FinalDelivered reports whether a final event has passed the gate.
func (g *Gate) FinalDelivered() bool {
	return g.finalSeen
}

// Admit returns whether the event may be emitted.
func (g *Gate) Admit(ev Event) bool {
	switch ev.Type {
	case EventFinal:
		if g.finalSeen {
			return false
		}
		g.finalSeen = true
		return true
	case EventThought, EventAction:
		return !g.finalSeen
	default:
		return true
	}
}
