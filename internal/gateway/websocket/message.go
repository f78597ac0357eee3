// Package websocket broadcasts session lifecycle and activity events to
// locally connected observers (dashboards, CLIs). Clients may subscribe
// to individual sessions or receive everything.
package websocket

import (
	"encoding/json"
	"fmt"

	"github.com/stagehand/stagehand/internal/events/bus"
)

// Message types.
const (
	TypeEvent    = "event"
	TypeResponse = "response"
	TypeError    = "error"
)

// Client actions.
const (
	ActionSubscribe   = "session.subscribe"
	ActionUnsubscribe = "session.unsubscribe"
)

// Message is the wire envelope in both directions.
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Action  string          `json:"action,omitempty"`
	Subject string          `json:"subject,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ParsePayload unmarshals the payload into v.
func (m *Message) ParsePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(m.Payload, v)
}

// NewEventMessage wraps a bus event for broadcast.
func NewEventMessage(subject string, ev *bus.Event) (*Message, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("marshaling event: %w", err)
	}
	return &Message{Type: TypeEvent, Subject: subject, Payload: payload}, nil
}

// NewResponse acknowledges a client action.
func NewResponse(id, action string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling response: %w", err)
	}
	return &Message{Type: TypeResponse, ID: id, Action: action, Payload: data}, nil
}

// NewErrorMessage reports a client-action failure.
func NewErrorMessage(id, action, msg string) *Message {
	return &Message{Type: TypeError, ID: id, Action: action, Error: msg}
}
