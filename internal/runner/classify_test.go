package runner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand/stagehand/internal/fault"
)

func classifyOne(t *testing.T, line string) Event {
	t.Helper()
	events := Classify([]byte(line))
	require.Len(t, events, 1)
	return events[0]
}

func TestClassifySessionEvents(t *testing.T) {
	for _, line := range []string{
		`{"type":"thread.started","thread_id":"S1"}`,
		`{"type":"thread.resumed","thread_id":"S1"}`,
		`{"type":"session.created","session_id":"S1"}`,
	} {
		events := Classify([]byte(line))
		require.Len(t, events, 2, line)
		assert.Equal(t, EventSession, events[0].Type)
		assert.Equal(t, "S1", events[0].SessionID)
		assert.Equal(t, EventLog, events[1].Type)
	}
}

func TestClassifySessionIDNested(t *testing.T) {
	events := Classify([]byte(`{"type":"thread.started","thread":{"id":"S9"}}`))
	require.Len(t, events, 2)
	assert.Equal(t, "S9", events[0].SessionID)
}

func TestClassifyReasoningItem(t *testing.T) {
	ev := classifyOne(t, `{"type":"item.completed","item":{"id":"item_0","item_type":"reasoning","text":"thinking about it"}}`)
	assert.Equal(t, EventThought, ev.Type)
	assert.Equal(t, "thinking about it", ev.Text)
}

func TestClassifyCommandExecution(t *testing.T) {
	ev := classifyOne(t, `{"type":"item.completed","item":{"item_type":"command_execution","command":"ls","aggregated_output":"a\nb","exit_code":0}}`)
	require.Equal(t, EventAction, ev.Type)
	require.NotNil(t, ev.Action)
	assert.Equal(t, "ls", ev.Action.Name)
	assert.Contains(t, ev.Action.Result, "a")
	assert.Contains(t, ev.Action.Result, "b")
	assert.Equal(t, "command_execution", ev.Action.ItemType)
}

func TestClassifyActionCarriesItemID(t *testing.T) {
	ev := classifyOne(t, `{"type":"item.started","item":{"id":"call_123","item_type":"command_execution","command":"go test"}}`)
	require.Equal(t, EventAction, ev.Type)
	assert.Equal(t, "call_123", ev.Action.ID)

	ev = classifyOne(t, `{"type":"item.completed","item":{"call_id":"call_123","item_type":"command_execution","command":"go test","aggregated_output":"ok"}}`)
	require.Equal(t, EventAction, ev.Type)
	assert.Equal(t, "call_123", ev.Action.ID)
}

func TestClassifyFileChangeAndWebSearch(t *testing.T) {
	ev := classifyOne(t, `{"type":"item.completed","item":{"item_type":"file_change","path":"main.go"}}`)
	assert.Equal(t, EventAction, ev.Type)

	ev = classifyOne(t, `{"type":"item.started","item":{"item_type":"web_search","query":"go context"}}`)
	require.Equal(t, EventAction, ev.Type)
	assert.Equal(t, "go context", ev.Action.Detail)
}

func TestClassifyToolCall(t *testing.T) {
	ev := classifyOne(t, `{"type":"item.completed","item":{"item_type":"mcp_tool_call","name":"search_docs","text":"query results"}}`)
	require.Equal(t, EventAction, ev.Type)
	assert.Equal(t, "search_docs", ev.Action.Name)
}

func TestClassifyAssistantMessageLifecycle(t *testing.T) {
	ev := classifyOne(t, `{"type":"item.started","item":{"item_type":"assistant_message","text":"partial"}}`)
	assert.Equal(t, EventResponse, ev.Type)

	ev = classifyOne(t, `{"type":"item.updated","item":{"item_type":"agent_message","text":"more"}}`)
	assert.Equal(t, EventResponse, ev.Type)

	ev = classifyOne(t, `{"type":"item.completed","item":{"item_type":"assistant_message","text":"done"}}`)
	assert.Equal(t, EventFinal, ev.Type)
	assert.Equal(t, "done", ev.Text)
}

func TestClassifyStripsItemIDTokens(t *testing.T) {
	ev := classifyOne(t, `{"type":"item.completed","item":{"item_type":"assistant_message","text":"see item_12 above"}}`)
	assert.Equal(t, "see above", ev.Text)
}

func TestClassifyErrorPayloads(t *testing.T) {
	ev := classifyOne(t, `{"type":"error","error":{"message":"rate limited"}}`)
	require.Equal(t, EventError, ev.Type)
	assert.Contains(t, ev.Text, "rate limited")
	assert.True(t, fault.IsKind(ev.Err, fault.RunnerReportedError))

	ev = classifyOne(t, `{"type":"turn.failed","error":{"message":"boom"}}`)
	assert.Equal(t, EventError, ev.Type)
}

func TestClassifyCommandErrorMessage(t *testing.T) {
	long := strings.Repeat("x", 3000)
	ev := classifyOne(t, `{"type":"item.failed","item":{"item_type":"command_execution","command":"make test","exit_code":2,"aggregated_output":"`+long+`"}}`)
	require.Equal(t, EventError, ev.Type)
	assert.Contains(t, ev.Text, `command "make test" failed (exit 2)`)
	assert.LessOrEqual(t, len(ev.Text), maxErrorOutput+100)
	assert.NotNil(t, ev.Payload)
}

func TestClassifyTelemetryIsLog(t *testing.T) {
	for _, line := range []string{
		`{"type":"token_count","tokens":123}`,
		`{"type":"status","status":"compacting"}`,
		`{"type":"progress","pct":50}`,
		`{"type":"turn.metrics","ms":12}`,
	} {
		ev := classifyOne(t, line)
		assert.Equal(t, EventLog, ev.Type, line)
	}
}

func TestClassifyUnknownAndUnparseable(t *testing.T) {
	ev := classifyOne(t, `{"type":"something.new","x":1}`)
	assert.Equal(t, EventLog, ev.Type)

	ev = classifyOne(t, `not json at all`)
	assert.Equal(t, EventLog, ev.Type)
	assert.Equal(t, "not json at all", ev.Text)

	assert.Empty(t, Classify([]byte("   ")))
}

func TestGateAtMostOneFinal(t *testing.T) {
	var g Gate

	assert.True(t, g.Admit(Event{Type: EventThought}))
	assert.True(t, g.Admit(Event{Type: EventFinal}))
	assert.False(t, g.Admit(Event{Type: EventFinal}))
	assert.False(t, g.Admit(Event{Type: EventThought}))
	assert.False(t, g.Admit(Event{Type: EventAction}))
	assert.True(t, g.Admit(Event{Type: EventLog}))
	assert.True(t, g.Admit(Event{Type: EventError}))
	assert.True(t, g.FinalDelivered())
}
