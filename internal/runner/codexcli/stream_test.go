package codexcli

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand/stagehand/internal/fault"
	"github.com/stagehand/stagehand/internal/runner"
)

type eventSink struct {
	mu     sync.Mutex
	events []runner.Event
}

func (s *eventSink) record(ev runner.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) all() []runner.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]runner.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *eventSink) ofType(t runner.EventType) []runner.Event {
	var out []runner.Event
	for _, ev := range s.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func TestStreamSuppressesAfterFinal(t *testing.T) {
	sink := &eventSink{}
	str := newStream(sink.record)

	stdout := strings.Join([]string{
		`{"type":"thread.started","thread_id":"S1"}`,
		`{"type":"item.completed","item":{"item_type":"assistant_message","text":"first"}}`,
		`{"type":"item.completed","item":{"item_type":"assistant_message","text":"second"}}`,
		`{"type":"item.completed","item":{"item_type":"reasoning","text":"late thought"}}`,
		`{"type":"token_count","n":1}`,
	}, "\n")
	str.consumeStdout(strings.NewReader(stdout))

	finals := sink.ofType(runner.EventFinal)
	require.Len(t, finals, 1)
	assert.Equal(t, "first", finals[0].Text)
	assert.Empty(t, sink.ofType(runner.EventThought))
	assert.NotEmpty(t, sink.ofType(runner.EventLog))
	assert.True(t, str.finalDelivered())
}

func TestStreamStderrIsAlwaysLog(t *testing.T) {
	sink := &eventSink{}
	str := newStream(sink.record)

	str.consumeStderr(strings.NewReader("ERROR: something scary\n\npanic-ish line\n"))

	events := sink.all()
	require.Len(t, events, 2)
	for _, ev := range events {
		assert.Equal(t, runner.EventLog, ev.Type)
		assert.True(t, strings.HasPrefix(ev.Text, "stderr: "))
	}
	assert.Empty(t, sink.ofType(runner.EventError))
}

func TestStreamFinishRules(t *testing.T) {
	t.Run("clean exit with final", func(t *testing.T) {
		sink := &eventSink{}
		str := newStream(sink.record)
		str.deliver(runner.Event{Type: runner.EventFinal, Text: "done"})
		str.finish(0, false)
		assert.Len(t, sink.all(), 1)
	})

	t.Run("clean exit without final", func(t *testing.T) {
		sink := &eventSink{}
		str := newStream(sink.record)
		str.finish(0, false)
		errs := sink.ofType(runner.EventError)
		require.Len(t, errs, 1)
		assert.True(t, fault.IsKind(errs[0].Err, fault.RunnerAbandoned))
	})

	t.Run("exit after stop request is logged", func(t *testing.T) {
		sink := &eventSink{}
		str := newStream(sink.record)
		str.finish(-1, true)
		assert.Empty(t, sink.ofType(runner.EventError))
		assert.Len(t, sink.ofType(runner.EventLog), 1)
	})

	t.Run("abnormal exit without final", func(t *testing.T) {
		sink := &eventSink{}
		str := newStream(sink.record)
		str.finish(2, false)
		errs := sink.ofType(runner.EventError)
		require.Len(t, errs, 1)
		assert.True(t, fault.IsKind(errs[0].Err, fault.RunnerAbandoned))
	})

	t.Run("abnormal exit after final", func(t *testing.T) {
		sink := &eventSink{}
		str := newStream(sink.record)
		str.deliver(runner.Event{Type: runner.EventFinal, Text: "done"})
		str.finish(2, false)
		assert.Empty(t, sink.ofType(runner.EventError))
	})
}
