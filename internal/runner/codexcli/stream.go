package codexcli

import (
	"bufio"
	"io"
	"sync"

	"github.com/stagehand/stagehand/internal/fault"
	"github.com/stagehand/stagehand/internal/runner"
)

// stream serialises event emission for one run: classification, the
// final-gate, and the end-of-stream rules. Emission order equals stdout
// line order; stderr lines interleave as log events.
type stream struct {
	mu   sync.Mutex
	gate runner.Gate
	emit runner.Handler
}

func newStream(emit runner.Handler) *stream {
	return &stream{emit: emit}
}

func (s *stream) deliver(ev runner.Event) {
	s.mu.Lock()
	admitted := s.gate.Admit(ev)
	s.mu.Unlock()
	if admitted {
		s.emit(ev)
	}
}

func (s *stream) finalDelivered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gate.FinalDelivered()
}

// consumeStdout splits stdout on newlines and classifies each line.
func (s *stream) consumeStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		for _, ev := range runner.Classify(scanner.Bytes()) {
			s.deliver(ev)
		}
	}
}

// consumeStderr log-prefixes every stderr line; stderr is never
// classified as a runner error.
func (s *stream) consumeStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		s.deliver(runner.Event{Type: runner.EventLog, Text: "stderr: " + line})
	}
}

// finish applies the end-of-stream rules after the child exited.
func (s *stream) finish(exitCode int, stopRequested bool) {
	final := s.finalDelivered()

	switch {
	case exitCode == 0 && final:
		// Clean completion.
	case stopRequested:
		s.deliver(runner.Event{
			Type: runner.EventLog,
			Text: "runner exited after stop request",
		})
	case exitCode == 0 && !final:
		s.deliver(runner.Event{
			Type: runner.EventError,
			Text: "runner exited without delivering a final response",
			Err:  fault.New(fault.RunnerAbandoned, "exited without delivering a final response"),
		})
	case !final:
		s.deliver(runner.Event{
			Type: runner.EventError,
			Text: "runner exited abnormally",
			Err:  fault.New(fault.RunnerAbandoned, "runner exited with code %d before a final response", exitCode),
		})
	default:
		s.deliver(runner.Event{
			Type: runner.EventLog,
			Text: "runner exited non-zero after delivering its final response",
		})
	}
}
