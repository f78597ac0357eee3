// Package codexcli supervises the coding-CLI subprocess: argv assembly
// with feature-detected flags, line-delimited JSON stream parsing, and
// SIGTERM-then-SIGKILL termination.
package codexcli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/stagehand/stagehand/internal/common/logger"
	"github.com/stagehand/stagehand/internal/fault"
	"github.com/stagehand/stagehand/internal/runner"
)

// killTimeout is how long a child gets to honour SIGTERM before SIGKILL.
const killTimeout = 5 * time.Second

// Config holds the static runner settings shared by all invocations.
type Config struct {
	// Binary is the CLI executable (default: codex).
	Binary string
}

// Adapter runs one child process per Start call and implements
// runner.Runner.
type Adapter struct {
	cfg    Config
	logger *logger.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	exited   chan struct{}
	exitCode int
	stopping bool
	termOnce *sync.Once

	// killAfter is killTimeout except in tests.
	killAfter time.Duration
}

// New creates an adapter for the configured CLI binary.
func New(cfg Config, log *logger.Logger) *Adapter {
	if cfg.Binary == "" {
		cfg.Binary = "codex"
	}
	return &Adapter{
		cfg:       cfg,
		logger:    log.WithFields(zap.String("runner", "codexcli")),
		killAfter: killTimeout,
	}
}

// Start spawns the CLI and streams its events to onEvent until exit.
func (a *Adapter) Start(ctx context.Context, opts runner.StartOptions, onEvent runner.Handler) (runner.Capabilities, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cmd != nil {
		select {
		case <-a.exited:
		default:
			return runner.Capabilities{}, fmt.Errorf("runner already active")
		}
	}

	str := newStream(onEvent)
	caps := probeCapabilities(a.cfg.Binary)

	warn := func(msg string) {
		a.logger.Warn("capability fallback", zap.String("detail", msg))
		str.deliver(runner.Event{Type: runner.EventLog, Text: msg})
	}
	args := buildArgs(caps, opts, warn)

	// exec.Command rather than CommandContext: shutdown is driven by
	// Stop so the child gets a chance to exit on SIGTERM.
	cmd := exec.Command(a.cfg.Binary, args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.SysProcAttr = buildSysProcAttr()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return runner.Capabilities{}, fault.Wrap(fault.RunnerSpawnFailure, err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return runner.Capabilities{}, fault.Wrap(fault.RunnerSpawnFailure, err, "stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return runner.Capabilities{}, fault.Wrap(fault.RunnerSpawnFailure, err, "starting %s", a.cfg.Binary)
	}

	a.cmd = cmd
	a.exited = make(chan struct{})
	a.stopping = false
	a.termOnce = &sync.Once{}
	exited := a.exited

	a.logger.Info("runner started",
		zap.Int("pid", cmd.Process.Pid),
		zap.String("workdir", opts.WorkDir),
		zap.Bool("resume", opts.ResumeSessionID != ""))

	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		str.consumeStdout(stdout)
	}()
	go func() {
		defer pipes.Done()
		str.consumeStderr(stderr)
	}()

	go func() {
		pipes.Wait()
		err := cmd.Wait()

		code := 0
		if err != nil {
			code = -1
			if exitErr, ok := err.(*exec.ExitError); ok {
				code = exitErr.ExitCode()
			}
		}

		a.mu.Lock()
		a.exitCode = code
		stopping := a.stopping
		a.mu.Unlock()

		str.finish(code, stopping)

		a.logger.Info("runner exited",
			zap.Int("exit_code", code),
			zap.Bool("stop_requested", stopping))
		close(exited)
	}()

	return runner.Capabilities{JSONStream: caps.JSONStream || caps.ExperimentalJSON}, nil
}

// Stop terminates the child: one SIGTERM, SIGKILL after the grace period.
// Idempotent and re-entrant; concurrent calls share the same wait and
// return only after the child has exited.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	cmd := a.cmd
	exited := a.exited
	if cmd == nil || cmd.Process == nil {
		a.mu.Unlock()
		return nil
	}
	select {
	case <-exited:
		a.mu.Unlock()
		return nil
	default:
	}
	a.stopping = true
	once := a.termOnce
	killAfter := a.killAfter
	a.mu.Unlock()

	once.Do(func() {
		a.logger.Info("stopping runner", zap.Int("pid", cmd.Process.Pid))
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
			a.logger.Warn("SIGTERM failed", zap.Error(err))
		}
		go func() {
			select {
			case <-exited:
			case <-time.After(killAfter):
				a.logger.Warn("runner ignored SIGTERM, sending SIGKILL")
				_ = cmd.Process.Kill()
			}
		}()
	})

	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the current child exits.
func (a *Adapter) Wait() error {
	a.mu.Lock()
	exited := a.exited
	a.mu.Unlock()
	if exited == nil {
		return nil
	}
	<-exited

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.exitCode != 0 && !a.stopping {
		return fmt.Errorf("runner exited with code %d", a.exitCode)
	}
	return nil
}
