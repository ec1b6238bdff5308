// Package engine supervises the CodeCompass engine server process.
//
// The engine itself is an external program. This package only starts it in
// the prepared workspace, watches it exit, restarts it when it crashes, and
// tears it down on shutdown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/codecompass-ai/compassd/internal/constants"
	"github.com/ubuntu/decorate"
)

var (
	// ErrAlreadyRunning is returned when starting an engine whose process is still alive.
	ErrAlreadyRunning = errors.New("engine is already running")
	// ErrNotRunning is returned when stopping an engine with no live process.
	ErrNotRunning = errors.New("engine is not running")
	// ErrRestartBudget is returned when the engine keeps exiting past the restart budget.
	ErrRestartBudget = errors.New("engine restart budget exhausted")
)

// Uptime past this resets the restart backoff spacing.
const steadyUptime = time.Minute

// Engine supervises the engine server process of a workspace.
type Engine struct {
	workspace   string
	command     []string
	env         []string
	stopTimeout time.Duration
	maxRestarts uint64
	restartWait time.Duration
	stdout      io.Writer
	stderr      io.Writer

	mu        sync.Mutex
	cmd       *exec.Cmd
	waitCh    chan error
	startedAt time.Time

	restarts  atomic.Uint64
	requested atomic.Bool

	log *slog.Logger
}

type options struct {
	command     []string
	env         []string
	stopTimeout time.Duration
	maxRestarts uint64
	restartWait time.Duration
	stdout      io.Writer
	stderr      io.Writer
}

// Options represents an optional function to override Engine defaults.
type Options func(*options)

// WithServeCommand overrides the engine serve command. Empty commands are ignored.
func WithServeCommand(command []string) Options {
	return func(o *options) {
		if len(command) > 0 {
			o.command = command
		}
	}
}

// WithServeEnv sets extra environment variables for the engine process.
func WithServeEnv(env []string) Options {
	return func(o *options) {
		o.env = env
	}
}

// WithStopTimeout overrides how long a graceful stop waits before killing the process.
func WithStopTimeout(d time.Duration) Options {
	return func(o *options) {
		if d > 0 {
			o.stopTimeout = d
		}
	}
}

// WithMaxRestarts overrides how many crash restarts a single Serve call may spend.
func WithMaxRestarts(n uint64) Options {
	return func(o *options) {
		o.maxRestarts = n
	}
}

// WithRestartWait overrides the initial delay between a crash and the restart.
func WithRestartWait(d time.Duration) Options {
	return func(o *options) {
		if d > 0 {
			o.restartWait = d
		}
	}
}

// WithOutput redirects the engine process output.
func WithOutput(stdout, stderr io.Writer) Options {
	return func(o *options) {
		o.stdout = stdout
		o.stderr = stderr
	}
}

// New returns an Engine supervising the serve command inside workspace.
func New(l *slog.Logger, workspace string, args ...Options) *Engine {
	opts := options{
		command:     constants.DefaultServeCommand,
		stopTimeout: 10 * time.Second,
		maxRestarts: 5,
		restartWait: time.Second,
		stdout:      os.Stdout,
		stderr:      os.Stderr,
	}
	for _, opt := range args {
		opt(&opts)
	}

	return &Engine{
		workspace:   workspace,
		command:     opts.command,
		env:         opts.env,
		stopTimeout: opts.stopTimeout,
		maxRestarts: opts.maxRestarts,
		restartWait: opts.restartWait,
		stdout:      opts.stdout,
		stderr:      opts.stderr,

		log: l,
	}
}

// Start launches the engine process in the workspace and begins watching for its exit.
func (e *Engine) Start(ctx context.Context) (err error) {
	defer decorate.OnError(&err, "could not start engine")

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd != nil {
		return ErrAlreadyRunning
	}

	// #nosec:G204 - the serve command comes from operator configuration.
	c := exec.Command(e.command[0], e.command[1:]...)
	c.Dir = e.workspace
	c.Env = append(os.Environ(), e.env...)
	c.Stdout = e.stdout
	c.Stderr = e.stderr

	if err := c.Start(); err != nil {
		return err
	}
	e.log.Info("Engine started", "pid", c.Process.Pid, "command", e.command[0])

	ch := make(chan error, 1)
	e.cmd = c
	e.waitCh = ch
	e.startedAt = time.Now()

	go func() {
		werr := c.Wait()
		e.mu.Lock()
		if e.cmd == c {
			e.cmd = nil
		}
		e.mu.Unlock()
		ch <- werr
		close(ch)
	}()

	return nil
}

// Wait returns the channel receiving the exit result of the current engine
// process. It is only valid after a successful Start.
func (e *Engine) Wait() <-chan error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waitCh
}

// Stop terminates the engine process. It sends SIGTERM first and kills the
// process if it has not exited after the stop timeout.
func (e *Engine) Stop() (err error) {
	defer decorate.OnError(&err, "could not stop engine")

	e.mu.Lock()
	c, wait := e.cmd, e.waitCh
	e.mu.Unlock()
	if c == nil {
		return ErrNotRunning
	}

	e.log.Info("Stopping engine", "pid", c.Process.Pid)
	if err := c.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}

	select {
	case <-wait:
		return nil
	case <-time.After(e.stopTimeout):
	}

	e.log.Warn("Engine did not exit in time, killing it", "pid", c.Process.Pid, "timeout", e.stopTimeout)
	if err := c.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-wait
	return nil
}

// Restart asks the supervision loop to cycle the engine process. Unlike a
// crash, a requested restart spends no restart budget and takes no backoff.
func (e *Engine) Restart() error {
	e.requested.Store(true)
	if err := e.Stop(); err != nil {
		e.requested.Store(false)
		return err
	}
	return nil
}

// Kill terminates the engine process immediately, without the SIGTERM grace.
func (e *Engine) Kill() error {
	e.mu.Lock()
	c := e.cmd
	e.mu.Unlock()
	if c == nil {
		return ErrNotRunning
	}

	if err := c.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("could not kill engine: %w", err)
	}
	return nil
}

// Serve runs the engine until ctx is canceled, restarting it with exponential
// backoff when it exits on its own. It returns nil on a requested shutdown,
// and an error once the restart budget is exhausted.
func (e *Engine) Serve(ctx context.Context) (err error) {
	defer decorate.OnError(&err, "engine supervision failed")

	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(e.restartWait),
		backoff.WithMaxElapsedTime(0),
	)

	var attempts uint64
	for {
		started := time.Now()
		if err := e.Start(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		wait := e.Wait()

		var exitErr error
		select {
		case <-ctx.Done():
			if err := e.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
				e.log.Warn("Could not stop engine cleanly", "error", err)
			}
			return nil
		case exitErr = <-wait:
		}

		if e.requested.Swap(false) {
			e.log.Info("Engine restart requested")
			bo.Reset()
			continue
		}

		// A serve process has no reason to exit on its own, code 0 included.
		if exitErr == nil {
			exitErr = errors.New("engine exited unexpectedly")
		}

		if time.Since(started) >= steadyUptime {
			bo.Reset()
		}

		attempts++
		if attempts > e.maxRestarts {
			return fmt.Errorf("%w after %d attempts: %w", ErrRestartBudget, e.maxRestarts, exitErr)
		}

		total := e.restarts.Add(1)
		delay := bo.NextBackOff()
		e.log.Warn("Engine exited, restarting it", "error", exitErr, "restarts", total, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// Running reports whether the engine process is currently alive.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cmd != nil
}

// PID returns the engine process ID, or 0 when it is not running.
func (e *Engine) PID() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil {
		return 0
	}
	return e.cmd.Process.Pid
}

// Restarts returns how many times the engine was restarted after an unexpected exit.
func (e *Engine) Restarts() uint64 {
	return e.restarts.Load()
}

// Uptime returns how long the current engine process has been running, or 0
// when it is not running.
func (e *Engine) Uptime() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cmd == nil {
		return 0
	}
	return time.Since(e.startedAt)
}
