package engine_test

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/codecompass-ai/compassd/internal/engine"
	"github.com/codecompass-ai/compassd/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	flag.Parse()
	dir, ok := testutils.SetupHelperCoverdir()

	r := m.Run()
	if ok {
		os.Remove(dir)
	}
	os.Exit(r)
}

func TestStartAndStop(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("engine stop relies on unix signals")
	}

	workspace := t.TempDir()
	e := newTestEngine(t, workspace, "serve")

	require.NoError(t, e.Start(context.Background()), "Start should not return an error")
	waitForFile(t, filepath.Join(workspace, "ready"))

	require.True(t, e.Running(), "the engine should be running after start")
	assert.Positive(t, e.PID(), "a running engine should report its PID")
	assert.Positive(t, e.Uptime(), "a running engine should report its uptime")

	require.NoError(t, e.Stop(), "Stop should not return an error")
	assert.False(t, e.Running(), "the engine should not be running after stop")
	assert.Zero(t, e.PID(), "a stopped engine should report no PID")
	assert.Zero(t, e.Uptime(), "a stopped engine should report no uptime")
}

func TestStartTwice(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("engine stop relies on unix signals")
	}

	workspace := t.TempDir()
	e := newTestEngine(t, workspace, "serve")

	require.NoError(t, e.Start(context.Background()), "Setup: Start should not return an error")
	defer func() { _ = e.Stop() }()
	waitForFile(t, filepath.Join(workspace, "ready"))

	err := e.Start(context.Background())
	require.ErrorIs(t, err, engine.ErrAlreadyRunning, "a second Start should report the live process")
}

func TestStopNotRunning(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, t.TempDir(), "serve")
	require.ErrorIs(t, e.Stop(), engine.ErrNotRunning, "Stop without a process should report it")
	require.ErrorIs(t, e.Kill(), engine.ErrNotRunning, "Kill without a process should report it")
	require.ErrorIs(t, e.Restart(), engine.ErrNotRunning, "Restart without a process should report it")
}

func TestStopEscalatesToKill(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("engine stop relies on unix signals")
	}

	workspace := t.TempDir()
	e := newTestEngine(t, workspace, "hang", engine.WithStopTimeout(100*time.Millisecond))

	require.NoError(t, e.Start(context.Background()), "Setup: Start should not return an error")
	waitForFile(t, filepath.Join(workspace, "ready"))

	start := time.Now()
	require.NoError(t, e.Stop(), "Stop should not return an error when the process ignores SIGTERM")
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond, "Stop should wait out the grace period first")
	assert.False(t, e.Running(), "the engine should not be running after the kill")
}

func TestKill(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("engine stop relies on unix signals")
	}

	workspace := t.TempDir()
	e := newTestEngine(t, workspace, "hang")

	require.NoError(t, e.Start(context.Background()), "Setup: Start should not return an error")
	waitForFile(t, filepath.Join(workspace, "ready"))
	wait := e.Wait()

	require.NoError(t, e.Kill(), "Kill should not return an error")
	select {
	case err := <-wait:
		require.Error(t, err, "a killed engine should report an exit error")
	case <-time.After(5 * time.Second):
		require.Fail(t, "the engine did not exit after Kill")
	}
	assert.False(t, e.Running(), "the engine should not be running after Kill")
}

func TestServeRestartsAfterCrash(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, t.TempDir(), "crash",
		engine.WithMaxRestarts(2), engine.WithRestartWait(10*time.Millisecond))

	err := e.Serve(context.Background())
	require.ErrorIs(t, err, engine.ErrRestartBudget, "Serve should give up once the budget is spent")
	assert.ErrorContains(t, err, "exit status 1", "the error should carry the last exit result")
	assert.Equal(t, uint64(2), e.Restarts(), "the engine should have been restarted twice")
}

func TestServeCleanExitIsUnexpected(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, t.TempDir(), "exit-clean", engine.WithMaxRestarts(0))

	err := e.Serve(context.Background())
	require.ErrorIs(t, err, engine.ErrRestartBudget, "Serve should fail without a restart budget")
	assert.ErrorContains(t, err, "engine exited unexpectedly", "an exit code 0 is still an unexpected exit")
	assert.Zero(t, e.Restarts(), "no restart should have been spent")
}

func TestServeStopsOnContextCancel(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("engine stop relies on unix signals")
	}

	workspace := t.TempDir()
	e := newTestEngine(t, workspace, "serve")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErr := make(chan error, 1)
	go func() { serveErr <- e.Serve(ctx) }()

	waitForFile(t, filepath.Join(workspace, "ready"))
	require.True(t, e.Running(), "the engine should be running while Serve is active")

	cancel()
	select {
	case err := <-serveErr:
		require.NoError(t, err, "Serve should return nil on a requested shutdown")
	case <-time.After(10 * time.Second):
		require.Fail(t, "Serve did not return after context cancellation")
	}
	assert.False(t, e.Running(), "the engine should not be running after shutdown")
}

func TestRestartCyclesProcess(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("engine stop relies on unix signals")
	}

	workspace := t.TempDir()
	e := newTestEngine(t, workspace, "serve")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveErr := make(chan error, 1)
	go func() { serveErr <- e.Serve(ctx) }()

	readyPath := filepath.Join(workspace, "ready")
	waitForFile(t, readyPath)
	first, err := os.ReadFile(readyPath)
	require.NoError(t, err, "Setup: could not read ready file")

	require.NoError(t, e.Restart(), "Restart should not return an error")

	// The replacement process overwrites the ready file with its own PID.
	start := time.Now()
	for {
		cur, err := os.ReadFile(readyPath)
		if err == nil && string(cur) != string(first) {
			break
		}
		require.LessOrEqual(t, time.Since(start), 10*time.Second, "the engine was not restarted in time")
		time.Sleep(10 * time.Millisecond)
	}
	assert.Zero(t, e.Restarts(), "a requested restart should spend no restart budget")

	cancel()
	select {
	case err := <-serveErr:
		require.NoError(t, err, "Serve should return nil on a requested shutdown")
	case <-time.After(10 * time.Second):
		require.Fail(t, "Serve did not return after context cancellation")
	}
}

func TestServeStartError(t *testing.T) {
	t.Parallel()

	e := engine.New(slog.Default(), t.TempDir(),
		engine.WithServeCommand([]string{filepath.Join(t.TempDir(), "missing-engine")}))

	err := e.Serve(context.Background())
	require.Error(t, err, "Serve should fail when the serve command cannot start")
	assert.ErrorContains(t, err, "could not start engine", "the error should name the start failure")
}

// newTestEngine returns an Engine running the fake serve command in the given mode.
func newTestEngine(t *testing.T, workspace, mode string, args ...engine.Options) *engine.Engine {
	t.Helper()

	cmdArgs := testutils.SetupFakeCmdArgs("TestFakeEngineCmd", mode)
	args = append([]engine.Options{engine.WithServeCommand(cmdArgs)}, args...)
	return engine.New(slog.Default(), workspace, args...)
}

// waitForFile polls until path exists, so tests only signal the fake once it
// installed its own signal handling.
func waitForFile(t *testing.T, path string) {
	t.Helper()

	start := time.Now()
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		require.LessOrEqual(t, time.Since(start), 5*time.Second, "file %s did not appear in time", path)
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFakeEngineCmd(_ *testing.T) {
	args, err := testutils.GetFakeCmdArgs()
	if err != nil {
		return
	}
	defer os.Exit(0)

	switch args[0] {
	case "serve":
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGTERM)
		if err := os.WriteFile("ready", []byte(strconv.Itoa(os.Getpid())), 0600); err != nil {
			os.Exit(1)
		}
		<-sig
	case "hang":
		signal.Ignore(syscall.SIGTERM)
		if err := os.WriteFile("ready", nil, 0600); err != nil {
			os.Exit(1)
		}
		time.Sleep(time.Minute)
	case "crash":
		fmt.Fprint(os.Stderr, "engine exploded")
		os.Exit(1)
	case "exit-clean":
	}
}
