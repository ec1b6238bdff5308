package daemon_test

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/codecompass-ai/compassd/cmd/compassd/daemon"
	"github.com/codecompass-ai/compassd/internal/constants"
	"github.com/codecompass-ai/compassd/internal/probe"
	"github.com/codecompass-ai/compassd/internal/state"
	"github.com/codecompass-ai/compassd/internal/testutils"
	"github.com/spf13/cobra"
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

func TestConfigArg(t *testing.T) {
	filename := "conf.yaml"
	configPath := filepath.Join(t.TempDir(), filename)
	require.NoError(t, os.WriteFile(configPath, []byte("Verbosity: 1"), 0600), "Setup: couldn't write config file")

	a, err := daemon.New()
	require.NoError(t, err, "Setup: New should not return an error")
	a.SetArgs("version", "--config", configPath)

	err = a.Run()
	require.NoError(t, err, "Run should not return an error")
	require.Equal(t, 1, a.Config().Verbosity)
}

func TestConfigEnv(t *testing.T) {
	t.Setenv("COMPASSD_BUILD_LOCKWAIT", "1s")

	a, err := daemon.New()
	require.NoError(t, err, "Setup: New should not return an error")
	a.SetArgs("version")

	err = a.Run()
	require.NoError(t, err, "Run should not return an error")
	require.Equal(t, time.Second, a.Config().Build.LockWait)
}

func TestConfigBadArg(t *testing.T) {
	filename := "conf.yaml"
	configPath := filepath.Join(t.TempDir(), filename)

	a, err := daemon.New()
	require.NoError(t, err, "Setup: New should not return an error")
	a.SetArgs("version", "--config", configPath)

	err = a.Run()
	require.Error(t, err, "Run should return an error")
}

func TestNoUsageError(t *testing.T) {
	a, err := daemon.New()
	require.NoError(t, err, "Setup: New should not return an error")
	a.SetArgs("completion", "bash")

	err = a.Run()
	require.NoError(t, err, "Run should not return an error")

	isUsageError := a.UsageError()
	require.False(t, isUsageError, "No usage error is reported as such")
}

func TestUsageError(t *testing.T) {
	t.Parallel()

	a, err := daemon.New()
	require.NoError(t, err, "Setup: New should not return an error")
	a.SetArgs("doesnotexist")

	err = a.Run()
	require.Error(t, err, "Run should return an error")
	isUsageError := a.UsageError()
	require.True(t, isUsageError, "Usage error is reported as such")

	// Test when SilenceUsage is true
	a.SetSilenceUsage(true)
	assert.False(t, a.UsageError())

	// Test when SilenceUsage is false
	a.SetSilenceUsage(false)
	assert.True(t, a.UsageError())
}

func TestRootCmd(t *testing.T) {
	app, err := daemon.New()
	require.NoError(t, err)

	cmd := app.RootCmd()

	assert.NotNil(t, cmd, "Returned root cmd should not be nil")
	assert.Equal(t, constants.CmdName, cmd.Name())
}

func TestCommandFlags(t *testing.T) {
	app, err := daemon.New()
	require.NoError(t, err)
	root := app.RootCmd()

	cmds := make(map[string]*cobra.Command, len(root.Commands()))
	for _, c := range root.Commands() {
		cmds[c.Name()] = c
	}
	for _, name := range []string{"build", "serve", "up", "probe", "migrate"} {
		require.Contains(t, cmds, name, "Setup: %s command should be registered", name)
	}

	testCases := []testutils.FlagTestCase{
		{Name: "verbose", Short: "v", Default: "0", Persistent: true, Cmd: root},
		{Name: "workspace", Short: "w", Default: ".", Persistent: true, Cmd: root},
		{Name: "json-logs", Default: "false", Persistent: true, Cmd: root},
		{Name: "config", Persistent: true, Cmd: root},

		{Name: "force", Default: "false", Cmd: cmds["build"]},
		{Name: "lock-wait", Default: "10s", Cmd: cmds["build"]},
		{Name: "manifest", Default: constants.DefaultManifestName, Cmd: cmds["build"]},
		{Name: "lock", Default: constants.DefaultLockName, Cmd: cmds["build"]},
		{Name: "artifact", Default: constants.DefaultArtifactPath, Cmd: cmds["build"]},

		{Name: "engine-port", Default: "8000", Cmd: cmds["serve"]},
		{Name: "probe-path", Default: "/", Cmd: cmds["serve"]},
		{Name: "max-restarts", Default: "5", Cmd: cmds["serve"]},
		{Name: "stop-timeout", Default: "10s", Cmd: cmds["serve"]},
		{Name: "admin-port", Default: "2113", Cmd: cmds["serve"]},

		{Name: "watch", Default: "false", Cmd: cmds["up"]},
		{Name: "debounce", Default: "5s", Cmd: cmds["up"]},
		{Name: "db-port", Short: "p", Default: "5432", Cmd: cmds["up"]},

		{Name: "engine-host", Default: constants.DefaultEngineHost, Cmd: cmds["probe"]},
		{Name: "probe-max-wait", Default: "1m0s", Cmd: cmds["probe"]},

		{Name: "db-host", Cmd: cmds["migrate"]},
		{Name: "db-user", Short: "u", Cmd: cmds["migrate"]},
	}

	for _, tc := range testCases {
		t.Run(tc.Name, func(t *testing.T) {
			testutils.AssertFlagDefined(t, tc)
		})
	}
}

func TestAppCanSigHupAfterExecute(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("Skipping Hup test on Windows")
	}
	r, w, err := os.Pipe()
	require.NoError(t, err, "Setup: pipe shouldn't fail")

	port := testutils.GetFreePort(t, "127.0.0.1")
	a, done := startDaemon(t, serveConf(t, t.TempDir(), port), "serve")
	a.Quit(false)
	done()

	orig := os.Stdout
	os.Stdout = w

	a.Hup()

	os.Stdout = orig
	w.Close()

	var out bytes.Buffer
	_, err = io.Copy(&out, r)
	require.NoError(t, err, "Couldn't copy stdout to buffer")
	require.NotEmpty(t, out.String(), "Stacktrace is printed")
}

func TestBuildRunsPipeline(t *testing.T) {
	t.Parallel()

	ws := buildWorkspace(t)
	a := daemon.NewForTests(t, buildConf(t, ws), "build")

	require.NoError(t, a.Run(), "Run should not return an error")

	bs, err := state.New(slog.Default(), ws).Load()
	require.NoError(t, err, "the run should have been recorded in the workspace state")
	assert.Equal(t, state.StatusSucceeded, bs.Status, "the run should have succeeded")
	assert.NotEmpty(t, bs.ArtifactDigest, "the grammar bundle digest should be recorded")
	assert.FileExists(t, filepath.Join(ws, "build", "my-languages.so"), "the grammar bundle should have been built")
	assert.NoDirExists(t, filepath.Join(ws, "vendor", "tree-sitter-python"), "the grammar sources should have been pruned")
}

func TestBuildFailingInstall(t *testing.T) {
	t.Parallel()

	ws := buildWorkspace(t)
	conf := buildConf(t, ws)
	conf.Build.InstallCommand = testutils.SetupFakeCmdArgs("TestFakeBuildToolCmd", "fail")
	a := daemon.NewForTests(t, conf, "build")

	require.Error(t, a.Run(), "Run should report the failing install")

	bs, err := state.New(slog.Default(), ws).Load()
	require.NoError(t, err, "the failed run should have been recorded in the workspace state")
	assert.Equal(t, state.StatusFailed, bs.Status, "the run should be recorded as failed")
	assert.NoFileExists(t, filepath.Join(ws, "build", "my-languages.so"), "no grammar bundle should have been built")
	assert.DirExists(t, filepath.Join(ws, "vendor", "tree-sitter-python"), "the grammar sources should be kept on a failed build")
}

func TestMigrateRequiresDirArgument(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// Make a fake file in dir
	fakeMigration := filepath.Join(dir, "fake.sql")
	require.NoError(t, os.WriteFile(fakeMigration, []byte(""), 0600), "Setup: couldn't write fake migration file")

	tests := map[string]struct {
		args []string

		wantErr      bool
		wantUsageErr bool
	}{
		"no path": {
			wantErr:      true,
			wantUsageErr: true,
		},
		"non-existent path": {
			args:         []string{filepath.Join(dir, "non-existent-folder")},
			wantErr:      true,
			wantUsageErr: true,
		},
		"path to file": {
			args:         []string{fakeMigration},
			wantErr:      true,
			wantUsageErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			a, err := daemon.New()
			require.NoError(t, err, "Setup: New should not return an error")
			args := append([]string{"ledger", "migrate"}, tc.args...)
			a.SetArgs(args...)

			err = a.Run()
			require.Equal(t, tc.wantUsageErr, a.UsageError(), "Run should return a usage error if expected")
			if tc.wantErr {
				require.Error(t, err, "Run should return an error")
				return
			}
			require.NoError(t, err, "Run should not return an error")
		})
	}
}

func TestServeAndQuit(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("engine supervision relies on unix signals")
	}

	port := testutils.GetFreePort(t, "127.0.0.1")
	a, done := startDaemon(t, serveConf(t, t.TempDir(), port), "serve")

	p := probe.New(slog.Default(), "127.0.0.1", port, probe.WithMaxWait(10*time.Second))
	require.NoError(t, p.WaitReady(context.Background()), "the engine should come up and answer its probe")

	a.Quit(false)
	done()

	require.Error(t, p.Check(context.Background()), "the engine should be down after quitting")
}

func TestUpBuildsThenServes(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("engine supervision relies on unix signals")
	}

	ws := buildWorkspace(t)
	port := testutils.GetFreePort(t, "127.0.0.1")
	conf := serveConf(t, ws, port)
	conf.Build = buildConf(t, ws).Build

	a, done := startDaemon(t, conf, "up")

	p := probe.New(slog.Default(), "127.0.0.1", port, probe.WithMaxWait(10*time.Second))
	require.NoError(t, p.WaitReady(context.Background()), "the engine should serve the freshly built workspace")

	bs, err := state.New(slog.Default(), ws).Load()
	require.NoError(t, err, "the run should have been recorded in the workspace state")
	assert.Equal(t, state.StatusSucceeded, bs.Status, "the build should have succeeded before serving")
	assert.FileExists(t, filepath.Join(ws, "build", "my-languages.so"), "the grammar bundle should have been built")
	assert.NoDirExists(t, filepath.Join(ws, "vendor", "tree-sitter-python"), "the grammar sources should have been pruned")

	a.Quit(false)
	done()
}

func TestUpFailingBuildDoesNotServe(t *testing.T) {
	t.Parallel()

	ws := buildWorkspace(t)
	port := testutils.GetFreePort(t, "127.0.0.1")
	conf := serveConf(t, ws, port)
	conf.Build.InstallCommand = testutils.SetupFakeCmdArgs("TestFakeBuildToolCmd", "fail")

	a := daemon.NewForTests(t, conf, "up")
	chErr := make(chan error, 1)
	go func() { chErr <- a.Run() }()
	a.WaitReady()

	select {
	case err := <-chErr:
		require.Error(t, err, "Run should fail when the build fails")
	case <-time.After(10 * time.Second):
		require.Fail(t, "Run did not return after a failed build")
	}

	p := probe.New(slog.Default(), "127.0.0.1", port)
	require.Error(t, p.Check(context.Background()), "no engine should be serving after a failed build")
}

// startDaemon prepares and starts the daemon in the background. The done function should be called
// to wait for the daemon to stop.
func startDaemon(t *testing.T, conf *daemon.AppConfig, args ...string) (app *daemon.App, done func()) {
	t.Helper()

	a := daemon.NewForTests(t, conf, args...)

	chErr := make(chan error, 1)
	go func() {
		chErr <- a.Run()
	}()
	a.WaitReady()

	return a, func() {
		select {
		case err := <-chErr:
			require.NoError(t, err, "Run should return without an error")
		case <-time.After(10 * time.Second):
			require.Fail(t, "Run did not return in time")
		}
	}
}

// buildWorkspace lays out an engine workspace with a manifest, lock file,
// build script and a vendored grammar source tree.
func buildWorkspace(t *testing.T) string {
	t.Helper()

	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "pyproject.toml"),
		[]byte("[tool.poetry]\nname = \"codecompass-engine\"\n"), 0600), "Setup: couldn't write manifest")
	require.NoError(t, os.WriteFile(filepath.Join(ws, "poetry.lock"), []byte("# locked\n"), 0600),
		"Setup: couldn't write lock file")
	require.NoError(t, os.WriteFile(filepath.Join(ws, "build.py"), []byte("print('build')\n"), 0600),
		"Setup: couldn't write build script")
	require.NoError(t, os.MkdirAll(filepath.Join(ws, "vendor", "tree-sitter-python"), 0750),
		"Setup: couldn't create grammar sources")
	require.NoError(t, os.WriteFile(filepath.Join(ws, "vendor", "tree-sitter-python", "parser.c"),
		[]byte("// parser"), 0600), "Setup: couldn't write grammar source")
	return ws
}

func buildConf(t *testing.T, workspace string) *daemon.AppConfig {
	t.Helper()

	return &daemon.AppConfig{
		Workspace: workspace,
		Build: daemon.BuildConfig{
			InstallCommand: testutils.SetupFakeCmdArgs("TestFakeBuildToolCmd", "install"),
			BuildCommand:   testutils.SetupFakeCmdArgs("TestFakeBuildToolCmd", "build"),
			LockWait:       5 * time.Second,
		},
	}
}

func serveConf(t *testing.T, workspace string, port int) *daemon.AppConfig {
	t.Helper()

	return &daemon.AppConfig{
		Workspace: workspace,
		Engine: daemon.EngineConfig{
			Command:       testutils.SetupFakeCmdArgs("TestFakeEngineCmd", strconv.Itoa(port)),
			Host:          "127.0.0.1",
			Port:          port,
			StopTimeout:   time.Second,
			MaxRestarts:   1,
			ProbeMaxWait:  10 * time.Second,
			ProbeInterval: 100 * time.Millisecond,
		},
	}
}

func TestFakeEngineCmd(_ *testing.T) {
	args, err := testutils.GetFakeCmdArgs()
	if err != nil {
		return
	}
	defer os.Exit(0)

	port := args[0]
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM)

	http.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status": "ok"}`)
	})
	go func() {
		if err := http.ListenAndServe(net.JoinHostPort("127.0.0.1", port), nil); err != nil {
			os.Exit(1)
		}
	}()
	<-sig
}

func TestFakeBuildToolCmd(_ *testing.T) {
	args, err := testutils.GetFakeCmdArgs()
	if err != nil {
		return
	}
	defer os.Exit(0)

	switch args[0] {
	case "install":
	case "build":
		if err := os.MkdirAll("build", 0750); err != nil {
			os.Exit(1)
		}
		if err := os.WriteFile(filepath.Join("build", "my-languages.so"), []byte("grammar bundle"), 0600); err != nil {
			os.Exit(1)
		}
	case "fail":
		fmt.Fprint(os.Stderr, "resolution of dependencies failed")
		os.Exit(1)
	}
}
