package daemon

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

type (
	AppConfig    = appConfig
	BuildConfig  = buildConfig
	EngineConfig = engineConfig
)

// Config returns the configuration of the app.
func (a *App) Config() AppConfig {
	return a.config
}

// NewForTests creates a new App instance for testing purposes.
func NewForTests(t *testing.T, conf *AppConfig, args ...string) *App {
	t.Helper()

	if conf == nil {
		conf = &AppConfig{}
	}
	if conf.Workspace == "" {
		conf.Workspace = t.TempDir()
	}

	p := GenerateTestConfig(t, conf)
	argsWithConf := []string{"--config", p}
	argsWithConf = append(argsWithConf, args...)

	a, err := New()
	require.NoError(t, err, "Setup: failed to create app")
	a.cmd.SetArgs(argsWithConf)
	return a
}

// GenerateTestConfig writes conf to a temporary YAML file and returns its
// path. An unset verbosity is raised to debug.
func GenerateTestConfig(t *testing.T, origConf *AppConfig) string {
	t.Helper()

	conf := appConfig{}
	if origConf != nil {
		conf = *origConf
	}
	if conf.Verbosity == 0 {
		conf.Verbosity = 2
	}

	out, err := yaml.Marshal(conf)
	require.NoError(t, err, "Setup: could not marshal the test config")

	path := filepath.Join(t.TempDir(), "compassd.yaml")
	require.NoError(t, os.WriteFile(path, out, 0600), "Setup: could not write the test config")

	return path
}

// SetArgs replaces the root command arguments.
func (a *App) SetArgs(args ...string) {
	a.cmd.SetArgs(args)
}

// SetSilenceUsage toggles usage printing on the root command.
func (a *App) SetSilenceUsage(silence bool) {
	a.cmd.SilenceUsage = silence
}
