// Package stages implements the build pipeline stages: dependency install,
// grammar bundle build, and workspace prune.
package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/codecompass-ai/compassd/internal/cmdutils"
	"github.com/codecompass-ai/compassd/internal/constants"
	"github.com/codecompass-ai/compassd/internal/manifest"
	"github.com/codecompass-ai/compassd/internal/pipeline"
)

// Install runs the dependency manager against the workspace manifest and lock file.
type Install struct {
	workspace string
	mgr       manifest.Manager
	command   []string
	env       []string

	log *slog.Logger
}

type installOptions struct {
	command []string
	env     []string
}

// InstallOptions represents an optional function to override Install stage defaults.
type InstallOptions func(*installOptions)

// WithInstallCommand overrides the dependency install command.
func WithInstallCommand(command []string) InstallOptions {
	return func(o *installOptions) {
		if len(command) > 0 {
			o.command = command
		}
	}
}

// WithInstallEnv overrides the extra environment of the install command.
func WithInstallEnv(env []string) InstallOptions {
	return func(o *installOptions) {
		o.env = env
	}
}

// NewInstall returns the dependency install stage for the given workspace.
func NewInstall(l *slog.Logger, workspace string, mgr manifest.Manager, args ...InstallOptions) Install {
	opts := installOptions{
		command: constants.DefaultInstallCommand,
		env: []string{
			constants.EnvNoInteraction + "=1",
			constants.EnvVenvInProject + "=true",
		},
	}
	for _, opt := range args {
		opt(&opts)
	}

	return Install{
		workspace: workspace,
		mgr:       mgr,
		command:   opts.command,
		env:       opts.env,
		log:       l,
	}
}

// Name implements pipeline.Stage.
func (s Install) Name() string { return "install" }

// Fingerprint digests the manifest and lock file. A missing file fails the stage
// before the dependency manager ever runs.
func (s Install) Fingerprint() (string, error) {
	return s.mgr.InputsFingerprint()
}

// Run implements pipeline.Stage.
func (s Install) Run(ctx context.Context) (pipeline.Report, error) {
	if stale, err := s.mgr.LockStale(); err == nil && stale {
		s.log.Warn("Lock file is older than the manifest, dependency resolution may be out of date",
			"manifest", s.mgr.ManifestPath(), "lock", s.mgr.LockPath())
	}

	s.log.Debug("Installing dependencies", "command", s.command, "env", s.env)
	stdout, stderr, err := cmdutils.RunInDir(ctx, s.workspace, s.env, s.command[0], s.command[1:]...)
	if err != nil {
		return pipeline.Report{}, commandFailed("dependency install", err, stdout.String(), stderr.String())
	}

	s.log.Debug("Dependency install output", "stdout", stdout.String())
	return pipeline.Report{}, nil
}

// commandFailed builds a stage error carrying the tail of the command output.
func commandFailed(what string, err error, stdout, stderr string) error {
	out := tail(stderr, 2048)
	if out == "" {
		out = tail(stdout, 2048)
	}
	if out == "" {
		return fmt.Errorf("%s failed: %v", what, err)
	}
	return fmt.Errorf("%s failed: %v\n%s", what, err, out)
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
