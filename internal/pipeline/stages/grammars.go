package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/codecompass-ai/compassd/internal/cmdutils"
	"github.com/codecompass-ai/compassd/internal/constants"
	"github.com/codecompass-ai/compassd/internal/manifest"
	"github.com/codecompass-ai/compassd/internal/pipeline"
)

// ErrArtifactMissing is returned when the build command succeeds but its declared
// artifact does not exist afterwards.
var ErrArtifactMissing = errors.New("build artifact missing after build step")

// Grammars runs the opaque build command that compiles the native grammar bundle.
// The command itself is a black box: the stage's contract is running it in the
// workspace and verifying the declared artifact exists afterwards.
type Grammars struct {
	workspace string
	command   []string
	script    string
	artifact  string
	inputs    []string

	log *slog.Logger
}

type grammarsOptions struct {
	command  []string
	script   string
	artifact string
	inputs   []string
}

// GrammarsOptions represents an optional function to override Grammars stage defaults.
type GrammarsOptions func(*grammarsOptions)

// WithBuildCommand overrides the grammar build command.
func WithBuildCommand(command []string) GrammarsOptions {
	return func(o *grammarsOptions) {
		if len(command) > 0 {
			o.command = command
		}
	}
}

// WithBuildScript overrides the workspace-relative build script the fingerprint covers.
func WithBuildScript(path string) GrammarsOptions {
	return func(o *grammarsOptions) {
		if path != "" {
			o.script = path
		}
	}
}

// WithArtifact overrides the workspace-relative path of the produced artifact.
func WithArtifact(path string) GrammarsOptions {
	return func(o *grammarsOptions) {
		if path != "" {
			o.artifact = path
		}
	}
}

// WithExtraInputs adds workspace-relative files to the stage fingerprint.
func WithExtraInputs(paths ...string) GrammarsOptions {
	return func(o *grammarsOptions) {
		o.inputs = append(o.inputs, paths...)
	}
}

// NewGrammars returns the grammar build stage for the given workspace.
func NewGrammars(l *slog.Logger, workspace string, args ...GrammarsOptions) Grammars {
	opts := grammarsOptions{
		command:  constants.DefaultBuildCommand,
		script:   constants.DefaultBuildScriptName,
		artifact: constants.DefaultArtifactPath,
	}
	for _, opt := range args {
		opt(&opts)
	}

	return Grammars{
		workspace: workspace,
		command:   opts.command,
		script:    opts.script,
		artifact:  opts.artifact,
		inputs:    opts.inputs,
		log:       l,
	}
}

// Name implements pipeline.Stage.
func (s Grammars) Name() string { return "grammars" }

// ArtifactPath returns the absolute path of the declared build artifact.
func (s Grammars) ArtifactPath() string {
	return filepath.Join(s.workspace, s.artifact)
}

// Fingerprint digests the build script and any configured extra inputs.
// Rebuild decisions key on inputs only, never on the produced artifact.
func (s Grammars) Fingerprint() (string, error) {
	paths := []string{filepath.Join(s.workspace, s.script)}
	for _, in := range s.inputs {
		paths = append(paths, filepath.Join(s.workspace, in))
	}
	return manifest.Fingerprint(paths...)
}

// Run implements pipeline.Stage.
func (s Grammars) Run(ctx context.Context) (pipeline.Report, error) {
	s.log.Debug("Building grammar bundle", "command", s.command)
	stdout, stderr, err := cmdutils.RunInDir(ctx, s.workspace, nil, s.command[0], s.command[1:]...)
	if err != nil {
		return pipeline.Report{}, commandFailed("grammar build", err, stdout.String(), stderr.String())
	}

	artifact := s.ArtifactPath()
	if _, err := os.Stat(artifact); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return pipeline.Report{}, fmt.Errorf("%w: %s", ErrArtifactMissing, artifact)
		}
		return pipeline.Report{}, fmt.Errorf("could not stat build artifact %s: %v", artifact, err)
	}

	digest, err := manifest.FileDigest(artifact)
	if err != nil {
		return pipeline.Report{}, err
	}

	s.log.Debug("Grammar bundle built", "artifact", artifact, "digest", digest)
	return pipeline.Report{ArtifactDigest: digest}, nil
}
