// Package recipe renders the container deployment files for an engine
// workspace: a Dockerfile replaying the build pipeline, a compose file and a
// .dockerignore. Output is deterministic for unchanged parameters.
package recipe

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/codecompass-ai/compassd/internal/constants"
	"github.com/codecompass-ai/compassd/internal/fileutils"
	"github.com/ubuntu/decorate"
	"gopkg.in/yaml.v3"
)

// Files holds the rendered deployment files, keyed by their canonical names.
type Files struct {
	Dockerfile   string
	Compose      string
	Dockerignore string
}

// Renderer renders deployment files for one workspace configuration.
type Renderer struct {
	baseImage string
	workdir   string
	manifest  string
	lock      string
	install   []string
	build     []string
	prune     string
	port      int
	serve     []string

	log *slog.Logger
}

type options struct {
	baseImage string
	workdir   string
	manifest  string
	lock      string
	install   []string
	build     []string
	prune     string
	port      int
	serve     []string
}

// Options represents an optional function to override Renderer default values.
type Options func(*options)

// WithBaseImage overrides the base container image.
func WithBaseImage(image string) Options {
	return func(o *options) {
		if image != "" {
			o.baseImage = image
		}
	}
}

// WithWorkdir overrides the working directory inside the container.
func WithWorkdir(dir string) Options {
	return func(o *options) {
		if dir != "" {
			o.workdir = dir
		}
	}
}

// WithInstallCommand overrides the dependency install command.
func WithInstallCommand(cmd []string) Options {
	return func(o *options) {
		if len(cmd) > 0 {
			o.install = cmd
		}
	}
}

// WithBuildCommand overrides the grammar build command.
func WithBuildCommand(cmd []string) Options {
	return func(o *options) {
		if len(cmd) > 0 {
			o.build = cmd
		}
	}
}

// WithServeCommand overrides the engine server command.
func WithServeCommand(cmd []string) Options {
	return func(o *options) {
		if len(cmd) > 0 {
			o.serve = cmd
		}
	}
}

// WithPort overrides the exposed engine port.
func WithPort(port int) Options {
	return func(o *options) {
		if port > 0 {
			o.port = port
		}
	}
}

// WithPrunePattern overrides the directory pattern removed after the build.
func WithPrunePattern(pattern string) Options {
	return func(o *options) {
		if pattern != "" {
			o.prune = pattern
		}
	}
}

// New returns a Renderer for the default engine deployment.
func New(l *slog.Logger, args ...Options) Renderer {
	opts := options{
		baseImage: "python:3.11-slim",
		workdir:   "/srv/engine",
		manifest:  constants.DefaultManifestName,
		lock:      constants.DefaultLockName,
		install:   constants.DefaultInstallCommand,
		build:     constants.DefaultBuildCommand,
		prune:     constants.DefaultPrunePattern,
		port:      constants.DefaultEnginePort,
		serve:     constants.DefaultServeCommand,
	}
	for _, opt := range args {
		opt(&opts)
	}

	return Renderer{
		baseImage: opts.baseImage,
		workdir:   opts.workdir,
		manifest:  opts.manifest,
		lock:      opts.lock,
		install:   opts.install,
		build:     opts.build,
		prune:     opts.prune,
		port:      opts.port,
		serve:     opts.serve,

		log: l,
	}
}

// Render produces the deployment files in memory.
func (r Renderer) Render() (Files, error) {
	compose, err := r.renderCompose()
	if err != nil {
		return Files{}, fmt.Errorf("could not render compose file: %v", err)
	}

	return Files{
		Dockerfile:   r.renderDockerfile(),
		Compose:      compose,
		Dockerignore: r.renderDockerignore(),
	}, nil
}

// Write renders the deployment files into dir. Existing files are only
// replaced when overwrite is set.
func (r Renderer) Write(dir string, overwrite bool) (err error) {
	defer decorate.OnError(&err, "could not write deployment files to %s", dir)

	files, err := r.Render()
	if err != nil {
		return err
	}

	for _, f := range []struct {
		name    string
		content string
	}{
		{"Dockerfile", files.Dockerfile},
		{"docker-compose.yml", files.Compose},
		{".dockerignore", files.Dockerignore},
	} {
		name, content := f.name, f.content
		path := filepath.Join(dir, name)
		if !overwrite {
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
		}
		if err := fileutils.AtomicWrite(path, []byte(content)); err != nil {
			return err
		}
		r.log.Info("Wrote deployment file", "path", path)
	}
	return nil
}

func (r Renderer) renderDockerfile() string {
	var b strings.Builder

	fmt.Fprintf(&b, "FROM %s\n\n", r.baseImage)
	fmt.Fprintf(&b, "ENV %s=1 \\\n    %s=true\n\n", constants.EnvNoInteraction, constants.EnvVenvInProject)
	fmt.Fprintf(&b, "WORKDIR %s\n\n", r.workdir)
	fmt.Fprintf(&b, "RUN pip install --no-cache-dir poetry\n\n")
	fmt.Fprintf(&b, "# Dependency inputs first, so installs cache as their own layer.\n")
	fmt.Fprintf(&b, "COPY %s %s ./\n", r.manifest, r.lock)
	fmt.Fprintf(&b, "RUN %s\n\n", shJoin(r.install))
	fmt.Fprintf(&b, "COPY . .\n")
	fmt.Fprintf(&b, "RUN %s && \\\n    find . -type d -name %s -prune -exec rm -rf {} +\n\n",
		shJoin(r.build), shQuote(r.prune))
	fmt.Fprintf(&b, "EXPOSE %d\n\n", r.port)
	fmt.Fprintf(&b, "CMD %s\n", execForm(r.serve))

	return b.String()
}

type composeService struct {
	Build       string             `yaml:"build"`
	Ports       []string           `yaml:"ports"`
	Environment []string           `yaml:"environment"`
	Healthcheck composeHealthcheck `yaml:"healthcheck"`
	Restart     string             `yaml:"restart"`
}

type composeHealthcheck struct {
	Test     []string `yaml:"test"`
	Interval string   `yaml:"interval"`
	Timeout  string   `yaml:"timeout"`
	Retries  int      `yaml:"retries"`
}

func (r Renderer) renderCompose() (string, error) {
	probe := fmt.Sprintf(
		"import urllib.request; urllib.request.urlopen('http://127.0.0.1:%d/')", r.port)

	out, err := yaml.Marshal(map[string]map[string]composeService{
		"services": {
			"engine": {
				Build: ".",
				Ports: []string{fmt.Sprintf("%d:%d", r.port, r.port)},
				Environment: []string{
					constants.EnvNoInteraction + "=1",
					constants.EnvVenvInProject + "=true",
				},
				Healthcheck: composeHealthcheck{
					Test:     []string{"CMD", "python", "-c", probe},
					Interval: "15s",
					Timeout:  "5s",
					Retries:  3,
				},
				Restart: "unless-stopped",
			},
		},
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (r Renderer) renderDockerignore() string {
	return strings.Join([]string{
		".git",
		constants.StateDirName,
		".venv",
		"build/",
		"__pycache__/",
		"*.pyc",
		"Dockerfile",
		"docker-compose.yml",
		"",
	}, "\n")
}

// execForm renders a command in Dockerfile exec form.
func execForm(cmd []string) string {
	out, err := json.Marshal(cmd)
	if err != nil {
		// A string slice always marshals.
		panic(err)
	}
	return string(out)
}

func shJoin(cmd []string) string {
	quoted := make([]string, 0, len(cmd))
	for _, arg := range cmd {
		quoted = append(quoted, shQuote(arg))
	}
	return strings.Join(quoted, " ")
}

func shQuote(arg string) string {
	if arg != "" && !strings.ContainsAny(arg, " \t\"'$&|;<>()`\\*?[]#~") {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}
