// Package doctor inspects an engine workspace and the host it runs on.
// It reports what a build would find before one runs: OS identity, external
// tool versions, the state of the build inputs and the leftovers of previous
// builds. Individual probes degrade to warnings, only a missing workspace is
// fatal.
package doctor

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/codecompass-ai/compassd/internal/cmdutils"
	"github.com/codecompass-ai/compassd/internal/constants"
	"github.com/codecompass-ai/compassd/internal/fileutils"
	"github.com/codecompass-ai/compassd/internal/manifest"
	"github.com/dustin/go-humanize"
	"gopkg.in/ini.v1"
)

type dManifest interface {
	ManifestPath() string
	LockPath() string
	Load() (manifest.Project, error)
	LockStale() (bool, error)
}

type dPruner interface {
	Leftovers() ([]string, error)
}

// Checker produces diagnostic reports for one workspace.
type Checker struct {
	workspace  string
	root       string
	artifact   string
	venvDir    string
	maxEntries int
	tools      [][]string

	manifest dManifest
	pruner   dPruner

	log *slog.Logger
}

type options struct {
	root       string
	artifact   string
	venvDir    string
	maxEntries int
	tools      [][]string
}

// Options represents an optional function to override Checker default values.
type Options func(*options)

// WithRoot overrides the filesystem root used for host lookups.
func WithRoot(root string) Options {
	return func(o *options) {
		if root != "" {
			o.root = root
		}
	}
}

// WithArtifactPath overrides the workspace-relative path of the build artifact.
func WithArtifactPath(path string) Options {
	return func(o *options) {
		if path != "" {
			o.artifact = path
		}
	}
}

// WithMaxEntries overrides how many of the largest workspace entries are reported.
func WithMaxEntries(n int) Options {
	return func(o *options) {
		if n > 0 {
			o.maxEntries = n
		}
	}
}

// WithTools overrides the version commands run against the host.
func WithTools(tools ...[]string) Options {
	return func(o *options) {
		if len(tools) > 0 {
			o.tools = tools
		}
	}
}

// New returns a new Checker for the given workspace.
func New(l *slog.Logger, workspace string, m dManifest, p dPruner, args ...Options) Checker {
	opts := options{
		root:       "/",
		artifact:   constants.DefaultArtifactPath,
		venvDir:    ".venv",
		maxEntries: 30,
		tools: [][]string{
			{"python", "--version"},
			{"poetry", "--version"},
		},
	}
	for _, opt := range args {
		opt(&opts)
	}

	return Checker{
		workspace:  workspace,
		root:       opts.root,
		artifact:   opts.artifact,
		venvDir:    opts.venvDir,
		maxEntries: opts.maxEntries,
		tools:      opts.tools,

		manifest: m,
		pruner:   p,

		log: l,
	}
}

// Report is the result of a diagnostic run.
type Report struct {
	Workspace string   `json:"workspace"`
	OS        OSInfo   `json:"os"`
	Tools     []Tool   `json:"tools"`
	Inputs    Inputs   `json:"inputs"`
	Tree      Tree     `json:"tree"`
	Leftovers []string `json:"leftovers,omitempty"`
}

// OSInfo identifies the host operating system.
type OSInfo struct {
	System  string `json:"system"`
	Name    string `json:"name,omitempty"`
	ID      string `json:"id,omitempty"`
	Version string `json:"version,omitempty"`
}

// Tool is the reported version of one external command.
type Tool struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Inputs reports on the files the build pipeline consumes and produces.
type Inputs struct {
	Project      string    `json:"project,omitempty"`
	Dependencies int       `json:"dependencies,omitempty"`
	Manifest     FileCheck `json:"manifest"`
	Lock         FileCheck `json:"lock"`
	LockStale    bool      `json:"lock_stale,omitempty"`
	Venv         FileCheck `json:"venv"`
	Artifact     FileCheck `json:"artifact"`
}

// FileCheck reports presence and size of one filesystem entry.
type FileCheck struct {
	Path      string `json:"path"`
	Present   bool   `json:"present"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
	Size      string `json:"size,omitempty"`
}

// Tree summarizes the workspace contents.
type Tree struct {
	SizeBytes int64   `json:"size_bytes"`
	Size      string  `json:"size"`
	Largest   []Entry `json:"largest,omitempty"`
}

// Entry is one workspace entry with its cumulative size.
type Entry struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
	Size      string `json:"size"`
}

// Collect runs every diagnostic probe and assembles the report.
func (c Checker) Collect(ctx context.Context) (Report, error) {
	if _, err := os.Stat(c.workspace); err != nil {
		return Report{}, fmt.Errorf("could not inspect workspace: %v", err)
	}

	r := Report{
		Workspace: c.workspace,
		OS:        c.collectOS(),
		Tools:     c.collectTools(ctx),
		Inputs:    c.collectInputs(),
	}

	tree, err := c.collectTree()
	if err != nil {
		c.log.Warn("Could not size the workspace tree", "error", err)
	}
	r.Tree = tree

	leftovers, err := c.pruner.Leftovers()
	if err != nil {
		c.log.Warn("Could not list leftover build directories", "error", err)
	}
	r.Leftovers = leftovers

	return r, nil
}

func (c Checker) collectOS() OSInfo {
	info := OSInfo{System: runtime.GOOS}

	path := filepath.Join(c.root, "etc/os-release")
	if _, err := os.Stat(path); err != nil {
		path = filepath.Join(c.root, "usr/lib/os-release")
	}

	cfg, err := ini.Load(path)
	if err != nil {
		c.log.Debug("Could not read os-release, reporting the bare platform", "error", err)
		return info
	}

	section := cfg.Section("")
	info.Name = section.Key("PRETTY_NAME").String()
	info.ID = section.Key("ID").String()
	info.Version = section.Key("VERSION_ID").String()
	return info
}

func (c Checker) collectTools(ctx context.Context) []Tool {
	tools := make([]Tool, 0, len(c.tools))
	for _, cmd := range c.tools {
		if len(cmd) == 0 {
			continue
		}

		tool := Tool{Name: cmd[0]}
		stdout, stderr, err := cmdutils.RunWithTimeout(ctx, 15*time.Second, cmd[0], cmd[1:]...)
		if err != nil {
			c.log.Warn("Version probe failed", "tool", tool.Name, "error", err)
			tool.Error = err.Error()
			tools = append(tools, tool)
			continue
		}

		tool.Version = firstLine(stdout.String())
		if tool.Version == "" {
			// Some interpreters print their version to stderr.
			tool.Version = firstLine(stderr.String())
		}
		tools = append(tools, tool)
	}
	return tools
}

func (c Checker) collectInputs() Inputs {
	in := Inputs{
		Manifest: c.checkFile(c.manifest.ManifestPath()),
		Lock:     c.checkFile(c.manifest.LockPath()),
		Venv:     c.checkFile(filepath.Join(c.workspace, c.venvDir)),
		Artifact: c.checkFile(filepath.Join(c.workspace, c.artifact)),
	}

	if p, err := c.manifest.Load(); err == nil {
		in.Project = p.Name
		in.Dependencies = len(p.Dependencies)
	}

	if in.Manifest.Present && in.Lock.Present {
		stale, err := c.manifest.LockStale()
		if err != nil {
			c.log.Warn("Could not compare manifest and lock file", "error", err)
		}
		in.LockStale = stale
	}

	return in
}

func (c Checker) checkFile(path string) FileCheck {
	check := FileCheck{Path: path}

	info, err := os.Stat(path)
	if err != nil {
		return check
	}
	check.Present = true

	size := info.Size()
	if info.IsDir() {
		if size, err = fileutils.DirTreeSize(path); err != nil {
			c.log.Warn("Could not size directory", "path", path, "error", err)
			return check
		}
	}
	check.SizeBytes = size
	check.Size = humanize.IBytes(uint64(size))
	return check
}

func (c Checker) collectTree() (Tree, error) {
	sizes := make(map[string]int64)
	err := filepath.WalkDir(c.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(c.workspace, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			if _, ok := sizes[rel]; !ok {
				sizes[rel] = 0
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		sizes[rel] += info.Size()
		for dir := filepath.Dir(rel); ; dir = filepath.Dir(dir) {
			sizes[dir] += info.Size()
			if dir == "." {
				break
			}
		}
		return nil
	})
	if err != nil {
		return Tree{}, err
	}

	entries := make([]Entry, 0, len(sizes))
	for rel, size := range sizes {
		if rel == "." {
			continue
		}
		entries = append(entries, Entry{Path: rel, SizeBytes: size, Size: humanize.IBytes(uint64(size))})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].SizeBytes != entries[j].SizeBytes {
			return entries[i].SizeBytes > entries[j].SizeBytes
		}
		return entries[i].Path < entries[j].Path
	})
	if len(entries) > c.maxEntries {
		entries = entries[:c.maxEntries]
	}

	total := sizes["."]
	return Tree{
		SizeBytes: total,
		Size:      humanize.IBytes(uint64(total)),
		Largest:   entries,
	}, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(line)
}
