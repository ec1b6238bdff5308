// Package prune is the implementation of the workspace cleanup rule.
// After a successful grammar build, every directory whose name matches a configured
// pattern is removed recursively to shrink the deployable artifact.
package prune

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/codecompass-ai/compassd/internal/constants"
	"github.com/codecompass-ai/compassd/internal/fileutils"
	"github.com/ubuntu/decorate"
)

// ErrLeftover is returned by Verify when a directory matching a prune pattern survives.
var ErrLeftover = errors.New("leftover build directory")

// Pruner removes directories matching its patterns from a workspace.
type Pruner struct {
	workspace string
	patterns  []string
	protected map[string]struct{}

	log *slog.Logger
}

type options struct {
	patterns  []string
	protected []string
}

// Options represents an optional function to override Pruner default values.
type Options func(*options)

// WithPatterns overrides the default prune patterns.
func WithPatterns(patterns ...string) Options {
	return func(o *options) {
		if len(patterns) > 0 {
			o.patterns = patterns
		}
	}
}

// WithProtected adds directory base names that are never entered or removed.
func WithProtected(names ...string) Options {
	return func(o *options) {
		o.protected = append(o.protected, names...)
	}
}

// New returns a new Pruner for the given workspace.
func New(l *slog.Logger, workspace string, args ...Options) Pruner {
	opts := options{
		patterns:  []string{constants.DefaultPrunePattern},
		protected: []string{constants.StateDirName, ".git"},
	}
	for _, opt := range args {
		opt(&opts)
	}

	protected := make(map[string]struct{}, len(opts.protected))
	for _, name := range opts.protected {
		protected[name] = struct{}{}
	}

	return Pruner{
		workspace: workspace,
		patterns:  opts.patterns,
		protected: protected,
		log:       l,
	}
}

// Result summarizes a prune run.
type Result struct {
	// Removed holds the workspace-relative paths of removed directories, in walk order.
	Removed []string
	// BytesReclaimed is the cumulative size of the regular files under the removed directories.
	BytesReclaimed int64
}

// Run walks the workspace and removes every directory matching the patterns.
// Symlinks are never followed, the workspace root itself and protected directories
// are never removed.
func (p Pruner) Run() (res Result, err error) {
	defer decorate.OnError(&err, "could not prune workspace %s", p.workspace)

	err = p.walkMatches(func(path, rel string) error {
		size, err := fileutils.DirTreeSize(path)
		if err != nil {
			p.log.Warn("Could not size directory before removal", "directory", rel, "error", err)
		}

		if err := os.RemoveAll(path); err != nil {
			return err
		}

		res.Removed = append(res.Removed, rel)
		res.BytesReclaimed += size
		p.log.Debug("Pruned directory", "directory", rel, "bytes", size)
		return nil
	})

	return res, err
}

// Verify re-walks the workspace and returns ErrLeftover naming the first directory that
// still matches a prune pattern. A nil error is the post-condition of a successful prune.
func (p Pruner) Verify() error {
	var leftover string
	err := p.walkMatches(func(_, rel string) error {
		leftover = rel
		return fs.SkipAll
	})
	if err != nil {
		return fmt.Errorf("could not verify workspace %s: %v", p.workspace, err)
	}
	if leftover != "" {
		return fmt.Errorf("%w: %s", ErrLeftover, leftover)
	}
	return nil
}

// Leftovers returns the workspace-relative paths of directories that still match
// a prune pattern, in walk order.
func (p Pruner) Leftovers() (paths []string, err error) {
	err = p.walkMatches(func(_, rel string) error {
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("could not inspect workspace %s: %v", p.workspace, err)
	}
	return paths, nil
}

// walkMatches calls fn for every matching directory, without descending into it.
func (p Pruner) walkMatches(fn func(path, rel string) error) error {
	return filepath.WalkDir(p.workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(p.workspace, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if _, ok := p.protected[d.Name()]; ok {
			return fs.SkipDir
		}

		matched, err := p.matches(rel, d.Name())
		if err != nil {
			return err
		}
		if !matched {
			return nil
		}

		if err := fn(path, rel); err != nil {
			return err
		}
		return fs.SkipDir
	})
}

// matches reports whether a directory matches any pattern. Patterns containing a path
// separator match the workspace-relative path, bare patterns match the base name.
func (p Pruner) matches(rel, base string) (bool, error) {
	for _, pattern := range p.patterns {
		target := base
		if filepath.Base(pattern) != pattern {
			target = filepath.ToSlash(rel)
		}

		ok, err := doublestar.Match(pattern, target)
		if err != nil {
			return false, fmt.Errorf("invalid prune pattern %q: %v", pattern, err)
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
