// Package watcher reports changes to the build input files of a workspace.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/codecompass-ai/compassd/internal/constants"
	"github.com/fsnotify/fsnotify"
)

// Watcher watches the build inputs of a workspace and signals changes.
type Watcher struct {
	workspace string
	files     map[string]struct{}

	log *slog.Logger
}

type options struct {
	files []string
}

// Options represents an optional function to override Watcher defaults.
type Options func(*options)

// WithFiles overrides the watched files, relative to the workspace.
func WithFiles(files ...string) Options {
	return func(o *options) {
		if len(files) > 0 {
			o.files = files
		}
	}
}

// New creates a watcher for the build inputs of workspace. By default the
// dependency manifest, the lock file and the build script are watched.
func New(l *slog.Logger, workspace string, args ...Options) *Watcher {
	opts := options{
		files: []string{
			constants.DefaultManifestName,
			constants.DefaultLockName,
			constants.DefaultBuildScriptName,
		},
	}
	for _, opt := range args {
		opt(&opts)
	}

	files := make(map[string]struct{}, len(opts.files))
	for _, f := range opts.files {
		files[filepath.Clean(filepath.Join(workspace, f))] = struct{}{}
	}

	return &Watcher{
		workspace: workspace,
		files:     files,
		log:       l,
	}
}

// Watch starts watching the build inputs for changes.
//
// It returns two channels: one signaling that a watched file changed, and one
// for unrecoverable watcher errors. Both are closed when ctx is canceled.
func (w *Watcher) Watch(ctx context.Context) (changes <-chan struct{}, errors <-chan error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create file watcher: %v", err)
	}

	// Watch the containing directories, not the files themselves: package
	// managers and editors replace these files instead of writing in place.
	dirs := make(map[string]struct{})
	for f := range w.files {
		dirs[filepath.Dir(f)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, nil, fmt.Errorf("failed to add directory %s to watcher: %v", dir, err)
		}
	}

	w.log.Info("Watching build inputs", "workspace", w.workspace, "files", len(w.files))
	changesCh := make(chan struct{}, 1)
	errorsCh := make(chan error, 1)

	go func() {
		defer close(changesCh)
		defer close(errorsCh)
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				w.log.Info("Build input watcher stopped")
				return
			case event, ok := <-watcher.Events:
				if !ok {
					errorsCh <- fmt.Errorf("watcher events channel closed unexpectedly")
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if _, ok := w.files[filepath.Clean(event.Name)]; !ok {
					continue
				}

				w.log.Debug("Build input changed", "file", event.Name, "op", event.Op.String())
				select {
				case changesCh <- struct{}{}:
				default:
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					errorsCh <- fmt.Errorf("watcher errors channel closed unexpectedly")
					return
				}
				w.log.Warn("Watcher error", "error", err)
			}
		}
	}()

	return changesCh, errorsCh, nil
}
