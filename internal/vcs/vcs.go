// Package vcs stamps pipeline runs with the revision of the workspace they
// built.
package vcs

import (
	"errors"
	"log/slog"

	"github.com/go-git/go-git/v5"
)

// Revision identifies the workspace commit a build ran against.
type Revision struct {
	SHA    string
	Branch string
}

// Short returns the abbreviated commit SHA.
func (r Revision) Short() string {
	if len(r.SHA) < 8 {
		return r.SHA
	}
	return r.SHA[:8]
}

// Describe resolves the revision of the repository containing workspace.
// A workspace outside any git repository yields a zero Revision, not an error:
// the revision is a stamp on build records, never a build input.
func Describe(l *slog.Logger, workspace string) Revision {
	repo, err := git.PlainOpenWithOptions(workspace, &git.PlainOpenOptions{
		DetectDotGit:          true,
		EnableDotGitCommonDir: true,
	})
	if err != nil {
		if !errors.Is(err, git.ErrRepositoryNotExists) {
			l.Warn("Failed to open git repository", "error", err)
		}
		return Revision{}
	}

	head, err := repo.Head()
	if err != nil {
		// A fresh repository has no commits yet.
		l.Debug("Could not resolve repository HEAD", "error", err)
		return Revision{}
	}

	rev := Revision{SHA: head.Hash().String()}
	if head.Name().IsBranch() {
		rev.Branch = head.Name().Short()
	}
	return rev
}
