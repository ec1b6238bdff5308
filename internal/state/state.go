// Package state persists the outcome of pipeline runs inside the workspace.
// The state file is what makes rebuilds idempotent: it carries the input
// fingerprints of the stages that last succeeded.
package state

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/codecompass-ai/compassd/internal/constants"
	"github.com/codecompass-ai/compassd/internal/fileutils"
	"github.com/ubuntu/decorate"
)

// ErrNoState is returned when the workspace has no recorded build state.
var ErrNoState = errors.New("no build state recorded")

// Outcome is the result of a single pipeline stage.
type Outcome string

// Stage outcomes.
const (
	OutcomeRan     Outcome = "ran"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// Status is the result of a whole pipeline run.
type Status string

// Run statuses.
const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// StageRecord is the recorded outcome of one stage in a run.
type StageRecord struct {
	Name     string        `json:"name"`
	Outcome  Outcome       `json:"outcome"`
	Duration time.Duration `json:"duration_ns"`
	Error    string        `json:"error,omitempty"`
}

// BuildState is the recorded outcome of the last pipeline run against a workspace.
type BuildState struct {
	RunID          string            `json:"run_id"`
	Revision       string            `json:"revision,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
	Status         Status            `json:"status"`
	Stages         []StageRecord     `json:"stages"`
	ArtifactDigest string            `json:"artifact_digest,omitempty"`
	Fingerprints   map[string]string `json:"fingerprints,omitempty"`
}

// Stage returns the record for the named stage of this run, if any.
func (s BuildState) Stage(name string) (StageRecord, bool) {
	for _, st := range s.Stages {
		if st.Name == name {
			return st, true
		}
	}
	return StageRecord{}, false
}

// Store reads and writes the build state of a workspace.
type Store struct {
	path string

	log *slog.Logger
}

// New returns a new Store for the given workspace.
func New(l *slog.Logger, workspace string) Store {
	return Store{
		path: constants.StatePath(workspace),
		log:  l,
	}
}

// Path returns the path of the backing state file.
func (s Store) Path() string {
	return s.path
}

// Load reads the recorded build state.
// If no state has been recorded yet, ErrNoState is returned.
func (s Store) Load() (bs BuildState, err error) {
	defer decorate.OnError(&err, "could not load build state")

	f, err := os.Open(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return BuildState{}, errors.Join(ErrNoState, err)
		}
		return BuildState{}, err
	}
	defer f.Close()

	if err := fileutils.ParseJSON(f, &bs); err != nil {
		return BuildState{}, err
	}

	s.log.Debug("Loaded build state", "file", s.path, "run", bs.RunID, "status", bs.Status)
	return bs, nil
}

// Save writes the build state atomically, creating the state directory if needed.
func (s Store) Save(bs BuildState) (err error) {
	defer decorate.OnError(&err, "could not save build state")

	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return err
	}

	data, err := json.MarshalIndent(bs, "", "  ")
	if err != nil {
		return err
	}

	if err := fileutils.AtomicWrite(s.path, append(data, '\n')); err != nil {
		return err
	}

	s.log.Debug("Saved build state", "file", s.path, "run", bs.RunID, "status", bs.Status)
	return nil
}
