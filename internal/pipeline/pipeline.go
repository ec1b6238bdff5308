// Package pipeline implements the fail-fast build pipeline.
// Stages run strictly in order, the first failure aborts the remainder, and
// per-stage input fingerprints recorded in the workspace state make re-runs
// against unchanged inputs cheap.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/codecompass-ai/compassd/internal/constants"
	"github.com/codecompass-ai/compassd/internal/state"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/ubuntu/decorate"
)

var (
	// ErrBusy is returned when another process holds the workspace build lock.
	ErrBusy = errors.New("another build holds the workspace lock")
)

// Report carries stage-specific results back to the runner.
type Report struct {
	// ArtifactDigest is the digest of the artifact the stage produced, if any.
	ArtifactDigest string
	// PrunedDirs is the number of directories the stage removed.
	PrunedDirs int
	// BytesReclaimed is the cumulative size of removed files.
	BytesReclaimed int64
}

// Stage is one step of the build pipeline.
type Stage interface {
	Name() string

	// Fingerprint digests the stage's declared inputs. An empty fingerprint
	// marks the stage as not skippable.
	Fingerprint() (string, error)

	// Run executes the stage.
	Run(ctx context.Context) (Report, error)
}

// Runner executes stages against a workspace.
type Runner struct {
	workspace string
	stages    []Stage
	store     state.Store

	force    bool
	revision string
	lockWait time.Duration

	log *slog.Logger
}

type options struct {
	force    bool
	revision string
	lockWait time.Duration
}

// Options represents an optional function to override Runner default values.
type Options func(*options)

// WithForce makes every stage run regardless of recorded fingerprints.
func WithForce(force bool) Options {
	return func(o *options) {
		o.force = force
	}
}

// WithRevision attaches a source revision to the run record.
func WithRevision(rev string) Options {
	return func(o *options) {
		o.revision = rev
	}
}

// WithLockWait overrides how long Run waits for the workspace lock.
func WithLockWait(d time.Duration) Options {
	return func(o *options) {
		if d > 0 {
			o.lockWait = d
		}
	}
}

// New returns a new Runner over the given stages.
func New(l *slog.Logger, workspace string, store state.Store, stages []Stage, args ...Options) *Runner {
	opts := options{
		lockWait: 10 * time.Second,
	}
	for _, opt := range args {
		opt(&opts)
	}

	return &Runner{
		workspace: workspace,
		stages:    stages,
		store:     store,
		force:     opts.force,
		revision:  opts.revision,
		lockWait:  opts.lockWait,
		log:       l,
	}
}

// Run executes the pipeline under the workspace build lock and records the outcome.
// The returned build state is valid even when err is non-nil: it carries the
// failed stage's record. Unchanged stages are skipped unless the Runner was
// created with WithForce.
func (r *Runner) Run(ctx context.Context) (bs state.BuildState, err error) {
	defer decorate.OnError(&err, "build pipeline failed")

	unlock, err := r.acquireLock(ctx)
	if err != nil {
		return state.BuildState{}, err
	}
	defer unlock()

	prev, err := r.store.Load()
	if err != nil && !errors.Is(err, state.ErrNoState) {
		return state.BuildState{}, err
	}

	bs = state.BuildState{
		RunID:          uuid.NewString(),
		Revision:       r.revision,
		StartedAt:      time.Now(),
		ArtifactDigest: prev.ArtifactDigest,
		Fingerprints:   make(map[string]string, len(prev.Fingerprints)),
	}
	for name, fp := range prev.Fingerprints {
		bs.Fingerprints[name] = fp
	}

	r.log.Info("Starting build pipeline", "run", bs.RunID, "workspace", r.workspace, "stages", len(r.stages), "force", r.force)

	for _, stage := range r.stages {
		rec, report, stageErr := r.runStage(ctx, stage, bs.Fingerprints)
		bs.Stages = append(bs.Stages, rec)

		if stageErr != nil {
			bs.Status = state.StatusFailed
			bs.FinishedAt = time.Now()
			if saveErr := r.store.Save(bs); saveErr != nil {
				r.log.Warn("Could not record failed build state", "error", saveErr)
			}
			return bs, fmt.Errorf("stage %s: %w", stage.Name(), stageErr)
		}

		if report.ArtifactDigest != "" {
			bs.ArtifactDigest = report.ArtifactDigest
		}
	}

	bs.Status = state.StatusSucceeded
	bs.FinishedAt = time.Now()
	if err := r.store.Save(bs); err != nil {
		return bs, err
	}

	r.log.Info("Build pipeline succeeded", "run", bs.RunID, "duration", bs.FinishedAt.Sub(bs.StartedAt).Round(time.Millisecond))
	return bs, nil
}

// runStage decides whether the stage can be skipped, runs it if not, and updates
// fingerprints on success.
func (r *Runner) runStage(ctx context.Context, stage Stage, fingerprints map[string]string) (state.StageRecord, Report, error) {
	name := stage.Name()
	start := time.Now()

	fail := func(err error) (state.StageRecord, Report, error) {
		r.log.Error("Stage failed", "stage", name, "error", err)
		return state.StageRecord{
			Name:     name,
			Outcome:  state.OutcomeFailed,
			Duration: time.Since(start),
			Error:    err.Error(),
		}, Report{}, err
	}

	fp, err := stage.Fingerprint()
	if err != nil {
		return fail(err)
	}

	if !r.force && fp != "" && fingerprints[name] == fp {
		r.log.Info("Stage inputs unchanged, skipping", "stage", name)
		return state.StageRecord{
			Name:     name,
			Outcome:  state.OutcomeSkipped,
			Duration: time.Since(start),
		}, Report{}, nil
	}

	r.log.Info("Running stage", "stage", name)
	report, err := stage.Run(ctx)
	if err != nil {
		return fail(err)
	}

	if fp != "" {
		fingerprints[name] = fp
	}

	r.log.Info("Stage succeeded", "stage", name, "duration", time.Since(start).Round(time.Millisecond))
	return state.StageRecord{
		Name:     name,
		Outcome:  state.OutcomeRan,
		Duration: time.Since(start),
	}, report, nil
}

// acquireLock takes the workspace build lock, waiting up to lockWait.
func (r *Runner) acquireLock(ctx context.Context) (unlock func(), err error) {
	lockPath := constants.LockPath(r.workspace)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0750); err != nil {
		return nil, fmt.Errorf("could not create lock directory: %v", err)
	}

	lock := flock.New(lockPath)
	lockCtx, cancel := context.WithTimeout(ctx, r.lockWait)
	defer cancel()

	locked, err := lock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return nil, fmt.Errorf("could not acquire workspace lock: %v", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrBusy, lockPath)
	}

	r.log.Debug("Acquired workspace lock", "lock", lockPath)
	return func() {
		if err := lock.Unlock(); err != nil {
			r.log.Warn("Could not release workspace lock", "lock", lockPath, "error", err)
		}
	}, nil
}
