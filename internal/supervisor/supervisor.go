// Package supervisor composes the serve path of compassd: the engine process,
// its liveness probing, the control server and the optional rebuild watcher.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/codecompass-ai/compassd/internal/state"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultProbeInterval = 15 * time.Second
	defaultDebounce      = 5 * time.Second
)

// RebuildFunc runs the build pipeline and returns the resulting state.
type RebuildFunc func(ctx context.Context) (state.BuildState, error)

// Service supervises the serving engine and its control plane.
type Service struct {
	eng     dEngine
	prober  dProber
	control dControl
	watcher dWatcher
	rebuild RebuildFunc

	probeInterval time.Duration
	debounce      time.Duration

	metrics *svcMetrics

	// This context is used to interrupt any action.
	// It must be the parent of gracefulCtx.
	ctx    context.Context
	cancel context.CancelFunc

	// This context lets in-flight work finish before stopping.
	gracefulCtx    context.Context
	gracefulCancel context.CancelFunc

	log *slog.Logger
}

type dEngine interface {
	Serve(ctx context.Context) error
	Restart() error
	Kill() error
	Running() bool
	Restarts() uint64
}

type dProber interface {
	WaitReady(ctx context.Context) error
	Check(ctx context.Context) error
}

type dControl interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
	Close() error
	RecordProbe(error)
}

type dWatcher interface {
	Watch(ctx context.Context) (<-chan struct{}, <-chan error, error)
}

type options struct {
	watcher       dWatcher
	rebuild       RebuildFunc
	probeInterval time.Duration
	debounce      time.Duration
}

// Options represents an optional function to override Service defaults.
type Options func(*options)

// WithRebuildWatcher wires a build input watcher and the rebuild to run when
// the inputs change.
func WithRebuildWatcher(w dWatcher, rebuild RebuildFunc) Options {
	return func(o *options) {
		o.watcher = w
		o.rebuild = rebuild
	}
}

// WithProbeInterval overrides how often the engine liveness probe runs.
func WithProbeInterval(d time.Duration) Options {
	return func(o *options) {
		if d > 0 {
			o.probeInterval = d
		}
	}
}

// WithRebuildDebounce overrides how long bursts of input changes are coalesced
// before a rebuild.
func WithRebuildDebounce(d time.Duration) Options {
	return func(o *options) {
		if d > 0 {
			o.debounce = d
		}
	}
}

// New creates a Service with the given engine, prober and control server, and
// registers the supervision metrics on reg.
func New(ctx context.Context, l *slog.Logger, eng dEngine, prober dProber, control dControl, reg prometheus.Registerer, args ...Options) (*Service, error) {
	opts := options{
		probeInterval: defaultProbeInterval,
		debounce:      defaultDebounce,
	}
	for _, opt := range args {
		opt(&opts)
	}
	if opts.watcher != nil && opts.rebuild == nil {
		return nil, errors.New("a rebuild watcher requires a rebuild function")
	}

	m, err := registerMetrics(reg, eng)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	gCtx, gCancel := context.WithCancel(ctx)

	return &Service{
		eng:     eng,
		prober:  prober,
		control: control,
		watcher: opts.watcher,
		rebuild: opts.rebuild,

		probeInterval: opts.probeInterval,
		debounce:      opts.debounce,

		metrics: m,

		ctx:    ctx,
		cancel: cancel,

		gracefulCtx:    gCtx,
		gracefulCancel: gCancel,

		log: l,
	}, nil
}

// Run starts the engine, gates on its readiness and serves until an
// unrecoverable error or a quit request.
func (s *Service) Run() error {
	s.log.Info("Starting engine supervision")

	// already asked to quit?
	select {
	case <-s.gracefulCtx.Done():
		return errors.New("supervisor is already shutting down")
	default:
	}

	engineErr := make(chan error, 1)
	go func() {
		engineErr <- s.eng.Serve(s.gracefulCtx)
		close(engineErr)
	}()

	controlErr := make(chan error, 1)
	go func() {
		if err := s.control.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			controlErr <- err
		}
		close(controlErr)
	}()

	// Readiness gate: the serve path is not up until the engine answers.
	readyErr := make(chan error, 1)
	go func() {
		readyErr <- s.prober.WaitReady(s.gracefulCtx)
	}()
	select {
	case err := <-readyErr:
		if err != nil {
			if s.gracefulCtx.Err() != nil {
				return s.teardown(nil, engineErr)
			}
			return s.teardown(err, engineErr)
		}
	case err := <-engineErr:
		// The engine exited before ever answering a probe.
		if err == nil {
			return s.teardown(nil, nil)
		}
		return s.teardown(err, nil)
	}
	s.control.RecordProbe(nil)

	var watchCh <-chan struct{}
	var watchErrCh <-chan error
	if s.watcher != nil {
		var err error
		watchCh, watchErrCh, err = s.watcher.Watch(s.gracefulCtx)
		if err != nil {
			return s.teardown(fmt.Errorf("failed to start watching build inputs: %v", err), engineErr)
		}
	}

	probeTicker := time.NewTicker(s.probeInterval)
	defer probeTicker.Stop()

	// Debounce timer for bursts of input changes. It only starts counting
	// once a change arrives.
	debounce := time.NewTimer(s.debounce)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-s.gracefulCtx.Done():
			return s.teardown(nil, engineErr)

		case err := <-engineErr:
			if err == nil {
				// The engine only winds down on a requested shutdown.
				return s.teardown(nil, nil)
			}
			return s.teardown(err, nil)

		case err, ok := <-controlErr:
			if s.gracefulCtx.Err() != nil {
				return s.teardown(nil, engineErr)
			}
			if !ok {
				return s.teardown(errors.New("control server stopped unexpectedly"), engineErr)
			}
			return s.teardown(fmt.Errorf("control server failed: %w", err), engineErr)

		case <-probeTicker.C:
			if s.gracefulCtx.Err() != nil {
				continue
			}
			err := s.prober.Check(s.gracefulCtx)
			s.control.RecordProbe(err)
			if err != nil {
				s.metrics.probeFailures.Inc()
				s.log.Warn("Engine liveness probe failed", "error", err)
			}

		case _, ok := <-watchCh:
			if !ok {
				if s.gracefulCtx.Err() != nil {
					return s.teardown(nil, engineErr)
				}
				return s.teardown(errors.New("build input watch channel closed unexpectedly"), engineErr)
			}
			if s.gracefulCtx.Err() != nil {
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(s.debounce)

		case <-debounce.C:
			s.rebuildAndRestart()

		case err, ok := <-watchErrCh:
			if !ok {
				if s.gracefulCtx.Err() != nil {
					return s.teardown(nil, engineErr)
				}
				return s.teardown(errors.New("build input watch error channel closed unexpectedly"), engineErr)
			}
			if err != nil {
				s.log.Error("Build input watcher error", "error", err)
			}
		}
	}
}

// Quit stops the serve path. A graceful quit lets the engine stop with its
// SIGTERM grace, a forced one kills everything immediately.
func (s *Service) Quit(force bool) {
	if force {
		s.cancel()
		_ = s.control.Close()
		_ = s.eng.Kill()
	} else {
		s.gracefulCancel()
	}
	s.log.Info("Supervisor quit requested", "force", force)
}

// ObserveBuild records the stage durations and outcomes of a pipeline run.
func (s *Service) ObserveBuild(bs state.BuildState) {
	for _, st := range bs.Stages {
		s.metrics.stageOutcomes.WithLabelValues(st.Name, string(st.Outcome)).Inc()
		if st.Outcome == state.OutcomeRan {
			s.metrics.stageDuration.WithLabelValues(st.Name).Observe(st.Duration.Seconds())
		}
	}
}

// teardown winds down the engine first, then the control server. The cause is
// joined with any error the engine reported while stopping.
func (s *Service) teardown(cause error, engineErr <-chan error) error {
	defer s.cancel()
	s.gracefulCancel()

	if engineErr != nil {
		if err := <-engineErr; err != nil {
			s.log.Warn("Engine supervision error during shutdown", "error", err)
			cause = errors.Join(cause, err)
		}
	}

	// The parent context unblocks Shutdown immediately on a force quit.
	if err := s.control.Shutdown(s.ctx); err != nil {
		s.log.Warn("Control server shutdown failed, closing it", "error", err)
		_ = s.control.Close()
	}

	if cause != nil {
		s.log.Error("Engine supervision ended", "error", cause)
	}
	return cause
}

// rebuildAndRestart reruns the pipeline after an input change and cycles the
// engine only when a fingerprinted stage actually executed.
func (s *Service) rebuildAndRestart() {
	s.log.Info("Build inputs changed, rebuilding")
	bs, err := s.rebuild(s.gracefulCtx)
	s.ObserveBuild(bs)
	if err != nil {
		s.log.Error("Rebuild failed, keeping the current engine", "error", err)
		return
	}

	if !rebuiltAnything(bs) {
		s.log.Info("Rebuild skipped every stage, keeping the current engine")
		return
	}

	s.log.Info("Workspace rebuilt, restarting engine")
	if err := s.eng.Restart(); err != nil {
		s.log.Warn("Could not restart engine after rebuild", "error", err)
	}
}

// rebuiltAnything reports whether a fingerprinted stage executed, meaning the
// installed dependencies or the grammar bundle changed on disk.
func rebuiltAnything(bs state.BuildState) bool {
	for _, st := range bs.Stages {
		if st.Outcome != state.OutcomeRan {
			continue
		}
		if _, ok := bs.Fingerprints[st.Name]; ok {
			return true
		}
	}
	return false
}
