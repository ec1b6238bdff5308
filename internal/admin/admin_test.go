package admin_test

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/codecompass-ai/compassd/internal/admin"
	"github.com/codecompass-ai/compassd/internal/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	running  bool
	pid      int
	restarts uint64
	uptime   time.Duration
}

func (f *fakeEngine) Running() bool         { return f.running }
func (f *fakeEngine) PID() int              { return f.pid }
func (f *fakeEngine) Restarts() uint64      { return f.restarts }
func (f *fakeEngine) Uptime() time.Duration { return f.uptime }

func TestHealthz(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		running bool
		probeOK bool
		noProbe bool

		wantStatus int
	}{
		"Running engine with passing probe":  {running: true, probeOK: true, wantStatus: http.StatusOK},
		"Running engine without a probe yet": {running: true, noProbe: true, wantStatus: http.StatusServiceUnavailable},
		"Running engine with failing probe":  {running: true, wantStatus: http.StatusServiceUnavailable},
		"Stopped engine":                     {probeOK: true, wantStatus: http.StatusServiceUnavailable},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			eng := &fakeEngine{running: tc.running, pid: 100}
			store := state.New(slog.Default(), t.TempDir())
			s := startAdmin(t, admin.Config{}, eng, store, prometheus.NewRegistry())

			if !tc.noProbe {
				if tc.probeOK {
					s.RecordProbe(nil)
				} else {
					s.RecordProbe(errors.New("probe exploded"))
				}
			}

			resp, err := http.Get("http://" + s.Addr() + "/healthz")
			require.NoError(t, err, "healthz request should succeed")
			defer resp.Body.Close()
			assert.Equal(t, tc.wantStatus, resp.StatusCode, "unexpected healthz status")
		})
	}
}

func TestHealthzFollowsProbe(t *testing.T) {
	t.Parallel()

	store := state.New(slog.Default(), t.TempDir())
	s := startAdmin(t, admin.Config{}, &fakeEngine{running: true}, store, prometheus.NewRegistry())

	assert.Equal(t, http.StatusServiceUnavailable, getStatus(t, s, "/healthz"), "unprobed engine should not be healthy")

	s.RecordProbe(nil)
	assert.Equal(t, http.StatusOK, getStatus(t, s, "/healthz"), "engine should be healthy after a passing probe")

	s.RecordProbe(errors.New("connection refused"))
	assert.Equal(t, http.StatusServiceUnavailable, getStatus(t, s, "/healthz"), "engine should be unhealthy after a failing probe")
}

func TestStatus(t *testing.T) {
	t.Parallel()

	workspace := t.TempDir()
	store := state.New(slog.Default(), workspace)
	bs := state.BuildState{
		RunID:      "run-1234",
		Status:     state.StatusSucceeded,
		StartedAt:  time.Date(2025, 4, 2, 10, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2025, 4, 2, 10, 0, 42, 0, time.UTC),
		Stages: []state.StageRecord{
			{Name: "install", Outcome: state.OutcomeRan, Duration: 40 * time.Second},
			{Name: "prune", Outcome: state.OutcomeRan, Duration: time.Second},
		},
		ArtifactDigest: "deadbeef",
	}
	require.NoError(t, store.Save(bs), "Setup: could not save build state")

	eng := &fakeEngine{running: true, pid: 4242, restarts: 3, uptime: 90 * time.Second}
	s := startAdmin(t, admin.Config{}, eng, store, prometheus.NewRegistry())
	s.RecordProbe(nil)

	resp, err := http.Get("http://" + s.Addr() + "/status")
	require.NoError(t, err, "status request should succeed")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "status endpoint should answer 200")

	var got struct {
		Build  *state.BuildState `json:"build"`
		Engine struct {
			Running       bool    `json:"running"`
			PID           int     `json:"pid"`
			Restarts      uint64  `json:"restarts"`
			UptimeSeconds float64 `json:"uptime_seconds"`
		} `json:"engine"`
		Probe struct {
			OK bool `json:"ok"`
		} `json:"probe"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got), "status response should be JSON")

	require.NotNil(t, got.Build, "the last build should be part of the status")
	assert.Equal(t, "run-1234", got.Build.RunID, "the run ID should be reported")
	assert.Equal(t, state.StatusSucceeded, got.Build.Status, "the build status should be reported")
	assert.Len(t, got.Build.Stages, 2, "the stage records should be reported")
	assert.True(t, got.Engine.Running, "the engine state should be reported")
	assert.Equal(t, 4242, got.Engine.PID, "the engine PID should be reported")
	assert.Equal(t, uint64(3), got.Engine.Restarts, "the restart count should be reported")
	assert.InDelta(t, 90, got.Engine.UptimeSeconds, 0.5, "the engine uptime should be reported")
	assert.True(t, got.Probe.OK, "the probe result should be reported")
}

func TestStatusWithoutBuild(t *testing.T) {
	t.Parallel()

	store := state.New(slog.Default(), t.TempDir())
	s := startAdmin(t, admin.Config{}, &fakeEngine{}, store, prometheus.NewRegistry())

	resp, err := http.Get("http://" + s.Addr() + "/status")
	require.NoError(t, err, "status request should succeed")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "status endpoint should answer 200 even without a build")

	var got struct {
		Build *state.BuildState `json:"build"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got), "status response should be JSON")
	assert.Nil(t, got.Build, "a workspace that was never built should have no build entry")
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "compassd_test_events_total",
		Help: "Test counter.",
	})
	reg.MustRegister(c)
	c.Add(3)

	store := state.New(slog.Default(), t.TempDir())
	s := startAdmin(t, admin.Config{}, &fakeEngine{}, store, reg)

	resp, err := http.Get("http://" + s.Addr() + "/metrics")
	require.NoError(t, err, "metrics request should succeed")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "metrics endpoint should answer 200")

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "metrics body should be readable")
	assert.Contains(t, string(body), "compassd_test_events_total 3", "the registry content should be exposed")
}

func TestRateLimit(t *testing.T) {
	t.Parallel()

	store := state.New(slog.Default(), t.TempDir())
	cfg := admin.Config{RequestsPerSecond: 1, Burst: 2}
	s := startAdmin(t, cfg, &fakeEngine{running: true}, store, prometheus.NewRegistry())
	s.RecordProbe(nil)

	var statuses []int
	for range 3 {
		statuses = append(statuses, getStatus(t, s, "/healthz"))
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, statuses,
		"the third request in a burst of two should be rejected")
}

// startAdmin runs a control server on an ephemeral localhost port.
func startAdmin(t *testing.T, cfg admin.Config, eng *fakeEngine, store state.Store, reg *prometheus.Registry) *admin.Server {
	t.Helper()

	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	s := admin.New(slog.Default(), cfg, eng, store, reg)
	go func() { _ = s.ListenAndServe() }()
	t.Cleanup(func() { _ = s.Close() })

	start := time.Now()
	for s.Addr() == "" {
		require.LessOrEqual(t, time.Since(start), 5*time.Second, "the control server did not start in time")
		time.Sleep(10 * time.Millisecond)
	}
	return s
}

func getStatus(t *testing.T, s *admin.Server, path string) int {
	t.Helper()

	resp, err := http.Get("http://" + s.Addr() + path)
	require.NoError(t, err, "request to %s should succeed", path)
	defer resp.Body.Close()
	return resp.StatusCode
}
