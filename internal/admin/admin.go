// Package admin provides the compassd control HTTP server: engine health,
// build status and Prometheus metrics, on a port distinct from the engine's.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/codecompass-ai/compassd/internal/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const (
	defaultRatePerSecond = 10
	defaultBurst         = 20
)

// Server is a struct that holds the control HTTP server and its configuration.
type Server struct {
	httpServer *http.Server
	reg        prometheus.Gatherer
	eng        dEngine
	store      dStore

	mu        sync.RWMutex
	addr      net.Addr
	lastProbe probeStatus

	log *slog.Logger
}

// Config holds the configuration for the control server.
type Config struct {
	Host string
	Port int

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	RequestsPerSecond float64
	Burst             int
}

type dEngine interface {
	Running() bool
	PID() int
	Restarts() uint64
	Uptime() time.Duration
}

type dStore interface {
	Load() (state.BuildState, error)
}

type statusResponse struct {
	Build  *state.BuildState `json:"build,omitempty"`
	Engine engineStatus      `json:"engine"`
	Probe  probeStatus       `json:"probe"`
}

type engineStatus struct {
	Running       bool    `json:"running"`
	PID           int     `json:"pid,omitempty"`
	Restarts      uint64  `json:"restarts"`
	UptimeSeconds float64 `json:"uptime_seconds,omitempty"`
}

type probeStatus struct {
	OK        bool      `json:"ok"`
	CheckedAt time.Time `json:"checked_at"`
	Error     string    `json:"error,omitempty"`
}

// New creates a control server reporting on the given engine and build state
// store, and serving metrics from the provided gatherer.
func New(l *slog.Logger, cfg Config, eng dEngine, store dStore, reg prometheus.Gatherer) *Server {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRatePerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}

	s := &Server{
		reg:   reg,
		eng:   eng,
		store: store,
		log:   l,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	limiter := newIPLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	s.httpServer = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:      limiter.limit(mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// ListenAndServe starts the HTTP server and listens for incoming requests.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	s.log.Info("Control server listening", "addr", listener.Addr().String())
	return s.httpServer.Serve(listener)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Close stops the server.
func (s *Server) Close() error {
	return s.httpServer.Close()
}

// Addr returns the address the server is listening on, empty before it started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.addr == nil {
		return ""
	}
	return s.addr.String()
}

// RecordProbe stores the latest engine liveness probe result, which gates /healthz.
func (s *Server) RecordProbe(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastProbe = probeStatus{OK: err == nil, CheckedAt: time.Now()}
	if err != nil {
		s.lastProbe.Error = err.Error()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	probeOK := s.lastProbe.OK
	s.mu.RUnlock()

	if !s.eng.Running() || !probeOK {
		http.Error(w, "engine not ready", http.StatusServiceUnavailable)
		return
	}
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Engine: engineStatus{
			Running:       s.eng.Running(),
			PID:           s.eng.PID(),
			Restarts:      s.eng.Restarts(),
			UptimeSeconds: s.eng.Uptime().Seconds(),
		},
	}
	s.mu.RLock()
	resp.Probe = s.lastProbe
	s.mu.RUnlock()

	bs, err := s.store.Load()
	switch {
	case err == nil:
		resp.Build = &bs
	case !errors.Is(err, state.ErrNoState):
		s.log.Warn("Could not load build state for status", "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn("Could not write status response", "error", err)
	}
}
