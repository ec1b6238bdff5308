// Package probe implements the engine liveness contract: a TCP dial of the bind
// address followed by an HTTP GET of the liveness route expecting 200.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/codecompass-ai/compassd/internal/fileutils"
)

// Prober checks that the engine answers on its bind address.
type Prober struct {
	host string
	port int
	path string

	dialer  net.Dialer
	client  *http.Client
	maxWait time.Duration

	log *slog.Logger
}

type options struct {
	path        string
	maxWait     time.Duration
	httpTimeout time.Duration
}

// Options represents an optional function to override Prober default values.
type Options func(*options)

// WithPath overrides the liveness route.
func WithPath(path string) Options {
	return func(o *options) {
		if path != "" {
			o.path = path
		}
	}
}

// WithMaxWait overrides the total time WaitReady keeps retrying.
func WithMaxWait(d time.Duration) Options {
	return func(o *options) {
		if d > 0 {
			o.maxWait = d
		}
	}
}

// WithHTTPTimeout overrides the per-request HTTP timeout.
func WithHTTPTimeout(d time.Duration) Options {
	return func(o *options) {
		if d > 0 {
			o.httpTimeout = d
		}
	}
}

// New returns a new Prober against host:port.
func New(l *slog.Logger, host string, port int, args ...Options) Prober {
	opts := options{
		path:        "/",
		maxWait:     60 * time.Second,
		httpTimeout: 5 * time.Second,
	}
	for _, opt := range args {
		opt(&opts)
	}

	return Prober{
		host:    host,
		port:    port,
		path:    opts.path,
		dialer:  net.Dialer{Timeout: time.Second},
		client:  &http.Client{Timeout: opts.httpTimeout},
		maxWait: opts.maxWait,
		log:     l,
	}
}

// Addr returns the probed TCP address.
// A wildcard bind host is probed through the loopback address.
func (p Prober) Addr() string {
	host := p.host
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, strconv.Itoa(p.port))
}

// URL returns the probed liveness URL.
func (p Prober) URL() string {
	return fmt.Sprintf("http://%s%s", p.Addr(), p.path)
}

// Check performs a single liveness probe.
func (p Prober) Check(ctx context.Context) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.Addr())
	if err != nil {
		return fmt.Errorf("engine not reachable at %s: %w", p.Addr(), err)
	}
	_ = conn.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL(), nil)
	if err != nil {
		return fmt.Errorf("could not build liveness request: %v", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("liveness request to %s failed: %w", p.URL(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("liveness probe of %s returned status %d", p.URL(), resp.StatusCode)
	}

	// The engine reports {"status": "ok"} on its liveness route. The probe contract
	// is the 200, the body is informational only.
	var body struct {
		Status string `json:"status"`
	}
	if err := fileutils.ParseJSON(resp.Body, &body); err == nil && body.Status != "" {
		p.log.Debug("Liveness probe succeeded", "url", p.URL(), "status", body.Status)
	} else {
		p.log.Debug("Liveness probe succeeded", "url", p.URL())
	}

	return nil
}

// WaitReady blocks until a probe succeeds, retrying with exponential backoff up to
// the configured budget, or until ctx is done.
func (p Prober) WaitReady(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(100*time.Millisecond),
		backoff.WithMaxElapsedTime(p.maxWait),
	)

	start := time.Now()
	err := backoff.Retry(func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if err := p.Check(ctx); err != nil {
			p.log.Debug("Engine not ready yet", "elapsed", time.Since(start).Round(time.Millisecond), "error", err)
			return err
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("engine did not become ready within %s: %w", p.maxWait, err)
	}

	p.log.Info("Engine ready", "address", p.Addr(), "after", time.Since(start).Round(time.Millisecond))
	return nil
}
