package testutils

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

// LogRecorder is a slog.Handler that keeps every record passed to it, so tests
// can assert on what a function logged.
type LogRecorder struct {
	minLevel slog.Level

	mu      sync.Mutex
	records []slog.Record
}

// NewLogRecorder returns a LogRecorder handling records at or above minLevel.
func NewLogRecorder(minLevel slog.Level) *LogRecorder {
	return &LogRecorder{minLevel: minLevel}
}

// AssertLevels asserts that the recorded levels match want, a map from level
// to expected record count. A nil want asserts that nothing was logged.
func (h *LogRecorder) AssertLevels(t *testing.T, want map[slog.Level]uint) bool {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()

	if want == nil {
		return assert.Empty(t, h.records)
	}

	got := make(map[slog.Level]uint)
	for _, r := range h.records {
		got[r.Level]++
	}
	return assert.Equal(t, want, got)
}

// OutputLogs writes the recorded messages and their attributes through t.Log.
func (h *LogRecorder) OutputLogs(t *testing.T) {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range h.records {
		t.Logf("Logged %v %s:", r.Level, r.Message)
		r.Attrs(func(attr slog.Attr) bool {
			t.Log(attr.String())
			return true
		})
	}
}

// Enabled implements slog.Handler.
func (h *LogRecorder) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

// Handle implements slog.Handler.
func (h *LogRecorder) Handle(_ context.Context, record slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record)
	return nil
}

// WithAttrs implements slog.Handler.
func (h *LogRecorder) WithAttrs([]slog.Attr) slog.Handler { return h }

// WithGroup implements slog.Handler.
func (h *LogRecorder) WithGroup(string) slog.Handler { return h }
