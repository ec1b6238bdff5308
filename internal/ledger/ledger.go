// Package ledger records pipeline runs in a PostgreSQL database.
//
// The ledger is bookkeeping on top of the build, not part of it: a workspace
// is built or broken on its own, whether or not the record made it out.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/codecompass-ai/compassd/internal/state"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Config holds the configuration for connecting to the PostgreSQL ledger.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// Enabled reports whether a ledger destination is configured at all.
func (c Config) Enabled() bool {
	return c.Host != ""
}

// DBPool is the subset of the pgx connection pool the ledger uses.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Ping(ctx context.Context) error
	Close()
}

// Manager manages the PostgreSQL ledger connection pool.
type Manager struct {
	dbpool DBPool
}

type options struct {
	newPool func(ctx context.Context, dsn string) (DBPool, error)
}

// Options represents an optional function to override Connect default values.
type Options func(*options)

// WithNewPool overrides the connection pool constructor.
func WithNewPool(newPool func(ctx context.Context, dsn string) (DBPool, error)) Options {
	return func(o *options) {
		o.newPool = newPool
	}
}

// Connect creates a ledger manager with a PostgreSQL connection pool using the
// provided configuration.
// Note: The connection is validated with a ping, but it is not maintained.
func Connect(ctx context.Context, cfg Config, args ...Options) (*Manager, error) {
	opts := options{
		newPool: func(ctx context.Context, dsn string) (DBPool, error) {
			return pgxpool.New(ctx, dsn)
		},
	}

	for _, opt := range args {
		opt(&opts)
	}

	dbpool, err := opts.newPool(ctx, cfg.URI("postgres"))
	if err != nil {
		return nil, fmt.Errorf("unable to create ledger connection pool: %w", err)
	}

	slog.Debug("Testing ledger database connection", "host", cfg.Host, "port", cfg.Port)
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbpool.Ping(pingCtx); err != nil {
		dbpool.Close()
		return nil, fmt.Errorf("unable to ping ledger database: %v", err)
	}

	slog.Info("Connected to PostgreSQL ledger", "host", cfg.Host, "port", cfg.Port)
	return &Manager{dbpool: dbpool}, nil
}

// RecordRun inserts the outcome of one pipeline run into the build_runs table.
func (db Manager) RecordRun(ctx context.Context, workspace string, bs state.BuildState) error {
	const table = "build_runs"

	return db.exec(ctx, table, func(ctx context.Context, table string) (pgconn.CommandTag, error) {
		query := fmt.Sprintf(
			`INSERT INTO %s (
				run_id,
				entry_time,
				workspace,
				revision,
				started_at,
				finished_at,
				status,
				artifact_digest,
				stages
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			table,
		)

		return db.dbpool.Exec(ctx, query,
			bs.RunID,          // run_id
			time.Now(),        // entry_time
			workspace,         // workspace
			bs.Revision,       // revision
			bs.StartedAt,      // started_at
			bs.FinishedAt,     // finished_at
			string(bs.Status), // status
			bs.ArtifactDigest, // artifact_digest
			bs.Stages,         // stages
		)
	})
}

func (db Manager) exec(ctx context.Context, table string, execFn func(context.Context, string) (pgconn.CommandTag, error)) error {
	if db.dbpool == nil {
		return fmt.Errorf("ledger database not initialized")
	}

	table = pgx.Identifier{table}.Sanitize()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := execFn(ctx, table)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("ledger write canceled: %v", err)
		}
		return fmt.Errorf("failed to record pipeline run: %v", err)
	}
	return nil
}

// Close closes the ledger database connection.
//
// If the connection is already closed, it does nothing.
// If the connection does not close within 10 seconds, it returns an error.
func (db *Manager) Close() error {
	if db.dbpool == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		db.dbpool.Close()
	}()

	select {
	case <-done:
		db.dbpool = nil
		return nil
	case <-time.After(10 * time.Second):
		return fmt.Errorf("timeout while closing ledger database, connection may still be open")
	}
}

// URI is a helper method that returns a connection URI for PostgreSQL.
// It does not check the validity of the configuration values.
//
// Security warning: the returned string may include credentials.
func (c Config) URI(scheme string) string {
	host := c.Host
	if c.Port != 0 {
		host = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}

	var user *url.Userinfo
	switch {
	case c.Password != "":
		user = url.UserPassword(c.User, c.Password)
	case c.User != "":
		user = url.User(c.User)
	}

	u := &url.URL{
		Scheme: scheme,
		User:   user,
		Host:   host,
		Path:   c.DBName,
	}

	q := u.Query()
	if c.SSLMode != "" {
		q.Set("sslmode", c.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
