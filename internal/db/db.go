// Package db is the shared access layer for the single-file weather store.
//
// Every collector process opens the same SQLite file on its own schedule, so
// the connection is configured for concurrent readers with one writer (WAL)
// and writes are wrapped in a bounded retry policy that tolerates transient
// lock contention from sibling processes.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultBusyTimeout is how long a write blocks waiting for another
	// process's lock before SQLite reports SQLITE_BUSY.
	DefaultBusyTimeout = 30 * time.Second

	// WAL checkpoint threshold in pages (~4MB) so the log does not grow
	// unbounded between runs.
	walAutoCheckpoint = 1000
)

// DB wraps the shared SQLite store with the retry policy all collectors use.
type DB struct {
	db   *sql.DB
	path string

	policy RetryPolicy
}

// Option configures Open.
type Option func(*options)

type options struct {
	busyTimeout time.Duration
	policy      RetryPolicy
}

// WithBusyTimeout overrides the SQLite busy timeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) { o.busyTimeout = d }
}

// WithRetryPolicy overrides the write retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) { o.policy = p }
}

// Open creates or opens the store at path with crash-resilient settings:
// WAL journaling (readers are not blocked by the writer and a crash mid-write
// cannot corrupt the file), NORMAL synchronous mode, a busy timeout so lock
// contention blocks instead of failing fast, and periodic WAL checkpointing.
//
// The connection pool is limited to a single connection: SQLite allows one
// writer at a time and a second in-process connection would only manufacture
// SQLITE_BUSY errors against ourselves.
func Open(path string, opts ...Option) (*DB, error) {
	o := options{
		busyTimeout: DefaultBusyTimeout,
		policy:      DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	sqldb, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqldb.Ping(); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", o.busyTimeout.Milliseconds()),
		fmt.Sprintf("PRAGMA wal_autocheckpoint = %d", walAutoCheckpoint),
	}
	for _, pragma := range pragmas {
		if _, err := sqldb.Exec(pragma); err != nil {
			sqldb.Close()
			return nil, fmt.Errorf("execute %q: %w", pragma, err)
		}
	}

	return &DB{db: sqldb, path: path, policy: o.policy}, nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Path returns the on-disk location of the store file.
func (d *DB) Path() string {
	return d.path
}

// SQL returns the underlying sql.DB for queries. Writers should go through
// ExecuteWithRetry instead.
func (d *DB) SQL() *sql.DB {
	return d.db
}

// TableCount returns the number of rows in a table. Used by the status API.
func (d *DB) TableCount(ctx context.Context, table string) (int64, error) {
	var n int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %q", table)
	if err := d.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

// Vacuum reclaims space and defragments the store. Run during low-activity
// windows; it takes an exclusive lock for its duration.
func (d *DB) Vacuum(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}
