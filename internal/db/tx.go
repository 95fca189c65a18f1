package db

import (
	"context"
	"database/sql"
	"fmt"
	"log"
)

// Tx is a write transaction pinned to a single connection. Explicit
// BEGIN/COMMIT statements are used instead of database/sql transactions
// because a COMMIT that fails with SQLITE_BUSY leaves the SQLite transaction
// alive and retryable, which is exactly what CommitWithRetry needs; a failed
// (*sql.Tx).Commit would finalize the transaction object instead.
type Tx struct {
	conn     *sql.Conn
	finished bool
}

// Begin starts a write transaction. BEGIN IMMEDIATE takes the write lock up
// front, so contention with another process surfaces here, queued behind
// the busy timeout, rather than midway through the batch.
func (d *DB) Begin(ctx context.Context) (*Tx, error) {
	conn, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		conn.Close()
		return nil, err
	}
	return &Tx{conn: conn}, nil
}

// ExecContext runs a statement inside the transaction.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if t.finished {
		return nil, sql.ErrTxDone
	}
	return t.conn.ExecContext(ctx, query, args...)
}

// QueryRowContext runs a query inside the transaction.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

// Rollback abandons the transaction and releases the connection. Safe to
// call after a successful commit (it becomes a no-op), so callers can defer
// it on every path.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.finished {
		return nil
	}
	t.finished = true
	_, err := t.conn.ExecContext(ctx, "ROLLBACK")
	closeErr := t.conn.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// Batch runs fn inside a single write transaction with the retry policy
// applied to the whole unit: a transient failure (on BEGIN, a statement, or
// COMMIT) rolls the batch back and replays fn on a fresh transaction. Rows
// written with idempotent conflict policies make the replay safe, and a
// mid-batch failure leaves no partial batch visible.
//
// Every path out of one attempt releases the pinned connection. The pool
// holds a single connection, so a leaked transaction would wedge the whole
// store, not just this batch.
func (d *DB) Batch(ctx context.Context, description string, fn func(ctx context.Context, tx *Tx) error) error {
	return d.ExecuteWithRetry(ctx, description, func(ctx context.Context) error {
		tx, err := d.Begin(ctx)
		if err != nil {
			return err
		}
		if err := fn(ctx, tx); err != nil {
			tx.Rollback(context.WithoutCancel(ctx))
			return err
		}
		if err := tx.commit(ctx); err != nil {
			if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
				log.Printf("WARN: rollback after failed %s commit: %v", description, rbErr)
			}
			return err
		}
		return nil
	})
}

// commit attempts COMMIT once. On success the connection is released; on
// failure the transaction stays open so the commit can be retried.
func (t *Tx) commit(ctx context.Context) error {
	if t.finished {
		return sql.ErrTxDone
	}
	if _, err := t.conn.ExecContext(ctx, "COMMIT"); err != nil {
		return err
	}
	t.finished = true
	return t.conn.Close()
}
