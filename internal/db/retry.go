package db

import (
	"context"
	"fmt"
	"log"
	"time"
)

// RetryPolicy bounds how writes tolerate transient contention: a fixed number
// of attempts with a fixed delay between them. There is no backoff curve:
// the contending process is another scheduled collector that finishes in
// seconds, so a flat delay is enough.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy matches the schedule the collectors are deployed with:
// three attempts, ten seconds apart, on top of the 30s busy timeout.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: 10 * time.Second}
}

// RetryHook is invoked before each retry sleep. The collector runner uses it
// to record retry attempts against the run in flight.
type RetryHook func(description string, attempt int, err error)

type retryHookKey struct{}

// WithRetryHook returns a context whose retries are reported to hook. The
// hook travels with the context rather than living on the shared DB, so
// overlapping runs each see only their own retries.
func WithRetryHook(ctx context.Context, hook RetryHook) context.Context {
	return context.WithValue(ctx, retryHookKey{}, hook)
}

func retryHook(ctx context.Context) RetryHook {
	hook, _ := ctx.Value(retryHookKey{}).(RetryHook)
	return hook
}

// ExecuteWithRetry runs a write operation against the store. Transient
// failures (lock contention, transient disk I/O) are retried up to the
// policy's attempt budget; anything else propagates immediately. On
// exhaustion the final driver error is returned wrapped with description so
// the failed run is diagnosable.
func (d *DB) ExecuteWithRetry(ctx context.Context, description string, op func(ctx context.Context) error) error {
	var lastErr error
	hook := retryHook(ctx)

	for attempt := 1; attempt <= d.policy.Attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}

		lastErr = err
		if attempt == d.policy.Attempts {
			break
		}

		log.Printf("WARN: %s failed (attempt %d/%d), retrying in %s: %v",
			description, attempt, d.policy.Attempts, d.policy.Delay, err)
		if hook != nil {
			hook(description, attempt, err)
		}

		timer := time.NewTimer(d.policy.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	log.Printf("ERROR: %s failed after %d attempts: %v", description, d.policy.Attempts, lastErr)
	return fmt.Errorf("%s after %d attempts: %w", description, d.policy.Attempts, lastErr)
}

// CommitWithRetry applies the retry policy to the commit step, where lock
// contention most often shows up. If the retry budget is exhausted the
// transaction is rolled back so the connection is never left holding a lock.
func (d *DB) CommitWithRetry(ctx context.Context, tx *Tx, description string) error {
	err := d.ExecuteWithRetry(ctx, description, tx.commit)
	if err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			log.Printf("WARN: rollback after failed %s: %v", description, rbErr)
		}
	}
	return err
}
