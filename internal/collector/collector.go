// Package collector defines the contract every scheduled data collector
// implements and the runner that executes one collection run end to end.
package collector

import (
	"context"
	"log"
	"time"

	"github.com/pikewx/weather-archive/internal/db"
	"github.com/pikewx/weather-archive/internal/metrics"
)

// Collector is one scheduled data source. Each collector owns its tables,
// its natural key, and its duplicate policy (ignore vs replace); there is
// no universal rule, the right policy depends on whether later arrivals
// should overwrite earlier ones for that source.
type Collector interface {
	// Name identifies the collector in logs, metrics and the status API.
	Name() string

	// ExpectedItems is how many items a nominal run produces, so a run that
	// produced nothing can be marked failed instead of trivially successful.
	ExpectedItems() int

	// InitSchema creates the collector's tables. Idempotent.
	InitSchema(ctx context.Context, d *db.DB) error

	// Collect fetches the source and persists rows. Item outcomes are
	// reported on run; storage writes go through the shared layer's retry
	// wrapper. Upstream fetch retries are the collector's own business and
	// must never leak into storage-layer retries.
	Collect(ctx context.Context, d *db.DB, run *metrics.Run) error
}

const (
	accessWait     = 60 * time.Second
	accessInterval = 5 * time.Second
)

// Run executes one collection run: confirm the store is reachable, create
// schema, track the run in metrics, collect, and finalize. Returns the exit
// code for the process (0 success, 1 otherwise). A failed run logs a
// descriptive failure; it never silently drops data.
func Run(ctx context.Context, d *db.DB, c Collector) int {
	log.Printf("INFO: %s collector starting", c.Name())

	if !db.WaitUntilAccessible(ctx, d.Path(), accessWait, accessInterval) {
		log.Printf("ERROR: %s: store at %s not reachable, aborting run", c.Name(), d.Path())
		return 1
	}

	if err := c.InitSchema(ctx, d); err != nil {
		log.Printf("ERROR: %s: init schema: %v", c.Name(), err)
		return 1
	}

	run := metrics.Start(ctx, d, c.Name(), metrics.WithExpectedItems(c.ExpectedItems()))

	// Forward storage-retry attempts into the run record. The hook rides the
	// context, so overlapping runs cannot see each other's retries, and
	// RecordRetry only buffers in memory, so it is safe to call from inside
	// a write batch.
	ctx = db.WithRetryHook(ctx, func(description string, attempt int, err error) {
		run.RecordRetry(attempt, err.Error(), "")
	})

	err := c.Collect(ctx, d, run)
	if err != nil {
		log.Printf("ERROR: %s: run failed: %v", c.Name(), err)
	}

	code := run.Finish(ctx, err)
	log.Printf("INFO: %s collector complete: status=%s run=%s", c.Name(), run.Status(), run.ID)
	return code
}
