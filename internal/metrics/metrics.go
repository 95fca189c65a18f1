// Package metrics records per-run outcomes for every collector in the shared
// store, so an external monitor can answer "did the last N runs of collector
// X succeed" without this module implementing the monitor itself.
//
// All writes here are fail-safe: if a metrics insert fails, the failure is
// logged and the collector run continues. Losing a metrics row must never
// lose weather data.
package metrics

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pikewx/weather-archive/internal/db"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS collector_runs (
	run_id TEXT PRIMARY KEY,
	collector TEXT NOT NULL,
	start_time TEXT NOT NULL,
	end_time TEXT,
	status TEXT DEFAULT 'running',
	exit_code INTEGER,
	error_message TEXT,
	total_items_expected INTEGER,
	total_items_succeeded INTEGER DEFAULT 0,
	total_items_failed INTEGER DEFAULT 0,
	total_records_inserted INTEGER DEFAULT 0,
	total_retries INTEGER DEFAULT 0,
	model_run TEXT,
	notes TEXT
);

CREATE TABLE IF NOT EXISTS collector_run_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	item_name TEXT NOT NULL,
	item_type TEXT,
	status TEXT DEFAULT 'pending',
	start_time TEXT,
	end_time TEXT,
	records_inserted INTEGER DEFAULT 0,
	error_message TEXT,
	retry_count INTEGER DEFAULT 0,
	FOREIGN KEY (run_id) REFERENCES collector_runs(run_id)
);

CREATE TABLE IF NOT EXISTS collector_retries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	item_name TEXT,
	attempt_number INTEGER NOT NULL,
	attempt_time TEXT NOT NULL,
	error_message TEXT,
	FOREIGN KEY (run_id) REFERENCES collector_runs(run_id)
);

CREATE INDEX IF NOT EXISTS idx_runs_collector ON collector_runs(collector);
CREATE INDEX IF NOT EXISTS idx_runs_start ON collector_runs(start_time);
CREATE INDEX IF NOT EXISTS idx_runs_status ON collector_runs(status);
CREATE INDEX IF NOT EXISTS idx_items_run ON collector_run_items(run_id);
CREATE INDEX IF NOT EXISTS idx_retries_run ON collector_retries(run_id);
`

// InitSchema creates the metrics tables. Idempotent.
func InitSchema(ctx context.Context, d *db.DB) error {
	return d.ExecuteWithRetry(ctx, "init metrics schema", func(ctx context.Context) error {
		_, err := d.SQL().ExecContext(ctx, schemaSQL)
		return err
	})
}

// Item tracks one unit of work inside a run (a station, a forecast hour, an
// outlook type).
type Item struct {
	Name       string
	Type       string
	Status     string
	StartTime  time.Time
	EndTime    time.Time
	Records    int
	ErrMessage string
	Retries    int
}

// Run tracks one collector execution from start to finish.
//
// Item and retry records are buffered in memory and written in one batch at
// Finish. The store pool holds a single connection, so writing metrics rows
// while the run's data transaction is open would deadlock against ourselves.
type Run struct {
	ID        string
	Collector string
	StartTime time.Time

	d        *db.DB
	expected int
	modelRun string
	notes    string

	mu      sync.Mutex
	items   map[string]*Item
	order   []string
	retries []retryRecord
	status  string
}

type retryRecord struct {
	itemName string
	attempt  int
	at       time.Time
	errMsg   string
}

// RunOption configures Start.
type RunOption func(*Run)

// WithExpectedItems declares how many items the run should produce, so an
// empty run can be distinguished from a successful no-op.
func WithExpectedItems(n int) RunOption {
	return func(r *Run) { r.expected = n }
}

// WithModelRun tags the run with a model cycle label (e.g. "20260823 12Z").
func WithModelRun(label string) RunOption {
	return func(r *Run) { r.modelRun = label }
}

// WithNotes attaches free-form notes to the run record.
func WithNotes(notes string) RunOption {
	return func(r *Run) { r.notes = notes }
}

// Start opens a run record in the store and returns the tracker. Schema
// initialization and the insert are fail-safe.
func Start(ctx context.Context, d *db.DB, collector string, opts ...RunOption) *Run {
	r := &Run{
		ID:        uuid.NewString()[:8],
		Collector: collector,
		StartTime: time.Now().UTC(),
		d:         d,
		items:     make(map[string]*Item),
		status:    "running",
	}
	for _, opt := range opts {
		opt(r)
	}

	if err := InitSchema(ctx, d); err != nil {
		log.Printf("WARN: metrics schema init failed: %v", err)
		return r
	}

	err := d.ExecuteWithRetry(ctx, "insert run record", func(ctx context.Context) error {
		_, err := d.SQL().ExecContext(ctx, `
			INSERT INTO collector_runs
			(run_id, collector, start_time, status, total_items_expected, model_run, notes)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Collector, r.StartTime.Format(time.RFC3339), r.status,
			nullableInt(r.expected), nullableStr(r.modelRun), nullableStr(r.notes))
		return err
	})
	if err != nil {
		log.Printf("WARN: failed to insert run record: %v", err)
	}
	return r
}

// ItemSucceeded marks one item done, recording how many rows it inserted.
// Zero rows is still a success: an already-present natural key means the
// upstream data simply had not changed.
func (r *Run) ItemSucceeded(name string, records int, itemType string) {
	now := time.Now().UTC()
	item := &Item{
		Name: name, Type: itemType, Status: "success",
		StartTime: now, EndTime: now, Records: records,
	}
	r.addItem(item)
}

// ItemFailed marks one item failed with a diagnostic message.
func (r *Run) ItemFailed(name, errMsg, itemType string) {
	now := time.Now().UTC()
	item := &Item{
		Name: name, Type: itemType, Status: "failed",
		StartTime: now, EndTime: now, ErrMessage: errMsg,
	}
	r.addItem(item)
}

// RecordRetry logs one retry attempt against the run (and optionally against
// a named item).
func (r *Run) RecordRetry(attempt int, errMsg, itemName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retries = append(r.retries, retryRecord{
		itemName: itemName,
		attempt:  attempt,
		at:       time.Now().UTC(),
		errMsg:   errMsg,
	})
	if itemName != "" {
		if item, ok := r.items[itemName]; ok {
			item.Retries++
		}
	}
}

// Finish closes the run record, flushing buffered item and retry rows. If
// runErr is non-nil the run is failed outright; otherwise the status is
// derived from item outcomes (no failures: success, no successes: failed,
// otherwise partial). Returns the exit code the collector process should
// exit with.
func (r *Run) Finish(ctx context.Context, runErr error) int {
	r.mu.Lock()
	var succeeded, failed, records int
	for _, item := range r.items {
		switch item.Status {
		case "success":
			succeeded++
		case "failed":
			failed++
		}
		records += item.Records
	}

	errMsg := ""
	switch {
	case runErr != nil:
		r.status = "failed"
		errMsg = runErr.Error()
	case len(r.items) == 0:
		if r.expected > 0 {
			r.status = "failed"
		} else {
			r.status = "success"
		}
	case failed == 0:
		r.status = "success"
	case succeeded == 0:
		r.status = "failed"
	default:
		r.status = "partial"
	}

	exitCode := 0
	if r.status != "success" {
		exitCode = 1
	}

	items := make([]*Item, 0, len(r.order))
	for _, name := range r.order {
		items = append(items, r.items[name])
	}
	retries := append([]retryRecord(nil), r.retries...)
	status := r.status
	r.mu.Unlock()

	for _, item := range items {
		r.insertItem(ctx, item)
	}
	for _, retry := range retries {
		r.insertRetry(ctx, retry)
	}

	err := r.d.ExecuteWithRetry(ctx, "finalize run record", func(ctx context.Context) error {
		_, err := r.d.SQL().ExecContext(ctx, `
			UPDATE collector_runs SET
				end_time = ?, status = ?, exit_code = ?, error_message = ?,
				total_items_succeeded = ?, total_items_failed = ?,
				total_records_inserted = ?, total_retries = ?
			WHERE run_id = ?`,
			time.Now().UTC().Format(time.RFC3339), status, exitCode,
			nullableStr(errMsg), succeeded, failed, records, len(retries), r.ID)
		return err
	})
	if err != nil {
		log.Printf("WARN: failed to finalize run record: %v", err)
	}
	return exitCode
}

// Status returns the run's current status string.
func (r *Run) Status() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Items returns the tracked items in insertion order.
func (r *Run) Items() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Item, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.items[name])
	}
	return out
}

func (r *Run) addItem(item *Item) {
	r.mu.Lock()
	if _, seen := r.items[item.Name]; !seen {
		r.order = append(r.order, item.Name)
	}
	r.items[item.Name] = item
	r.mu.Unlock()
}

func (r *Run) insertRetry(ctx context.Context, retry retryRecord) {
	err := r.d.ExecuteWithRetry(ctx, "insert retry record", func(ctx context.Context) error {
		_, err := r.d.SQL().ExecContext(ctx, `
			INSERT INTO collector_retries
			(run_id, item_name, attempt_number, attempt_time, error_message)
			VALUES (?, ?, ?, ?, ?)`,
			r.ID, nullableStr(retry.itemName), retry.attempt,
			retry.at.Format(time.RFC3339), retry.errMsg)
		return err
	})
	if err != nil {
		log.Printf("WARN: failed to insert retry record: %v", err)
	}
}

func (r *Run) insertItem(ctx context.Context, item *Item) {
	err := r.d.ExecuteWithRetry(ctx, "insert item record", func(ctx context.Context) error {
		_, err := r.d.SQL().ExecContext(ctx, `
			INSERT INTO collector_run_items
			(run_id, item_name, item_type, status, start_time, end_time,
			 records_inserted, error_message, retry_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, item.Name, nullableStr(item.Type), item.Status,
			item.StartTime.Format(time.RFC3339), item.EndTime.Format(time.RFC3339),
			item.Records, nullableStr(item.ErrMessage), item.Retries)
		return err
	})
	if err != nil {
		log.Printf("WARN: failed to insert item record: %v", err)
	}
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
