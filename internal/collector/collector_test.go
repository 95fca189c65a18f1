package collector

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/pikewx/weather-archive/internal/db"
	"github.com/pikewx/weather-archive/internal/metrics"
)

type fakeCollector struct {
	name      string
	expected  int
	schemaErr error
	collect   func(ctx context.Context, d *db.DB, run *metrics.Run) error

	schemaCalls  int
	collectCalls int
}

func (f *fakeCollector) Name() string       { return f.name }
func (f *fakeCollector) ExpectedItems() int { return f.expected }

func (f *fakeCollector) InitSchema(ctx context.Context, d *db.DB) error {
	f.schemaCalls++
	return f.schemaErr
}

func (f *fakeCollector) Collect(ctx context.Context, d *db.DB, run *metrics.Run) error {
	f.collectCalls++
	if f.collect != nil {
		return f.collect(ctx, d, run)
	}
	return nil
}

func testDB(t *testing.T) *db.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weather.db")
	d, err := db.Open(path, db.WithRetryPolicy(db.RetryPolicy{Attempts: 3, Delay: time.Millisecond}))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestRunSuccessfulCollector(t *testing.T) {
	d := testDB(t)
	c := &fakeCollector{
		name:     "fake",
		expected: 1,
		collect: func(ctx context.Context, d *db.DB, run *metrics.Run) error {
			run.ItemSucceeded("only", 3, "fake")
			return nil
		},
	}

	if code := Run(context.Background(), d, c); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}
	if c.schemaCalls != 1 || c.collectCalls != 1 {
		t.Fatalf("schema calls = %d, collect calls = %d", c.schemaCalls, c.collectCalls)
	}

	runs, err := metrics.RecentRuns(context.Background(), d, time.Hour, "fake", false)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "success" || runs[0].Records != 3 {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestRunCollectErrorFailsRun(t *testing.T) {
	d := testDB(t)
	c := &fakeCollector{
		name: "fake",
		collect: func(ctx context.Context, d *db.DB, run *metrics.Run) error {
			return errors.New("store batch: disk I/O error")
		},
	}

	if code := Run(context.Background(), d, c); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}

	runs, err := metrics.RecentRuns(context.Background(), d, time.Hour, "fake", true)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != "failed" {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].ErrMsg != "store batch: disk I/O error" {
		t.Fatalf("stored error = %q", runs[0].ErrMsg)
	}
}

func TestRunSchemaFailureAborts(t *testing.T) {
	d := testDB(t)
	c := &fakeCollector{
		name:      "fake",
		schemaErr: errors.New("malformed schema"),
	}

	if code := Run(context.Background(), d, c); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if c.collectCalls != 0 {
		t.Fatalf("Collect ran despite schema failure")
	}
}

// retryingCollect returns a Collect func whose storage write fails with lock
// contention a given number of times before succeeding, so the run should
// record exactly that many retries.
func retryingCollect(busyTimes int) func(ctx context.Context, d *db.DB, run *metrics.Run) error {
	return func(ctx context.Context, d *db.DB, run *metrics.Run) error {
		calls := 0
		err := d.ExecuteWithRetry(ctx, "store rows", func(context.Context) error {
			calls++
			if calls <= busyTimes {
				return sqlite3.Error{Code: sqlite3.ErrBusy}
			}
			return nil
		})
		if err != nil {
			return err
		}
		run.ItemSucceeded("only", 1, "fake")
		return nil
	}
}

func TestRunForwardsStorageRetries(t *testing.T) {
	d := testDB(t)
	c := &fakeCollector{name: "fake", collect: retryingCollect(1)}

	if code := Run(context.Background(), d, c); code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	runs, err := metrics.RecentRuns(context.Background(), d, time.Hour, "fake", false)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Retries != 1 {
		t.Fatalf("runs = %+v, want one run with 1 retry", runs)
	}
}

// Two runs overlapping on the same store must each record only their own
// storage retries; the hook rides each run's context.
func TestOverlappingRunsAttributeRetriesSeparately(t *testing.T) {
	d := testDB(t)
	one := &fakeCollector{name: "one", collect: retryingCollect(1)}
	two := &fakeCollector{name: "two", collect: retryingCollect(2)}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); Run(context.Background(), d, one) }()
	go func() { defer wg.Done(); Run(context.Background(), d, two) }()
	wg.Wait()

	ctx := context.Background()
	for name, want := range map[string]int{"one": 1, "two": 2} {
		runs, err := metrics.RecentRuns(ctx, d, time.Hour, name, false)
		if err != nil {
			t.Fatalf("RecentRuns(%s): %v", name, err)
		}
		if len(runs) != 1 || runs[0].Retries != want {
			t.Fatalf("%s runs = %+v, want one run with %d retries", name, runs, want)
		}
	}
}
