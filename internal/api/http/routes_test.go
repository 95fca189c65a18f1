package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/pikewx/weather-archive/internal/db"
	"github.com/pikewx/weather-archive/internal/metrics"
)

func testApp(t *testing.T) (*fiber.App, *db.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weather.db")
	d, err := db.Open(path, db.WithRetryPolicy(db.RetryPolicy{Attempts: 3, Delay: time.Millisecond}))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	app := fiber.New()
	RegisterRoutes(app, d)
	return app, d
}

func TestHealth(t *testing.T) {
	app, _ := testApp(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}
}

// TestRunsHoursValidation verifies that the runs endpoint enforces the
// expected 1-168 range for the `hours` query parameter.
func TestRunsHoursValidation(t *testing.T) {
	app, _ := testApp(t)

	for _, q := range []string{"hours=0", "hours=200", "collector=bogus"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs?"+q, nil)
		resp, err := app.Test(req)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("query %q: expected status %d, got %d", q, http.StatusBadRequest, resp.StatusCode)
		}
	}
}

func TestRunsListing(t *testing.T) {
	app, d := testApp(t)
	ctx := context.Background()

	run := metrics.Start(ctx, d, "metar", metrics.WithExpectedItems(1))
	run.ItemSucceeded("KCOS", 1, "metar")
	run.Finish(ctx, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs?collector=metar", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	var body struct {
		Hours int                  `json:"hours"`
		Runs  []metrics.RunSummary `json:"runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Hours != 24 {
		t.Fatalf("hours = %d, want default 24", body.Hours)
	}
	if len(body.Runs) != 1 || body.Runs[0].RunID != run.ID || body.Runs[0].Status != "success" {
		t.Fatalf("runs = %+v", body.Runs)
	}
}

func TestRunDetail(t *testing.T) {
	app, d := testApp(t)
	ctx := context.Background()

	run := metrics.Start(ctx, d, "cpc", metrics.WithExpectedItems(2))
	run.ItemSucceeded("6_10_day", 1, "outlook")
	run.ItemFailed("8_14_day", "empty product list", "outlook")
	run.Finish(ctx, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+run.ID, nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	var detail metrics.RunDetail
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if detail.Status != "partial" || len(detail.Items) != 2 {
		t.Fatalf("detail = %+v", detail)
	}
}

func TestRunDetailNotFound(t *testing.T) {
	app, _ := testApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/runs/deadbeef", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, resp.StatusCode)
	}
}

func TestTableCounts(t *testing.T) {
	app, d := testApp(t)
	ctx := context.Background()

	_, err := d.SQL().ExecContext(ctx, `
		CREATE TABLE metar (id INTEGER PRIMARY KEY, station_id TEXT);
		INSERT INTO metar (station_id) VALUES ('KCOS'), ('KPUB');
	`)
	if err != nil {
		t.Fatalf("seed table: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tables", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	var body struct {
		Tables map[string]int64 `json:"tables"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Tables["metar"] != 2 {
		t.Fatalf("metar count = %d, want 2", body.Tables["metar"])
	}
	// Tables for collectors that have never run report zero.
	if body.Tables["cpc_outlooks"] != 0 {
		t.Fatalf("cpc_outlooks count = %d, want 0", body.Tables["cpc_outlooks"])
	}
}
