package nws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pikewx/weather-archive/internal/db"
	"github.com/pikewx/weather-archive/internal/fetch"
	"github.com/pikewx/weather-archive/internal/metrics"
)

const forecastBody = `{"properties": {"periods": [
  {"number": 1, "name": "Today", "startTime": "2026-08-23T06:00:00-06:00",
   "endTime": "2026-08-23T18:00:00-06:00", "isDaytime": true, "temperature": 88,
   "windSpeed": "10 mph", "windDirection": "S",
   "probabilityOfPrecipitation": {"value": 20},
   "shortForecast": "Mostly Sunny", "detailedForecast": "Mostly sunny, high near 88."},
  {"number": 2, "name": "Tonight", "startTime": "2026-08-23T18:00:00-06:00",
   "endTime": "2026-08-24T06:00:00-06:00", "isDaytime": false, "temperature": 58,
   "windSpeed": "5 mph", "windDirection": "SE",
   "probabilityOfPrecipitation": {"value": null},
   "shortForecast": "Clear", "detailedForecast": "Clear, low around 58."}
]}}`

const hourlyBody = `{"properties": {"periods": [
  {"number": 1, "startTime": "2026-08-23T13:00:00-06:00", "temperature": 86,
   "windSpeed": "10 mph", "windDirection": "S",
   "probabilityOfPrecipitation": {"value": 15}, "shortForecast": "Sunny"},
  {"number": 2, "startTime": "2026-08-23T14:00:00-06:00", "temperature": 88,
   "windSpeed": "12 mph", "windDirection": "S",
   "probabilityOfPrecipitation": {"value": 20}, "shortForecast": "Mostly Sunny"}
]}}`

const observationBody = `{"properties": {
  "timestamp": "2026-08-23T18:53:00+00:00",
  "textDescription": "Mostly Cloudy",
  "temperature": {"value": 28.3},
  "dewpoint": {"value": 7.2},
  "windDirection": {"value": 180},
  "windSpeed": {"value": 22.2},
  "barometricPressure": {"value": 101730},
  "visibility": {"value": 16090},
  "relativeHumidity": {"value": 26.5},
  "precipitationLastHour": {"value": null}
}}`

const alertsBody = `{"features": [
  {"properties": {
    "id": "urn:oid:2.49.0.1.840.0.abc123",
    "event": "Severe Thunderstorm Warning",
    "severity": "Severe", "urgency": "Immediate", "certainty": "Observed",
    "headline": "Severe Thunderstorm Warning issued",
    "description": "At 253 PM, a severe thunderstorm was located near Falcon.",
    "areaDesc": "El Paso County",
    "sent": "2026-08-23T14:53:00-06:00",
    "effective": "2026-08-23T14:53:00-06:00",
    "onset": "2026-08-23T14:53:00-06:00",
    "expires": "2026-08-23T15:45:00-06:00",
    "ends": "2026-08-23T15:45:00-06:00"
  }}
]}`

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

func testHandler(t *testing.T, failProducts ...string) http.HandlerFunc {
	t.Helper()
	failing := make(map[string]bool)
	for _, p := range failProducts {
		failing[p] = true
	}
	return func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/forecast/hourly"):
			if failing["hourly"] {
				http.Error(w, "unavailable", http.StatusNotFound)
				return
			}
			w.Write([]byte(hourlyBody))
		case strings.HasSuffix(r.URL.Path, "/forecast"):
			if failing["forecast"] {
				http.Error(w, "unavailable", http.StatusNotFound)
				return
			}
			w.Write([]byte(forecastBody))
		case strings.Contains(r.URL.Path, "/observations/latest"):
			if failing["observations"] {
				http.Error(w, "unavailable", http.StatusNotFound)
				return
			}
			w.Write([]byte(observationBody))
		case strings.HasPrefix(r.URL.Path, "/alerts"):
			if failing["alerts"] {
				http.Error(w, "unavailable", http.StatusNotFound)
				return
			}
			w.Write([]byte(alertsBody))
		default:
			t.Errorf("unexpected request path %q", r.URL.Path)
			http.NotFound(w, r)
		}
	}
}

func testCollector(t *testing.T, handler http.HandlerFunc) *Collector {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(fetch.NewClient("nws", srv.Client(), "test-agent"), "PUB", 93, 91, "KCOS", 38.81, -104.71)
	c.baseURL = srv.URL
	c.now = func() time.Time { return time.Date(2026, 8, 23, 19, 0, 0, 0, time.UTC) }
	return c
}

func TestCollectStoresAllProducts(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	c := testCollector(t, testHandler(t))
	if err := c.InitSchema(ctx, d); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	run := metrics.Start(ctx, d, c.Name(), metrics.WithExpectedItems(c.ExpectedItems()))
	if err := c.Collect(ctx, d, run); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	run.Finish(ctx, nil)
	if run.Status() != "success" {
		t.Fatalf("status = %q, want success", run.Status())
	}

	for table, want := range map[string]int{
		"forecast_snapshots": 2,
		"hourly_snapshots":   2,
		"observations":       1,
		"alerts":             1,
	} {
		n, err := d.TableCount(ctx, table)
		if err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != int64(want) {
			t.Fatalf("%s has %d rows, want %d", table, n, want)
		}
	}

	var temp float64
	var desc string
	err := d.SQL().QueryRowContext(ctx,
		`SELECT temperature_c, description FROM observations WHERE station_id = 'KCOS'`).
		Scan(&temp, &desc)
	if err != nil {
		t.Fatalf("query observation: %v", err)
	}
	if temp != 28.3 || desc != "Mostly Cloudy" {
		t.Fatalf("observation = (%v, %q)", temp, desc)
	}
}

func TestCollectPartialWhenOneProductFails(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	c := testCollector(t, testHandler(t, "hourly"))
	if err := c.InitSchema(ctx, d); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	run := metrics.Start(ctx, d, c.Name(), metrics.WithExpectedItems(c.ExpectedItems()))
	if err := c.Collect(ctx, d, run); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if code := run.Finish(ctx, nil); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	if run.Status() != "partial" {
		t.Fatalf("status = %q, want partial", run.Status())
	}

	// The products that did arrive must still be written.
	n, err := d.TableCount(ctx, "forecast_snapshots")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("forecast_snapshots has %d rows, want 2", n)
	}
	n, err = d.TableCount(ctx, "hourly_snapshots")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("hourly_snapshots has %d rows, want 0", n)
	}
}

func TestCollectRepeatedRunsDedupeNaturalKeys(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	c := testCollector(t, testHandler(t))
	if err := c.InitSchema(ctx, d); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}

	for i := 0; i < 2; i++ {
		run := metrics.Start(ctx, d, c.Name(), metrics.WithExpectedItems(c.ExpectedItems()))
		if err := c.Collect(ctx, d, run); err != nil {
			t.Fatalf("Collect #%d: %v", i+1, err)
		}
		run.Finish(ctx, nil)
	}

	// Snapshots append per fetch; natural-keyed tables must not duplicate.
	for table, want := range map[string]int{
		"forecast_snapshots": 4,
		"hourly_snapshots":   4,
		"observations":       1,
		"alerts":             1,
	} {
		n, err := d.TableCount(ctx, table)
		if err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != int64(want) {
			t.Fatalf("%s has %d rows after re-run, want %d", table, n, want)
		}
	}
}
