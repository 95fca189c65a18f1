// Package model collects GFS hourly model guidance for one point from the
// Open-Meteo GFS endpoint.
package model

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/pikewx/weather-archive/internal/db"
	"github.com/pikewx/weather-archive/internal/fetch"
	"github.com/pikewx/weather-archive/internal/metrics"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS model_forecasts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fetch_time TEXT NOT NULL,
	model TEXT NOT NULL,
	model_run TEXT NOT NULL,
	valid_time TEXT NOT NULL,
	temperature_c REAL,
	precipitation_mm REAL,
	precip_probability_pct REAL,
	wind_speed_kmh REAL,
	wind_direction_deg REAL,
	cloud_cover_pct REAL,
	UNIQUE(model, valid_time)
);
CREATE INDEX IF NOT EXISTS idx_model_valid ON model_forecasts(valid_time);
CREATE INDEX IF NOT EXISTS idx_model_run ON model_forecasts(model_run);
`

const modelName = "gfs"

// forecastDays bounds the horizon each run archives. Guidance past three days
// churns every cycle and would just be replaced before it verified.
const forecastDays = 3

// Collector fetches hourly GFS guidance for one latitude/longitude. Rows are
// keyed by (model, valid time) and replaced: each newer model run overwrites
// its predecessor's forecast for the same valid hour.
type Collector struct {
	client  *fetch.Client
	lat     float64
	lon     float64
	baseURL string
	now     func() time.Time
}

// New creates the model guidance collector for one point.
func New(client *fetch.Client, lat, lon float64) *Collector {
	return &Collector{
		client:  client,
		lat:     lat,
		lon:     lon,
		baseURL: "https://api.open-meteo.com/v1/gfs",
		now:     time.Now,
	}
}

func (c *Collector) Name() string { return "model" }

func (c *Collector) ExpectedItems() int { return 1 }

func (c *Collector) InitSchema(ctx context.Context, d *db.DB) error {
	return d.ExecuteWithRetry(ctx, "init model schema", func(ctx context.Context) error {
		_, err := d.SQL().ExecContext(ctx, schemaSQL)
		return err
	})
}

// response carries Open-Meteo's columnar hourly arrays. All arrays are
// parallel to Time.
type response struct {
	Hourly struct {
		Time          []string   `json:"time"`
		Temperature   []*float64 `json:"temperature_2m"`
		Precipitation []*float64 `json:"precipitation"`
		PrecipProb    []*float64 `json:"precipitation_probability"`
		WindSpeed     []*float64 `json:"wind_speed_10m"`
		WindDirection []*float64 `json:"wind_direction_10m"`
		CloudCover    []*float64 `json:"cloud_cover"`
	} `json:"hourly"`
}

func (c *Collector) Collect(ctx context.Context, d *db.DB, run *metrics.Run) error {
	values := url.Values{}
	values.Set("latitude", fmt.Sprintf("%.4f", c.lat))
	values.Set("longitude", fmt.Sprintf("%.4f", c.lon))
	values.Set("hourly", "temperature_2m,precipitation,precipitation_probability,wind_speed_10m,wind_direction_10m,cloud_cover")
	values.Set("forecast_days", fmt.Sprintf("%d", forecastDays))
	values.Set("timezone", "UTC")

	var payload response
	if err := c.client.GetJSON(ctx, c.baseURL+"?"+values.Encode(), &payload); err != nil {
		run.ItemFailed(modelName, fmt.Sprintf("fetch GFS guidance: %v", err), "model_run")
		return nil
	}

	h := payload.Hourly
	if len(h.Time) == 0 {
		run.ItemFailed(modelName, "empty hourly series in GFS response", "model_run")
		return nil
	}
	for field, arr := range map[string]int{
		"temperature_2m":            len(h.Temperature),
		"precipitation":             len(h.Precipitation),
		"precipitation_probability": len(h.PrecipProb),
		"wind_speed_10m":            len(h.WindSpeed),
		"wind_direction_10m":        len(h.WindDirection),
		"cloud_cover":               len(h.CloudCover),
	} {
		if arr != len(h.Time) {
			run.ItemFailed(modelName,
				fmt.Sprintf("GFS response %s has %d values for %d hours", field, arr, len(h.Time)),
				"model_run")
			return nil
		}
	}

	now := c.now().UTC()
	fetchTime := now.Format(time.RFC3339)
	modelRun := cycleLabel(now)
	var stored int

	err := d.Batch(ctx, "store model guidance", func(ctx context.Context, tx *db.Tx) error {
		stored = 0
		for i, ts := range h.Time {
			// Open-Meteo returns minute-resolution times without a zone;
			// the request pinned the zone to UTC.
			valid, err := time.Parse("2006-01-02T15:04", ts)
			if err != nil {
				return fmt.Errorf("parse valid time %q: %w", ts, err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT OR REPLACE INTO model_forecasts
				(fetch_time, model, model_run, valid_time, temperature_c,
				 precipitation_mm, precip_probability_pct, wind_speed_kmh,
				 wind_direction_deg, cloud_cover_pct)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				fetchTime, modelName, modelRun,
				valid.UTC().Format(time.RFC3339),
				h.Temperature[i], h.Precipitation[i], h.PrecipProb[i],
				h.WindSpeed[i], h.WindDirection[i], h.CloudCover[i])
			if err != nil {
				return fmt.Errorf("store forecast hour %s: %w", ts, err)
			}
			stored++
		}
		return nil
	})
	if err != nil {
		return err
	}

	run.ItemSucceeded(modelName, stored, "model_run")
	return nil
}

// cycleLabel names the most recent synoptic cycle ("20260823 12Z") for the
// run record. GFS publishes on 00/06/12/18Z.
func cycleLabel(now time.Time) string {
	cycle := (now.Hour() / 6) * 6
	return fmt.Sprintf("%s %02dZ", now.Format("20060102"), cycle)
}
