// Package metar collects hourly METAR observations for a set of airfields
// from the aviationweather.gov data API.
package metar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pikewx/weather-archive/internal/db"
	"github.com/pikewx/weather-archive/internal/fetch"
	"github.com/pikewx/weather-archive/internal/metrics"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS metar (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fetch_time TEXT NOT NULL,
	station_id TEXT NOT NULL,
	observation_time TEXT NOT NULL,
	raw_metar TEXT NOT NULL,
	wind_direction_deg INTEGER,
	wind_speed_kt INTEGER,
	wind_gust_kt INTEGER,
	visibility_sm REAL,
	weather_phenomena TEXT,
	ceiling_ft INTEGER,
	sky_condition TEXT,
	temperature_c REAL,
	dewpoint_c REAL,
	altimeter_inhg REAL,
	flight_category TEXT,
	UNIQUE(station_id, observation_time)
);
CREATE INDEX IF NOT EXISTS idx_metar_time ON metar(observation_time);
CREATE INDEX IF NOT EXISTS idx_metar_station ON metar(station_id);
`

// Collector fetches decoded METARs for the configured stations. Observations
// are keyed by (station, observation time) and inserted with ignore-on-
// duplicate: a METAR never changes once issued, so re-fetching the same
// observation is a no-op.
type Collector struct {
	client   *fetch.Client
	stations []string
	baseURL  string
	now      func() time.Time
}

// New creates the METAR collector.
func New(client *fetch.Client, stations []string) *Collector {
	return &Collector{
		client:   client,
		stations: stations,
		baseURL:  "https://aviationweather.gov/api/data/metar",
		now:      time.Now,
	}
}

func (c *Collector) Name() string { return "metar" }

func (c *Collector) ExpectedItems() int { return len(c.stations) }

func (c *Collector) InitSchema(ctx context.Context, d *db.DB) error {
	return d.ExecuteWithRetry(ctx, "init metar schema", func(ctx context.Context) error {
		_, err := d.SQL().ExecContext(ctx, schemaSQL)
		return err
	})
}

// report mirrors the aviationweather.gov decoded METAR payload. Wind
// direction and visibility arrive as either numbers or strings ("VRB",
// "10+"), so they stay raw until normalized.
type report struct {
	ICAOID   string          `json:"icaoId"`
	ObsTime  int64           `json:"obsTime"`
	Temp     *float64        `json:"temp"`
	Dewp     *float64        `json:"dewp"`
	Wdir     json.RawMessage `json:"wdir"`
	Wspd     *int            `json:"wspd"`
	Wgst     *int            `json:"wgst"`
	Visib    json.RawMessage `json:"visib"`
	Altim    *float64        `json:"altim"`
	WxString *string         `json:"wxString"`
	FltCat   string          `json:"fltCat"`
	RawOb    string          `json:"rawOb"`
	Clouds   []cloudLayer    `json:"clouds"`
}

type cloudLayer struct {
	Cover string `json:"cover"`
	Base  *int   `json:"base"`
}

func (c *Collector) Collect(ctx context.Context, d *db.DB, run *metrics.Run) error {
	reqURL := fmt.Sprintf("%s?ids=%s&format=json",
		c.baseURL, url.QueryEscape(strings.Join(c.stations, ",")))

	var reports []report
	if err := c.client.GetJSON(ctx, reqURL, &reports); err != nil {
		for _, station := range c.stations {
			run.ItemFailed(station, fmt.Sprintf("fetch METARs: %v", err), "metar")
		}
		return nil
	}

	// Keep the newest report per station; the API may return several.
	latest := make(map[string]report)
	for _, r := range reports {
		if prev, ok := latest[r.ICAOID]; !ok || r.ObsTime > prev.ObsTime {
			latest[r.ICAOID] = r
		}
	}

	fetchTime := c.now().UTC().Format(time.RFC3339)
	inserted := make(map[string]int)

	err := d.Batch(ctx, "store METAR observations", func(ctx context.Context, tx *db.Tx) error {
		clear(inserted)
		for _, station := range c.stations {
			r, ok := latest[station]
			if !ok {
				continue
			}
			obsTime := time.Unix(r.ObsTime, 0).UTC().Format(time.RFC3339)
			ceiling, sky := summarizeClouds(r.Clouds)

			res, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO metar (
					fetch_time, station_id, observation_time, raw_metar,
					wind_direction_deg, wind_speed_kt, wind_gust_kt,
					visibility_sm, weather_phenomena, ceiling_ft, sky_condition,
					temperature_c, dewpoint_c, altimeter_inhg, flight_category
				) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				fetchTime, station, obsTime, r.RawOb,
				windDirection(r.Wdir), r.Wspd, r.Wgst,
				visibilityMiles(r.Visib), r.WxString, ceiling, sky,
				r.Temp, r.Dewp, altimeterInHg(r.Altim), nullEmpty(r.FltCat))
			if err != nil {
				return fmt.Errorf("store METAR for %s: %w", station, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted[station] = int(n)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, station := range c.stations {
		if _, ok := latest[station]; !ok {
			run.ItemFailed(station, "no METAR returned for station", "metar")
			continue
		}
		run.ItemSucceeded(station, inserted[station], "metar")
	}
	return nil
}

// windDirection normalizes the wind direction field; variable winds ("VRB")
// are recorded as 0 degrees.
func windDirection(raw json.RawMessage) *int {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	s := strings.Trim(string(raw), `"`)
	if s == "VRB" {
		zero := 0
		return &zero
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &n
}

// visibilityMiles normalizes visibility; "10+" means ten or more statute
// miles and is recorded as 10.
func visibilityMiles(raw json.RawMessage) *float64 {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	s := strings.TrimSuffix(strings.Trim(string(raw), `"`), "+")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

// altimeterInHg converts the API's hectopascal altimeter to inches of
// mercury, matching the units pilots report.
func altimeterInHg(hpa *float64) *float64 {
	if hpa == nil {
		return nil
	}
	inhg := *hpa / 33.8639
	return &inhg
}

// summarizeClouds renders the layer list ("BKN080, OVC120") and picks the
// ceiling: the lowest broken or overcast base.
func summarizeClouds(layers []cloudLayer) (ceiling *int, sky *string) {
	var parts []string
	for _, l := range layers {
		if l.Base != nil {
			parts = append(parts, fmt.Sprintf("%s%03d", l.Cover, *l.Base/100))
		} else {
			parts = append(parts, l.Cover)
		}
		if (l.Cover == "BKN" || l.Cover == "OVC" || l.Cover == "VV") && l.Base != nil {
			if ceiling == nil || *l.Base < *ceiling {
				base := *l.Base
				ceiling = &base
			}
		}
	}
	if len(parts) == 0 {
		return nil, nil
	}
	joined := strings.Join(parts, ", ")
	return ceiling, &joined
}

func nullEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
