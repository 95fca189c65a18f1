// Package nws collects gridpoint forecasts, hourly forecasts, the latest
// station observation and active alerts from api.weather.gov.
package nws

import (
	"context"
	"fmt"
	"time"

	"github.com/pikewx/weather-archive/internal/db"
	"github.com/pikewx/weather-archive/internal/fetch"
	"github.com/pikewx/weather-archive/internal/metrics"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS forecast_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fetch_time TEXT NOT NULL,
	period_number INTEGER NOT NULL,
	period_name TEXT,
	start_time TEXT,
	end_time TEXT,
	is_daytime INTEGER,
	temperature_f INTEGER,
	wind_speed TEXT,
	wind_direction TEXT,
	precip_chance_pct REAL,
	short_forecast TEXT,
	detailed_forecast TEXT
);
CREATE INDEX IF NOT EXISTS idx_forecast_fetch ON forecast_snapshots(fetch_time);

CREATE TABLE IF NOT EXISTS hourly_snapshots (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fetch_time TEXT NOT NULL,
	valid_time TEXT NOT NULL,
	temperature_f INTEGER,
	wind_speed TEXT,
	wind_direction TEXT,
	precip_chance_pct REAL,
	short_forecast TEXT
);
CREATE INDEX IF NOT EXISTS idx_hourly_fetch ON hourly_snapshots(fetch_time);

CREATE TABLE IF NOT EXISTS observations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fetch_time TEXT NOT NULL,
	station_id TEXT NOT NULL,
	observation_time TEXT NOT NULL,
	temperature_c REAL,
	dewpoint_c REAL,
	wind_direction_deg REAL,
	wind_speed_kmh REAL,
	pressure_pa REAL,
	visibility_m REAL,
	relative_humidity_pct REAL,
	precip_last_hour_mm REAL,
	description TEXT,
	UNIQUE(station_id, observation_time)
);
CREATE INDEX IF NOT EXISTS idx_obs_time ON observations(observation_time);

CREATE TABLE IF NOT EXISTS alerts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	fetch_time TEXT NOT NULL,
	alert_id TEXT NOT NULL,
	event TEXT,
	severity TEXT,
	urgency TEXT,
	certainty TEXT,
	headline TEXT,
	description TEXT,
	area TEXT,
	sent TEXT,
	effective TEXT,
	onset TEXT,
	expires TEXT,
	ends TEXT,
	UNIQUE(alert_id, sent)
);
CREATE INDEX IF NOT EXISTS idx_alerts_sent ON alerts(sent);
`

// hourlyHorizon bounds how many hourly periods each snapshot keeps. The API
// returns a week of hours; past the first day they change too much between
// fetches to be worth archiving every hour.
const hourlyHorizon = 24

// Collector pulls four products for one forecast point: the 12-period
// forecast, the hourly forecast, the latest observation from the nearest
// station, and active alerts for the point. Forecast and hourly rows are
// snapshots keyed by fetch time; observations and alerts carry natural keys
// and are inserted with ignore-on-duplicate.
type Collector struct {
	client  *fetch.Client
	office  string
	gridX   int
	gridY   int
	station string
	lat     float64
	lon     float64
	baseURL string
	now     func() time.Time
}

// New creates the NWS collector for one gridpoint and its nearest station.
func New(client *fetch.Client, office string, gridX, gridY int, station string, lat, lon float64) *Collector {
	return &Collector{
		client:  client,
		office:  office,
		gridX:   gridX,
		gridY:   gridY,
		station: station,
		lat:     lat,
		lon:     lon,
		baseURL: "https://api.weather.gov",
		now:     time.Now,
	}
}

func (c *Collector) Name() string { return "nws" }

func (c *Collector) ExpectedItems() int { return 4 }

func (c *Collector) InitSchema(ctx context.Context, d *db.DB) error {
	return d.ExecuteWithRetry(ctx, "init nws schema", func(ctx context.Context) error {
		_, err := d.SQL().ExecContext(ctx, schemaSQL)
		return err
	})
}

// quantity is the api.weather.gov quantitative value wrapper.
type quantity struct {
	Value *float64 `json:"value"`
}

type forecastPeriod struct {
	Number           int      `json:"number"`
	Name             string   `json:"name"`
	StartTime        string   `json:"startTime"`
	EndTime          string   `json:"endTime"`
	IsDaytime        bool     `json:"isDaytime"`
	Temperature      int      `json:"temperature"`
	WindSpeed        string   `json:"windSpeed"`
	WindDirection    string   `json:"windDirection"`
	ShortForecast    string   `json:"shortForecast"`
	DetailedForecast string   `json:"detailedForecast"`
	PrecipChance     quantity `json:"probabilityOfPrecipitation"`
}

type forecastResponse struct {
	Properties struct {
		Periods []forecastPeriod `json:"periods"`
	} `json:"properties"`
}

type observationResponse struct {
	Properties struct {
		Timestamp         string   `json:"timestamp"`
		TextDescription   string   `json:"textDescription"`
		Temperature       quantity `json:"temperature"`
		Dewpoint          quantity `json:"dewpoint"`
		WindDirection     quantity `json:"windDirection"`
		WindSpeed         quantity `json:"windSpeed"`
		BarometricPress   quantity `json:"barometricPressure"`
		Visibility        quantity `json:"visibility"`
		RelativeHumidity  quantity `json:"relativeHumidity"`
		PrecipLastHour    quantity `json:"precipitationLastHour"`
	} `json:"properties"`
}

type alertFeature struct {
	Properties struct {
		ID          string `json:"id"`
		Event       string `json:"event"`
		Severity    string `json:"severity"`
		Urgency     string `json:"urgency"`
		Certainty   string `json:"certainty"`
		Headline    string `json:"headline"`
		Description string `json:"description"`
		AreaDesc    string `json:"areaDesc"`
		Sent        string `json:"sent"`
		Effective   string `json:"effective"`
		Onset       string `json:"onset"`
		Expires     string `json:"expires"`
		Ends        string `json:"ends"`
	} `json:"properties"`
}

type alertsResponse struct {
	Features []alertFeature `json:"features"`
}

func (c *Collector) Collect(ctx context.Context, d *db.DB, run *metrics.Run) error {
	// Fetch everything first. Failed products become failed items; whatever
	// arrived intact is written in one transaction afterwards.
	var (
		forecast    *forecastResponse
		hourly      *forecastResponse
		observation *observationResponse
		alerts      *alertsResponse
	)
	fetchErrs := make(map[string]error)

	gridBase := fmt.Sprintf("%s/gridpoints/%s/%d,%d", c.baseURL, c.office, c.gridX, c.gridY)

	forecast = &forecastResponse{}
	if err := c.client.GetJSON(ctx, gridBase+"/forecast", forecast); err != nil {
		fetchErrs["forecast"] = err
		forecast = nil
	}
	hourly = &forecastResponse{}
	if err := c.client.GetJSON(ctx, gridBase+"/forecast/hourly", hourly); err != nil {
		fetchErrs["hourly"] = err
		hourly = nil
	}
	observation = &observationResponse{}
	obsURL := fmt.Sprintf("%s/stations/%s/observations/latest", c.baseURL, c.station)
	if err := c.client.GetJSON(ctx, obsURL, observation); err != nil {
		fetchErrs["observations"] = err
		observation = nil
	}
	alerts = &alertsResponse{}
	alertsURL := fmt.Sprintf("%s/alerts/active?point=%.4f,%.4f", c.baseURL, c.lat, c.lon)
	if err := c.client.GetJSON(ctx, alertsURL, alerts); err != nil {
		fetchErrs["alerts"] = err
		alerts = nil
	}

	fetchTime := c.now().UTC().Format(time.RFC3339)
	counts := make(map[string]int)

	err := d.Batch(ctx, "store nws products", func(ctx context.Context, tx *db.Tx) error {
		clear(counts)

		if forecast != nil {
			for _, p := range forecast.Properties.Periods {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO forecast_snapshots
					(fetch_time, period_number, period_name, start_time, end_time,
					 is_daytime, temperature_f, wind_speed, wind_direction,
					 precip_chance_pct, short_forecast, detailed_forecast)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					fetchTime, p.Number, p.Name, p.StartTime, p.EndTime,
					p.IsDaytime, p.Temperature, p.WindSpeed, p.WindDirection,
					p.PrecipChance.Value, p.ShortForecast, p.DetailedForecast)
				if err != nil {
					return fmt.Errorf("store forecast period %d: %w", p.Number, err)
				}
				counts["forecast"]++
			}
		}

		if hourly != nil {
			periods := hourly.Properties.Periods
			if len(periods) > hourlyHorizon {
				periods = periods[:hourlyHorizon]
			}
			for _, p := range periods {
				_, err := tx.ExecContext(ctx, `
					INSERT INTO hourly_snapshots
					(fetch_time, valid_time, temperature_f, wind_speed,
					 wind_direction, precip_chance_pct, short_forecast)
					VALUES (?, ?, ?, ?, ?, ?, ?)`,
					fetchTime, p.StartTime, p.Temperature, p.WindSpeed,
					p.WindDirection, p.PrecipChance.Value, p.ShortForecast)
				if err != nil {
					return fmt.Errorf("store hourly period: %w", err)
				}
				counts["hourly"]++
			}
		}

		if observation != nil {
			o := observation.Properties
			res, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO observations
				(fetch_time, station_id, observation_time, temperature_c,
				 dewpoint_c, wind_direction_deg, wind_speed_kmh, pressure_pa,
				 visibility_m, relative_humidity_pct, precip_last_hour_mm, description)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				fetchTime, c.station, o.Timestamp, o.Temperature.Value,
				o.Dewpoint.Value, o.WindDirection.Value, o.WindSpeed.Value,
				o.BarometricPress.Value, o.Visibility.Value,
				o.RelativeHumidity.Value, o.PrecipLastHour.Value,
				nullEmpty(o.TextDescription))
			if err != nil {
				return fmt.Errorf("store observation: %w", err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			counts["observations"] = int(n)
		}

		if alerts != nil {
			for _, f := range alerts.Features {
				a := f.Properties
				res, err := tx.ExecContext(ctx, `
					INSERT OR IGNORE INTO alerts
					(fetch_time, alert_id, event, severity, urgency, certainty,
					 headline, description, area, sent, effective, onset, expires, ends)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					fetchTime, a.ID, a.Event, a.Severity, a.Urgency, a.Certainty,
					a.Headline, a.Description, a.AreaDesc,
					a.Sent, a.Effective, nullEmpty(a.Onset),
					nullEmpty(a.Expires), nullEmpty(a.Ends))
				if err != nil {
					return fmt.Errorf("store alert %s: %w", a.ID, err)
				}
				n, err := res.RowsAffected()
				if err != nil {
					return err
				}
				counts["alerts"] += int(n)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, product := range []string{"forecast", "hourly", "observations", "alerts"} {
		if fetchErr, failed := fetchErrs[product]; failed {
			run.ItemFailed(product, fmt.Sprintf("fetch %s: %v", product, fetchErr), "nws")
			continue
		}
		run.ItemSucceeded(product, counts[product], "nws")
	}
	return nil
}

func nullEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
