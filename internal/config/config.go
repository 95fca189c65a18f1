package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/pikewx/weather-archive/internal/db"
)

// Schedule is one collector's cadence: how often it runs and which minute
// past the period boundary it fires at. Offsets keep the collectors from
// contending for the database write lock at the same instant.
type Schedule struct {
	Period time.Duration
	Offset time.Duration
}

type AppConfig struct {
	// DBPath is the shared SQLite archive every collector writes to.
	DBPath string

	// UserAgent identifies us to the upstream APIs. api.weather.gov rejects
	// anonymous clients, so it should carry contact info.
	UserAgent string

	// MetarStations are the ICAO identifiers the METAR collector fetches.
	MetarStations []string

	// NWS forecast point: office grid plus the nearest observation station.
	NWSOffice  string
	NWSGridX   int
	NWSGridY   int
	NWSStation string

	// Point coordinates, used for alerts and model guidance.
	Latitude  float64
	Longitude float64

	HTTPTimeout time.Duration

	// Storage contention knobs.
	BusyTimeout time.Duration
	Retry       db.RetryPolicy

	// Schedules keyed by collector name.
	Schedules map[string]Schedule

	Port string
}

// Load reads configuration from environment with sensible defaults.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("INFO: No .env file found or error loading it: %v", err)
	}

	cfg := &AppConfig{
		DBPath:     getenvDefault("WEATHER_DB_PATH", "data/weather.db"),
		UserAgent:  getenvDefault("WEATHER_USER_AGENT", "weather-archive (github.com/pikewx/weather-archive)"),
		NWSOffice:  getenvDefault("NWS_OFFICE", "PUB"),
		NWSStation: getenvDefault("NWS_STATION", "KCOS"),
		Port:       getenvDefault("PORT", "8080"),
	}

	stations := getenvDefault("METAR_STATIONS", "KCOS,KPUB,KAFF")
	for _, s := range strings.Split(stations, ",") {
		s = strings.TrimSpace(strings.ToUpper(s))
		if s != "" {
			cfg.MetarStations = append(cfg.MetarStations, s)
		}
	}
	if len(cfg.MetarStations) == 0 {
		return nil, fmt.Errorf("METAR_STATIONS must name at least one station")
	}

	cfg.NWSGridX = getenvInt("NWS_GRID_X", 93)
	cfg.NWSGridY = getenvInt("NWS_GRID_Y", 91)

	var err error
	if cfg.Latitude, err = getenvFloat("POINT_LAT", 38.8339); err != nil {
		return nil, err
	}
	if cfg.Longitude, err = getenvFloat("POINT_LON", -104.8214); err != nil {
		return nil, err
	}

	if cfg.HTTPTimeout, err = getenvDuration("HTTP_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.BusyTimeout, err = getenvDuration("DB_BUSY_TIMEOUT", db.DefaultBusyTimeout); err != nil {
		return nil, err
	}

	cfg.Retry = db.DefaultRetryPolicy()
	cfg.Retry.Attempts = getenvInt("DB_RETRY_ATTEMPTS", cfg.Retry.Attempts)
	if cfg.Retry.Delay, err = getenvDuration("DB_RETRY_DELAY", cfg.Retry.Delay); err != nil {
		return nil, err
	}
	if cfg.Retry.Attempts < 1 {
		return nil, fmt.Errorf("DB_RETRY_ATTEMPTS must be at least 1")
	}

	cfg.Schedules = make(map[string]Schedule)
	for name, def := range map[string]Schedule{
		"metar": {Period: time.Hour, Offset: 12 * time.Minute},
		"nws":   {Period: time.Hour, Offset: 27 * time.Minute},
		"cpc":   {Period: 6 * time.Hour, Offset: 42 * time.Minute},
		"model": {Period: 6 * time.Hour, Offset: 54 * time.Minute},
	} {
		prefix := strings.ToUpper(name)
		period, err := getenvDuration(prefix+"_PERIOD", def.Period)
		if err != nil {
			return nil, err
		}
		offsetMin := getenvInt(prefix+"_OFFSET", int(def.Offset.Minutes()))
		sched := Schedule{Period: period, Offset: time.Duration(offsetMin) * time.Minute}
		if sched.Period < time.Minute {
			return nil, fmt.Errorf("%s_PERIOD %s is shorter than a minute", prefix, sched.Period)
		}
		if sched.Offset < 0 || sched.Offset >= sched.Period {
			return nil, fmt.Errorf("%s_OFFSET %s must fall inside the period %s", prefix, sched.Offset, sched.Period)
		}
		cfg.Schedules[name] = sched
	}

	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
