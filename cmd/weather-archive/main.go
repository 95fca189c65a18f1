package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	httpapi "github.com/pikewx/weather-archive/internal/api/http"
	"github.com/pikewx/weather-archive/internal/collector"
	"github.com/pikewx/weather-archive/internal/collector/cpc"
	"github.com/pikewx/weather-archive/internal/collector/metar"
	"github.com/pikewx/weather-archive/internal/collector/model"
	"github.com/pikewx/weather-archive/internal/collector/nws"
	"github.com/pikewx/weather-archive/internal/config"
	"github.com/pikewx/weather-archive/internal/db"
	"github.com/pikewx/weather-archive/internal/fetch"
	"github.com/pikewx/weather-archive/internal/scheduler"
)

func main() {
	once := flag.String("once", "", "run one collector (metar|nws|cpc|model) and exit")
	vacuum := flag.Bool("vacuum", false, "vacuum the store and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	d, err := db.Open(cfg.DBPath,
		db.WithBusyTimeout(cfg.BusyTimeout),
		db.WithRetryPolicy(cfg.Retry))
	if err != nil {
		log.Fatalf("failed to open store at %s: %v", cfg.DBPath, err)
	}
	defer d.Close()

	if *vacuum {
		log.Printf("INFO: vacuuming %s", cfg.DBPath)
		if err := d.Vacuum(context.Background()); err != nil {
			log.Fatalf("vacuum failed: %v", err)
		}
		return
	}

	collectors := buildCollectors(cfg)

	// Run-once mode: one collector, one exit code. This is how the OS
	// scheduler invokes each collector as an independent process.
	if *once != "" {
		c, ok := collectors[*once]
		if !ok {
			log.Fatalf("unknown collector %q", *once)
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		code := collector.Run(ctx, d, c)
		d.Close()
		os.Exit(code)
	}

	// Daemon mode: staggered schedule plus the status API.
	sched := scheduler.New(d)
	for name, c := range collectors {
		s, ok := cfg.Schedules[name]
		if !ok {
			log.Fatalf("no schedule configured for collector %q", name)
		}
		sched.Add(c, s)
	}
	if err := sched.Start(); err != nil {
		log.Fatalf("failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	app := fiber.New(fiber.Config{
		AppName:               "weather-archive",
		DisableStartupMessage: true,
		ReadTimeout:           10 * time.Second,
		WriteTimeout:          10 * time.Second,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			// Centralized error response
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}
			return c.Status(code).JSON(fiber.Map{
				"error":   true,
				"message": err.Error(),
			})
		},
	})

	app.Use(logger.New())
	app.Use(recover.New())

	httpapi.RegisterRoutes(app, d)

	go func() {
		if err := app.Listen(":" + cfg.Port); err != nil {
			log.Printf("fiber server stopped: %v", err)
		}
	}()

	log.Printf("INFO: weather-archive up: store=%s port=%s collectors=%d",
		cfg.DBPath, cfg.Port, len(collectors))

	// Wait for termination signal
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Printf("error during shutdown: %v", err)
	}
}

// buildCollectors wires each collector with its own upstream client so one
// source's circuit breaker cannot trip the others.
func buildCollectors(cfg *config.AppConfig) map[string]collector.Collector {
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	return map[string]collector.Collector{
		"metar": metar.New(fetch.NewClient("metar", httpClient, cfg.UserAgent), cfg.MetarStations),
		"nws": nws.New(fetch.NewClient("nws", httpClient, cfg.UserAgent),
			cfg.NWSOffice, cfg.NWSGridX, cfg.NWSGridY, cfg.NWSStation,
			cfg.Latitude, cfg.Longitude),
		"cpc": cpc.New(fetch.NewClient("cpc", httpClient, cfg.UserAgent)),
		"model": model.New(fetch.NewClient("model", httpClient, cfg.UserAgent),
			cfg.Latitude, cfg.Longitude),
	}
}
