// Package httpapi exposes the archive's health and run-status endpoints so an
// external monitor can answer "did the last runs of collector X succeed"
// without opening the database itself.
package httpapi

import (
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"github.com/pikewx/weather-archive/internal/db"
	"github.com/pikewx/weather-archive/internal/metrics"
)

var validate = validator.New()

// dataTables are the tables the /tables endpoint reports row counts for.
var dataTables = []string{
	"metar",
	"forecast_snapshots",
	"hourly_snapshots",
	"observations",
	"alerts",
	"cpc_outlooks",
	"model_forecasts",
}

// RegisterRoutes wires the HTTP handlers into the Fiber app.
func RegisterRoutes(app *fiber.App, d *db.DB) {
	app.Get("/health", func(c *fiber.Ctx) error {
		if !db.CheckAccessible(d.Path(), 5*time.Second) {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "unavailable",
				"db":     d.Path(),
			})
		}
		return c.JSON(fiber.Map{
			"status":  "ok",
			"service": "weather-archive",
		})
	})

	v1 := app.Group("/api/v1")

	v1.Get("/runs", func(c *fiber.Ctx) error {
		var req runsQuery
		if err := req.bind(c); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}
		if err := validate.Struct(req); err != nil {
			return fiber.NewError(fiber.StatusBadRequest, err.Error())
		}

		runs, err := metrics.RecentRuns(c.Context(), d,
			time.Duration(req.Hours)*time.Hour, req.Collector, req.FailuresOnly)
		if err != nil {
			return fiber.NewError(fiber.StatusInternalServerError, "failed to query runs")
		}

		return c.JSON(fiber.Map{
			"hours": req.Hours,
			"runs":  runs,
		})
	})

	v1.Get("/runs/:id", func(c *fiber.Ctx) error {
		detail, err := metrics.GetRun(c.Context(), d, c.Params("id"))
		if err != nil {
			if errors.Is(err, metrics.ErrRunNotFound) {
				return fiber.NewError(fiber.StatusNotFound, "no such run")
			}
			return fiber.NewError(fiber.StatusInternalServerError, "failed to query run")
		}
		return c.JSON(detail)
	})

	v1.Get("/tables", func(c *fiber.Ctx) error {
		counts := make(map[string]int64, len(dataTables))
		for _, table := range dataTables {
			n, err := d.TableCount(c.Context(), table)
			if err != nil {
				// A collector that has never run has no table yet.
				counts[table] = 0
				continue
			}
			counts[table] = n
		}
		return c.JSON(fiber.Map{"tables": counts})
	})
}

// runsQuery holds query parameters for the runs listing.
type runsQuery struct {
	Collector    string `validate:"omitempty,oneof=metar nws cpc model"`
	Hours        int    `validate:"min=1,max=168"`
	FailuresOnly bool
}

func (q *runsQuery) bind(c *fiber.Ctx) error {
	q.Collector = c.Query("collector")
	q.Hours = c.QueryInt("hours", 24)
	switch c.Query("failures", "false") {
	case "true", "1":
		q.FailuresOnly = true
	case "false", "0":
		q.FailuresOnly = false
	default:
		return errors.New("failures must be true or false")
	}
	return nil
}
