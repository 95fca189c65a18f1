// Package scheduler runs the collectors on a staggered cadence. Each
// collector fires at its own minute offset past the period boundary so no
// two of them hit the shared database at the same instant.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/pikewx/weather-archive/internal/collector"
	"github.com/pikewx/weather-archive/internal/config"
	"github.com/pikewx/weather-archive/internal/db"
)

// runTimeout bounds one collection run. Generous next to the retry budget
// (3 attempts x 10s plus the 30s busy timeout) but finite, so a wedged
// upstream cannot pile runs on top of each other.
const runTimeout = 10 * time.Minute

type job struct {
	collector collector.Collector
	schedule  config.Schedule
}

// Scheduler owns the gocron instance and the registered collector jobs.
type Scheduler struct {
	scheduler *gocron.Scheduler
	d         *db.DB
	jobs      []job
}

// New creates a Scheduler writing through the given store.
func New(d *db.DB) *Scheduler {
	return &Scheduler{
		scheduler: gocron.NewScheduler(time.UTC),
		d:         d,
	}
}

// Add registers a collector with its cadence. Takes effect at Start.
func (s *Scheduler) Add(c collector.Collector, sched config.Schedule) {
	s.jobs = append(s.jobs, job{collector: c, schedule: sched})
}

// Start validates the stagger and schedules every registered job. Two
// collectors sharing a minute offset would collide on the write lock every
// period, so duplicate offsets are a startup error.
func (s *Scheduler) Start() error {
	if len(s.jobs) == 0 {
		log.Printf("INFO: scheduler: no collectors registered, nothing to schedule")
		return nil
	}

	seen := make(map[time.Duration]string)
	for _, j := range s.jobs {
		if other, dup := seen[j.schedule.Offset]; dup {
			return fmt.Errorf("collectors %s and %s share minute offset %s",
				j.collector.Name(), other, j.schedule.Offset)
		}
		seen[j.schedule.Offset] = j.collector.Name()
	}

	now := time.Now().UTC()
	for _, j := range s.jobs {
		j := j
		first := nextFireTime(now, j.schedule)
		_, err := s.scheduler.Every(j.schedule.Period).StartAt(first).Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
			defer cancel()
			collector.Run(ctx, s.d, j.collector)
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", j.collector.Name(), err)
		}
		log.Printf("INFO: scheduler: %s every %s, first run %s",
			j.collector.Name(), j.schedule.Period, first.Format(time.RFC3339))
	}

	s.scheduler.StartAsync()
	return nil
}

// Stop stops the scheduler and cancels any future jobs.
func (s *Scheduler) Stop() {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}

// nextFireTime anchors a schedule to wall-clock boundaries: the next multiple
// of the period (counted from midnight UTC) plus the stagger offset that is
// still in the future.
func nextFireTime(now time.Time, sched config.Schedule) time.Time {
	boundary := now.Truncate(sched.Period)
	t := boundary.Add(sched.Offset)
	if !t.After(now) {
		t = t.Add(sched.Period)
	}
	return t
}
