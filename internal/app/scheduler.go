/**
 * @description
 * Cron scheduler setup for the background jobs.
 */
package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// ScheduleConfig holds the cron expressions for each job. An empty expression disables the job.
type ScheduleConfig struct {
	CapitalReconcile string
	ConsentExpiry    string
	StalePayments    string
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config ScheduleConfig
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg ScheduleConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. It returns the number of
// jobs that were scheduled.
func (s *Scheduler) Start() int {
	entries := []struct {
		name     string
		schedule string
		run      func()
	}{
		{name: "capital reconcile", schedule: s.config.CapitalReconcile, run: s.jobs.ReconcileCapital},
		{name: "consent expiry", schedule: s.config.ConsentExpiry, run: s.jobs.ExpireConsents},
		{name: "stale payment sweep", schedule: s.config.StalePayments, run: s.jobs.SweepStalePayments},
	}

	scheduled := 0
	for _, e := range entries {
		if e.schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(e.schedule, e.run); err != nil {
			s.logger.Error("failed to schedule job", "job", e.name, "error", err)
			continue
		}
		s.logger.Info("scheduled job", "job", e.name, "schedule", e.schedule)
		scheduled++
	}

	s.cron.Start()
	return scheduled
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
