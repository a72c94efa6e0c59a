package app

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultReconcileSchedule is used when no schedule is configured.
const DefaultReconcileSchedule = "@every 1m"

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	reconciler *Reconciler
	schedule   string
	logger     *slog.Logger
}

// NewScheduler creates a new scheduler instance. Overlapping runs of the
// reconciler are skipped, not queued.
func NewScheduler(reconciler *Reconciler, schedule string, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))
	if schedule == "" {
		schedule = DefaultReconcileSchedule
	}

	return &Scheduler{
		cron:       c,
		reconciler: reconciler,
		schedule:   schedule,
		logger:     logger,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.reconciler.Run); err != nil {
		s.logger.Error("failed to schedule transfer reconciliation job", "error", err)
		return err
	}
	s.logger.Info("scheduled transfer reconciliation job", "schedule", s.schedule)

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
