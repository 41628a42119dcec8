/**
 * @description
 * Cron scheduler setup for the reconciliation job.
 */
package app

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reconciler runs one sweep over outstanding disbursements.
type Reconciler interface {
	ReconcileOutstandingDisbursements(ctx context.Context, limit int) (*ReconcileResult, error)
}

// Jobs contains the logic for scheduled tasks.
type Jobs struct {
	reconciler Reconciler
	batchLimit int
	timeout    time.Duration
	logger     *zap.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(reconciler Reconciler, batchLimit int, logger *zap.Logger) *Jobs {
	return &Jobs{
		reconciler: reconciler,
		batchLimit: NormalizeReconcileLimit(batchLimit),
		timeout:    reconcileLockTTL,
		logger:     logger,
	}
}

// ReconcileDisbursements resolves disbursements still waiting for settlement.
func (j *Jobs) ReconcileDisbursements() {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	result, err := j.reconciler.ReconcileOutstandingDisbursements(ctx, j.batchLimit)
	if err != nil {
		if errors.Is(err, ErrSweepInProgress) {
			j.logger.Info("reconcile job skipped; another sweep holds the lock")
			return
		}
		j.logger.Error("reconcile job failed", zap.Error(err))
		return
	}
	if result.Scanned > 0 {
		j.logger.Info("reconcile job finished", zap.Int("scanned", result.Scanned), zap.Int("errors", result.Errors))
	}
}

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron     *cron.Cron
	jobs     *Jobs
	logger   *zap.Logger
	schedule string
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *zap.Logger, schedule string) *Scheduler {
	cronLogger := cron.PrintfLogger(zap.NewStdLog(logger))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		jobs:     jobs,
		logger:   logger,
		schedule: schedule,
	}
}

// Start registers the jobs and starts the cron scheduler.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.jobs.ReconcileDisbursements); err != nil {
		s.logger.Error("failed to schedule reconcile job", zap.String("schedule", s.schedule), zap.Error(err))
		return err
	}
	s.logger.Info("scheduled reconcile job", zap.String("schedule", s.schedule))

	s.cron.Start()
	return nil
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
