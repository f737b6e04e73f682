package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/honeynil/PointsLedgerService/internal/config"
	service "github.com/honeynil/PointsLedgerService/internal/services"
	"github.com/robfig/cron/v3"
)

const jobTimeout = 5 * time.Minute

// Scheduler runs the periodic maintenance jobs.
type Scheduler struct {
	cron *cron.Cron
	jobs *JobRunner
}

// NewScheduler registers every job under its configured cron expression.
// Expressions carry a seconds field and are evaluated in UTC.
func NewScheduler(jobs *JobRunner, cfg config.Schedule) (*Scheduler, error) {
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithSeconds(),
	)

	s := &Scheduler{cron: c, jobs: jobs}
	if err := s.registerJobs(cfg); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) registerJobs(cfg config.Schedule) error {
	// Pending vouchers past their TTL
	if _, err := s.cron.AddFunc(cfg.ExpireVouchers, s.jobs.ExpireVouchers); err != nil {
		return fmt.Errorf("failed to register ExpireVouchers job: %w", err)
	}

	// Nightly balance check against the log
	if _, err := s.cron.AddFunc(cfg.ReconcileBalance, s.jobs.ReconcileBalance); err != nil {
		return fmt.Errorf("failed to register ReconcileBalance job: %w", err)
	}

	slog.Info("cron jobs registered", "entries", len(s.cron.Entries()))
	return nil
}

func (s *Scheduler) Start() {
	slog.Info("starting cron scheduler")
	s.cron.Start()
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	slog.Info("stopping cron scheduler")
	ctx := s.cron.Stop()
	<-ctx.Done()
	slog.Info("cron scheduler stopped")
}

// JobRunner holds the job bodies. Each job is safe to call by hand.
type JobRunner struct {
	vouchers service.VoucherService
	ledger   service.LedgerService
	now      func() time.Time
}

func NewJobRunner(vouchers service.VoucherService, ledger service.LedgerService) *JobRunner {
	return &JobRunner{
		vouchers: vouchers,
		ledger:   ledger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// runWithRecovery wraps job execution with panic recovery
func (jr *JobRunner) runWithRecovery(jobName string, jobFunc func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job panicked", "job", jobName, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := time.Now()
	slog.Info("starting job", "job", jobName)
	if err := jobFunc(ctx); err != nil {
		slog.Error("job failed", "job", jobName, "error", err, "duration", time.Since(start))
		return
	}
	slog.Info("job completed", "job", jobName, "duration", time.Since(start))
}

func (jr *JobRunner) ExpireVouchers() {
	jr.runWithRecovery("ExpireVouchers", func(ctx context.Context) error {
		_, err := jr.vouchers.ExpireStale(ctx, jr.now())
		return err
	})
}

func (jr *JobRunner) ReconcileBalance() {
	jr.runWithRecovery("ReconcileBalance", func(ctx context.Context) error {
		_, err := jr.ledger.Reconcile(ctx)
		return err
	})
}
