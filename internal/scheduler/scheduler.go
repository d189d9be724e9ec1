// Package scheduler drives the reconciliation batch jobs on a fixed
// interval. A database-backed claim keeps concurrent workers from
// double-processing the same batch.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mahmoudsheikh94/contractors-mall-sub000/internal/service"
)

var (
	batchRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_scheduler_runs_total",
		Help: "Scheduler ticks, labeled by outcome",
	}, []string{"outcome"})

	batchItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_scheduler_items_total",
		Help: "Batch items processed, labeled by job and result",
	}, []string{"job", "result"})

	batchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "escrow_scheduler_batch_duration_seconds",
		Help:    "Batch run latency",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60},
	}, []string{"job"})
)

const lockName = "escrow_reconciliation"

// BatchRunner is the slice of the orchestrator the scheduler drives.
type BatchRunner interface {
	ProcessScheduledReleases(ctx context.Context) (service.BatchResult, error)
	ProcessScheduledRefunds(ctx context.Context) (service.BatchResult, error)
}

// Locker is the claimed-until job lock, database-backed so the guarantee
// holds across orchestrator instances.
type Locker interface {
	TryAcquireJobLock(ctx context.Context, name, token string, until time.Time) (bool, error)
	ReleaseJobLock(ctx context.Context, name, token string) error
}

type Scheduler struct {
	runner   BatchRunner
	locker   Locker
	logger   *slog.Logger
	interval time.Duration
	lockTTL  time.Duration
}

func New(runner BatchRunner, locker Locker, logger *slog.Logger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		locker:   locker,
		logger:   logger,
		interval: interval,
		// The claim outlives one tick so a crashed worker's lock expires
		// before the next worker's second attempt.
		lockTTL: 2 * interval,
	}
}

// Run executes batches on the interval until the context is cancelled.
// The first tick fires immediately. Shutdown is graceful: the orchestrator
// stops between transactions, never mid-transaction.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.tick(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	token := uuid.NewString()
	claimed, err := s.locker.TryAcquireJobLock(ctx, lockName, token, time.Now().UTC().Add(s.lockTTL))
	if err != nil {
		batchRuns.WithLabelValues("lock_error").Inc()
		s.logger.ErrorContext(ctx, "job lock acquisition failed", "error", err)
		return
	}
	if !claimed {
		batchRuns.WithLabelValues("skipped").Inc()
		s.logger.InfoContext(ctx, "batch skipped, lock held elsewhere")
		return
	}
	defer func() {
		if err := s.locker.ReleaseJobLock(context.WithoutCancel(ctx), lockName, token); err != nil {
			s.logger.ErrorContext(ctx, "job lock release failed", "error", err)
		}
	}()

	s.runJob(ctx, "releases", s.runner.ProcessScheduledReleases)
	s.runJob(ctx, "refunds", s.runner.ProcessScheduledRefunds)
	batchRuns.WithLabelValues("completed").Inc()
}

func (s *Scheduler) runJob(ctx context.Context, name string, job func(context.Context) (service.BatchResult, error)) {
	if ctx.Err() != nil {
		return
	}
	timer := prometheus.NewTimer(batchDuration.WithLabelValues(name))
	defer timer.ObserveDuration()

	res, err := job(ctx)
	batchItems.WithLabelValues(name, "succeeded").Add(float64(res.Succeeded))
	batchItems.WithLabelValues(name, "failed").Add(float64(len(res.Errors)))
	if err != nil && ctx.Err() == nil {
		s.logger.ErrorContext(ctx, "batch job failed",
			"job", name, "processed", res.Processed, "error", err)
	}
}
