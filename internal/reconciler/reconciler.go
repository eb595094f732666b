// Package reconciler re-emits jobs whose trigger fired but whose hand-off
// never completed.
//
// A job is undelivered when its trigger is fired and its delivery status is
// still pending after the threshold, e.g. because the event bus was full, the
// process crashed between claim and dispatch, or the circuit breaker
// deferred it. Re-emits are safe: the dispatcher skips jobs that already
// reached a terminal status.
package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/djlord-it/easy-mail/internal/domain"
)

type Store interface {
	GetUndeliveredJobs(ctx context.Context, firedBefore time.Time, maxResults int) ([]domain.JobWithTrigger, error)
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.FireEvent) error
}

// MetricsSink records reconciler metrics. Methods must not block.
type MetricsSink interface {
	ReconcileCycle(found, reemitted, failed int)
}

type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 5 minutes.
	Interval time.Duration

	// Threshold is how long a fired job may stay pending before it is re-emitted.
	// Default: 15 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of jobs re-emitted per cycle.
	// Default: 100.
	BatchSize int

	// MisfireThreshold classifies re-emitted events the same way the registry does.
	MisfireThreshold time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:         5 * time.Minute,
		Threshold:        15 * time.Minute,
		BatchSize:        100,
		MisfireThreshold: time.Minute,
	}
}

type Reconciler struct {
	config  Config
	store   Store
	emitter EventEmitter
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

func New(config Config, store Store, emitter EventEmitter) *Reconciler {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.MisfireThreshold <= 0 {
		config.MisfireThreshold = def.MisfireThreshold
	}
	return &Reconciler{
		config:  config,
		store:   store,
		emitter: emitter,
		clock:   time.Now,
	}
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// Run starts the reconciliation schedule and blocks until ctx is cancelled.
// A cycle still running when the next one is due is skipped, not queued.
func (r *Reconciler) Run(ctx context.Context) {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc("@every "+r.config.Interval.String(), func() { r.runCycle(ctx) }); err != nil {
		slog.Error("reconciler: invalid interval", "interval", r.config.Interval, "err", err)
		return
	}

	slog.Info("reconciler: started",
		"interval", r.config.Interval, "threshold", r.config.Threshold, "batch", r.config.BatchSize)

	// Run immediately on startup, then on schedule.
	r.runCycle(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	slog.Info("reconciler: stopped")
}

func (r *Reconciler) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	now := r.clock().UTC()
	firedBefore := now.Add(-r.config.Threshold)

	jobs, err := r.store.GetUndeliveredJobs(ctx, firedBefore, r.config.BatchSize)
	if err != nil {
		// Retried next interval.
		slog.Error("reconciler: failed to fetch undelivered jobs", "err", err)
		return
	}

	if len(jobs) == 0 {
		return
	}

	slog.Info("reconciler: found undelivered jobs", "count", len(jobs))

	emitted := 0
	failed := 0

	for _, jt := range jobs {
		if ctx.Err() != nil {
			slog.Info("reconciler: cycle interrupted", "processed", emitted+failed, "found", len(jobs))
			break
		}

		firedAt := now
		if jt.Trigger.FiredAt != nil {
			firedAt = jt.Trigger.FiredAt.UTC()
		}
		misfired := firedAt.Sub(jt.Trigger.FireAt) > r.config.MisfireThreshold
		event := domain.NewFireEvent(jt, firedAt, misfired)
		event.CreatedAt = now

		if err := r.emitter.Emit(ctx, event); err != nil {
			slog.Warn("reconciler: failed to re-emit", "job", jt.Job.ID, "err", err)
			failed++
			continue
		}

		slog.Info("reconciler: re-emitted",
			"job", jt.Job.ID,
			"scheduled_at", jt.Trigger.FireAt.Format(time.RFC3339),
			"age", now.Sub(firedAt).Round(time.Second))
		emitted++
	}

	if r.metrics != nil {
		r.metrics.ReconcileCycle(len(jobs), emitted, failed)
	}
	slog.Info("reconciler: cycle complete", "reemitted", emitted, "failed", failed)
}
