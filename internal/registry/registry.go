// Package registry owns pending email jobs and the timing loop that fires them.
//
// Register persists a job and its trigger in one transaction and wakes the
// loop. Run arms a timer for the earliest pending trigger (bounded by the
// sweep interval) and, on every wake, claims due triggers from the store.
// Claims are exclusive per trigger, so a trigger is handed to the emitter at
// most once no matter how many sweeps or instances race for it.
//
// Triggers whose instant passed while nothing was sweeping (downtime, restart,
// backlog) are claimed on the first sweep that sees them and fire immediately.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-mail/internal/domain"
)

var (
	// ErrDuplicateJob is returned by stores when the job or trigger key already exists.
	ErrDuplicateJob = errors.New("job already exists")

	// ErrClosed is returned by Register after Close.
	ErrClosed = errors.New("registry closed")
)

type Store interface {
	// CreateJob persists the job and its trigger atomically: both or neither.
	CreateJob(ctx context.Context, job domain.ScheduledJob, trigger domain.Trigger) error

	// ClaimDueTriggers moves pending triggers with FireAt <= now to fired and
	// returns them with their jobs. A trigger is returned by at most one call.
	ClaimDueTriggers(ctx context.Context, now time.Time, limit int) ([]domain.JobWithTrigger, error)

	// NextFireTime returns the earliest FireAt among pending triggers.
	NextFireTime(ctx context.Context) (next time.Time, ok bool, err error)
}

type EventEmitter interface {
	Emit(ctx context.Context, event domain.FireEvent) error
}

// MetricsSink records registry metrics. Methods must not block.
type MetricsSink interface {
	JobRegistered()
	RegistrationFailed()
	TriggerFired(misfired bool, lateness time.Duration)
	SweepCompleted(duration time.Duration, fired int, err error)
}

type Config struct {
	// SweepInterval bounds how long the loop sleeps without checking the store.
	SweepInterval time.Duration

	// BatchSize is the maximum number of triggers claimed per store call.
	BatchSize int

	// MisfireThreshold is how late a fire may be before it counts as a misfire.
	MisfireThreshold time.Duration
}

func DefaultConfig() Config {
	return Config{
		SweepInterval:    time.Second,
		BatchSize:        100,
		MisfireThreshold: time.Minute,
	}
}

const maxIDAttempts = 3

type Registry struct {
	config  Config
	store   Store
	emitter EventEmitter
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
	newID   func() uuid.UUID
	wake    chan struct{}
	closed  atomic.Bool
}

func New(config Config, store Store, emitter EventEmitter) *Registry {
	def := DefaultConfig()
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.MisfireThreshold <= 0 {
		config.MisfireThreshold = def.MisfireThreshold
	}
	return &Registry{
		config:  config,
		store:   store,
		emitter: emitter,
		clock:   time.Now,
		newID:   uuid.New,
		wake:    make(chan struct{}, 1),
	}
}

// WithMetrics attaches a metrics sink to the registry.
func (r *Registry) WithMetrics(sink MetricsSink) *Registry {
	r.metrics = sink
	return r
}

// Now is the clock used for both schedule validation and firing decisions.
func (r *Registry) Now() time.Time {
	return r.clock()
}

// Close stops accepting registrations. Pending jobs stay in the store and
// fire on the next Run.
func (r *Registry) Close() {
	r.closed.Store(true)
}

// Register persists a new job+trigger pair firing at fireAt.
// It does not check fireAt against the clock; callers do that once.
func (r *Registry) Register(ctx context.Context, payload map[string]string, fireAt time.Time) (domain.JobKey, error) {
	if r.closed.Load() {
		return domain.JobKey{}, ErrClosed
	}

	now := r.clock().UTC()
	var lastErr error

	for attempt := 1; attempt <= maxIDAttempts; attempt++ {
		job, trigger := r.build(payload, fireAt, now)

		err := r.store.CreateJob(ctx, job, trigger)
		if err == nil {
			if r.metrics != nil {
				r.metrics.JobRegistered()
			}
			slog.Info("registry: registered",
				"job", job.ID, "group", job.GroupKey, "fire_at", trigger.FireAt.Format(time.RFC3339))
			r.notify()
			return job.Key(), nil
		}

		lastErr = err
		if !errors.Is(err, ErrDuplicateJob) {
			break
		}
		slog.Warn("registry: job id collision, regenerating", "job", job.ID, "attempt", attempt)
	}

	if r.metrics != nil {
		r.metrics.RegistrationFailed()
	}
	return domain.JobKey{}, fmt.Errorf("persist job: %w", lastErr)
}

func (r *Registry) build(payload map[string]string, fireAt, now time.Time) (domain.ScheduledJob, domain.Trigger) {
	id := r.newID()

	job := domain.ScheduledJob{
		ID:             id,
		GroupKey:       domain.JobGroupEmail,
		Description:    domain.JobDescriptionEmail,
		Payload:        domain.ClonePayload(payload),
		DeliveryStatus: domain.DeliveryStatusPending,
		CreatedAt:      now,
	}

	trigger := domain.Trigger{
		JobID:         id,
		Key:           domain.TriggerKeyFor(id),
		Group:         domain.TriggerGroupEmail,
		Description:   domain.TriggerDescriptionEmail,
		FireAt:        fireAt.UTC(),
		MisfirePolicy: domain.MisfirePolicyFireNow,
		State:         domain.TriggerStatePending,
		CreatedAt:     now,
	}

	return job, trigger
}

func (r *Registry) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run fires triggers until ctx is cancelled. The first sweep happens
// immediately so triggers missed during downtime fire on start.
func (r *Registry) Run(ctx context.Context) error {
	slog.Info("registry: started",
		"sweep_interval", r.config.SweepInterval,
		"batch", r.config.BatchSize,
		"misfire_threshold", r.config.MisfireThreshold)

	fired, err := r.sweep(ctx)
	if err != nil {
		slog.Error("registry: recovery sweep error", "err", err)
	} else if fired > 0 {
		slog.Info("registry: recovery sweep fired overdue triggers", "count", fired)
	}

	timer := time.NewTimer(r.nextWait(ctx))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("registry: stopped")
			return ctx.Err()
		case <-r.wake:
		case <-timer.C:
			if _, err := r.sweep(ctx); err != nil {
				slog.Error("registry: sweep error", "err", err)
			}
		}

		resetTimer(timer, r.nextWait(ctx))
	}
}

// nextWait returns the time until the earliest pending trigger, capped at
// the sweep interval.
func (r *Registry) nextWait(ctx context.Context) time.Duration {
	wait := r.config.SweepInterval

	next, ok, err := r.store.NextFireTime(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Warn("registry: next fire time lookup failed", "err", err)
		}
		return wait
	}
	if !ok {
		return wait
	}

	d := next.Sub(r.clock())
	if d < 0 {
		d = 0
	}
	if d < wait {
		wait = d
	}
	return wait
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// sweep claims and fires every due trigger, batch by batch.
func (r *Registry) sweep(ctx context.Context) (int, error) {
	start := r.clock()
	total := 0
	var sweepErr error

	for {
		now := r.clock().UTC()

		claimed, err := r.store.ClaimDueTriggers(ctx, now, r.config.BatchSize)
		if err != nil {
			sweepErr = fmt.Errorf("claim due triggers: %w", err)
			break
		}

		for _, jt := range claimed {
			r.fire(ctx, jt, now)
			total++
		}

		if len(claimed) < r.config.BatchSize || ctx.Err() != nil {
			break
		}
	}

	if r.metrics != nil {
		r.metrics.SweepCompleted(r.clock().Sub(start), total, sweepErr)
	}
	return total, sweepErr
}

func (r *Registry) fire(ctx context.Context, jt domain.JobWithTrigger, now time.Time) {
	lateness := now.Sub(jt.Trigger.FireAt)
	misfired := lateness > r.config.MisfireThreshold
	event := domain.NewFireEvent(jt, now, misfired)

	if misfired {
		slog.Warn("registry: misfire, firing now",
			"job", jt.Job.ID,
			"scheduled_at", jt.Trigger.FireAt.Format(time.RFC3339),
			"late_by", lateness.Round(time.Second))
	}

	if err := r.emitter.Emit(ctx, event); err != nil {
		// The claim stands; delivery status stays pending for the reconciler.
		slog.Error("registry: emit failed", "job", jt.Job.ID, "err", err)
		return
	}

	if r.metrics != nil {
		r.metrics.TriggerFired(misfired, event.Lateness())
	}
	slog.Info("registry: fired",
		"job", jt.Job.ID, "scheduled_at", jt.Trigger.FireAt.Format(time.RFC3339), "misfired", misfired)
}
