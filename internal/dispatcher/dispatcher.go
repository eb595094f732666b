package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-mail/internal/domain"
)

var defaultBackoff = []time.Duration{
	0,
	30 * time.Second,
	2 * time.Minute,
	10 * time.Minute,
}

const maxAttempts = 4

// MaxRetryDuration is the worst-case time Dispatch spends waiting between
// attempts. The reconciler threshold must exceed it.
func MaxRetryDuration() time.Duration {
	var total time.Duration
	for i := 1; i < maxAttempts && i < len(defaultBackoff); i++ {
		total += defaultBackoff[i]
	}
	return total
}

// ErrStatusTransitionDenied is returned when a status update would regress
// from a terminal state (delivered/failed).
var ErrStatusTransitionDenied = errors.New("status transition denied: job already in terminal state")

type Store interface {
	GetJob(ctx context.Context, jobID uuid.UUID) (domain.JobWithTrigger, error)
	InsertDeliveryAttempt(ctx context.Context, attempt domain.DeliveryAttempt) error
	// UpdateDeliveryStatus sets the job's delivery status. Implementations MUST
	// reject transitions from terminal states (delivered/failed) and return
	// ErrStatusTransitionDenied. This keeps replays idempotent.
	UpdateDeliveryStatus(ctx context.Context, jobID uuid.UUID, status domain.DeliveryStatus) error
}

// Sender hands a fired email to the executor.
type Sender interface {
	Send(ctx context.Context, req DeliveryRequest) DeliveryResult
}

type AnalyticsSink interface {
	Record(ctx context.Context, event domain.FireEvent)
}

// Breaker gates hand-offs per destination key.
type Breaker interface {
	Allow(key string) error
	RecordSuccess(key string)
	RecordFailure(key string)
}

// MetricsSink defines the interface for recording dispatcher metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryAttempt(retryable bool)
	EventsInFlightIncr()
	EventsInFlightDecr()
	DeliveryLatencyObserve(latencySeconds float64)
}

type DeliveryRequest struct {
	AttemptID string
	Attempt   int
	Payload   RelayPayload
}

// RelayPayload is the body handed to the executor.
type RelayPayload struct {
	JobID       string            `json:"job_id"`
	GroupKey    string            `json:"group_key"`
	ScheduledAt string            `json:"scheduled_at"`
	FiredAt     string            `json:"fired_at"`
	Misfired    bool              `json:"misfired"`
	Payload     map[string]string `json:"payload"`
}

type DeliveryResult struct {
	StatusCode int // 0 for executors without a status code
	Error      error
	Duration   time.Duration
}

func (r DeliveryResult) IsSuccess() bool {
	if r.Error != nil {
		return false
	}
	return r.StatusCode == 0 || (r.StatusCode >= 200 && r.StatusCode < 300)
}

func (r DeliveryResult) IsRetryable() bool {
	if r.Error != nil {
		return !IsPermanent(r.Error)
	}
	if r.StatusCode == 429 {
		return true
	}
	return r.StatusCode >= 500
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Dispatcher struct {
	store     Store
	sender    Sender
	analytics AnalyticsSink // optional, nil = disabled
	metrics   MetricsSink   // optional, nil = disabled
	breaker   Breaker       // optional, nil = disabled
	backoff   []time.Duration
	clock     func() time.Time
}

func New(store Store, sender Sender) *Dispatcher {
	return &Dispatcher{
		store:   store,
		sender:  sender,
		backoff: defaultBackoff,
		clock:   time.Now,
	}
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

// WithMetrics attaches a metrics sink to the dispatcher.
func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// WithCircuitBreaker skips hand-offs to recipient domains that keep failing.
// Skipped jobs stay pending and are picked up again by the reconciler.
func (d *Dispatcher) WithCircuitBreaker(b Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// Run processes events from the channel until context is cancelled.
// After cancellation, it drains remaining buffered events with a timeout.
func (d *Dispatcher) Run(ctx context.Context, ch <-chan domain.FireEvent, drainTimeout time.Duration) {
	slog.Info("dispatcher: started")
	for {
		select {
		case <-ctx.Done():
			d.drain(ch, drainTimeout)
			slog.Info("dispatcher: stopped")
			return
		case event := <-ch:
			if err := d.Dispatch(ctx, event); err != nil {
				slog.Error("dispatcher: dispatch failed", "job", event.JobID, "err", err)
			}
		}
	}
}

// DefaultDrainTimeout is used when Run is given a non-positive drain timeout.
const DefaultDrainTimeout = 30 * time.Second

// drain processes events still buffered after shutdown. The main context is
// already cancelled, so a fresh one bounds the drain.
func (d *Dispatcher) drain(ch <-chan domain.FireEvent, timeout time.Duration) {
	if timeout <= 0 {
		timeout = DefaultDrainTimeout
	}
	drainCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	count := 0
	for {
		select {
		case <-drainCtx.Done():
			if count > 0 {
				slog.Warn("dispatcher: drain timeout", "processed", count)
			}
			return
		case event, ok := <-ch:
			if !ok {
				slog.Info("dispatcher: drain complete", "processed", count)
				return
			}
			if err := d.Dispatch(drainCtx, event); err != nil {
				slog.Error("dispatcher: drain error", "job", event.JobID, "err", err)
			}
			count++
		default:
			if count > 0 {
				slog.Info("dispatcher: drain complete", "processed", count)
			}
			return
		}
	}
}

// Dispatch hands one fired job to the executor, retrying with backoff, and
// records the outcome as the job's delivery status.
func (d *Dispatcher) Dispatch(ctx context.Context, event domain.FireEvent) error {
	if d.metrics != nil {
		d.metrics.EventsInFlightIncr()
		defer d.metrics.EventsInFlightDecr()
	}

	jt, err := d.store.GetJob(ctx, event.JobID)
	if err != nil {
		return fmt.Errorf("get job: %w", err)
	}

	// A re-emitted event for a job that already finished must not send twice.
	if jt.Job.DeliveryStatus.IsTerminal() {
		slog.Info("dispatcher: job already terminal, skipping",
			"job", event.JobID, "status", jt.Job.DeliveryStatus)
		return nil
	}

	d.writeAnalytics(ctx, event)

	breakerKey := recipientDomain(event.Payload["recipient"])
	if d.breaker != nil {
		if err := d.breaker.Allow(breakerKey); err != nil {
			slog.Warn("dispatcher: circuit open, deferring",
				"job", event.JobID, "domain", breakerKey)
			if d.metrics != nil {
				d.metrics.DeliveryOutcome("deferred")
			}
			return fmt.Errorf("job %s: %w", event.JobID, err)
		}
	}

	req := DeliveryRequest{
		Payload: RelayPayload{
			JobID:       event.JobID.String(),
			GroupKey:    event.GroupKey,
			ScheduledAt: event.ScheduledAt.UTC().Format(time.RFC3339),
			FiredAt:     event.FiredAt.UTC().Format(time.RFC3339),
			Misfired:    event.Misfired,
			Payload:     event.Payload,
		},
	}

	var lastResult DeliveryResult

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if d.metrics != nil {
				d.metrics.RetryAttempt(lastResult.IsRetryable())
			}

			idx := attempt - 1
			if idx >= len(d.backoff) {
				idx = len(d.backoff) - 1
			}
			backoff := d.backoff[idx]

			slog.Info("dispatcher: retrying", "job", event.JobID, "attempt", attempt, "backoff", backoff)

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				return ctx.Err()
			case <-timer.C:
			}
		}

		attemptID := uuid.New()
		req.AttemptID = attemptID.String()
		req.Attempt = attempt

		startedAt := d.clock().UTC()
		result := d.sender.Send(ctx, req)
		finishedAt := d.clock().UTC()
		lastResult = result

		if d.metrics != nil {
			d.metrics.DeliveryAttemptCompleted(attempt, classifyStatusForMetrics(result.StatusCode, result.Error), result.Duration)
		}

		attemptRecord := domain.DeliveryAttempt{
			ID:         attemptID,
			JobID:      event.JobID,
			Attempt:    attempt,
			StatusCode: result.StatusCode,
			StartedAt:  startedAt,
			FinishedAt: finishedAt,
		}
		if result.Error != nil {
			attemptRecord.Error = result.Error.Error()
		}

		if err := d.store.InsertDeliveryAttempt(ctx, attemptRecord); err != nil {
			slog.Error("dispatcher: failed to record attempt", "job", event.JobID, "attempt", attempt, "err", err)
		}

		if result.IsSuccess() {
			slog.Info("dispatcher: delivered", "job", event.JobID, "attempt", attempt)
			if d.breaker != nil {
				d.breaker.RecordSuccess(breakerKey)
			}
			if d.metrics != nil {
				d.metrics.DeliveryOutcome("success")
				d.metrics.DeliveryLatencyObserve(finishedAt.Sub(event.ScheduledAt).Seconds())
			}
			return d.finish(ctx, event.JobID, domain.DeliveryStatusDelivered)
		}

		if !result.IsRetryable() {
			slog.Warn("dispatcher: non-retryable result",
				"job", event.JobID, "status", result.StatusCode, "err", result.Error)
			break
		}

		slog.Warn("dispatcher: attempt failed",
			"job", event.JobID, "attempt", attempt, "status", result.StatusCode, "err", result.Error)
	}

	slog.Error("dispatcher: delivery failed",
		"job", event.JobID, "status", lastResult.StatusCode, "err", lastResult.Error)
	if d.breaker != nil {
		d.breaker.RecordFailure(breakerKey)
	}
	if d.metrics != nil {
		d.metrics.DeliveryOutcome("failed")
	}
	return d.finish(ctx, event.JobID, domain.DeliveryStatusFailed)
}

func (d *Dispatcher) finish(ctx context.Context, jobID uuid.UUID, status domain.DeliveryStatus) error {
	if err := d.store.UpdateDeliveryStatus(ctx, jobID, status); err != nil {
		if errors.Is(err, ErrStatusTransitionDenied) {
			// Already terminal (likely a replay). Safe to ignore.
			slog.Info("dispatcher: job already terminal, skipping status update", "job", jobID)
			return nil
		}
		return err
	}
	return nil
}

// writeAnalytics is best-effort; the sink handles its own errors.
func (d *Dispatcher) writeAnalytics(ctx context.Context, event domain.FireEvent) {
	if d.analytics == nil {
		return
	}
	d.analytics.Record(ctx, event)
}

// recipientDomain returns the lower-cased part after the last '@'.
func recipientDomain(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return strings.ToLower(strings.TrimSpace(addr))
	}
	return strings.ToLower(strings.TrimSpace(addr[i+1:]))
}

// classifyStatusForMetrics maps a status code and error to a metrics status class.
// Bounded cardinality: 2xx, 4xx, 5xx, ok, timeout, connection_error, other_error.
func classifyStatusForMetrics(statusCode int, err error) string {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "timeout"
		}
		errStr := strings.ToLower(err.Error())
		if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "deadline exceeded") {
			return "timeout"
		}
		if strings.Contains(errStr, "connection refused") ||
			strings.Contains(errStr, "no such host") ||
			strings.Contains(errStr, "network is unreachable") ||
			strings.Contains(errStr, "dial") {
			return "connection_error"
		}
		return "other_error"
	}

	switch {
	case statusCode == 0:
		return "ok"
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500:
		return "5xx"
	default:
		return "other_error"
	}
}
