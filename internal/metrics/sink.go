package metrics

import "time"

// Sink is the union of the metrics interfaces declared by the registry,
// gateway, event bus, dispatcher, reconciler and leader elector.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Registry metrics
	JobRegistered()
	RegistrationFailed()
	TriggerFired(misfired bool, lateness time.Duration)
	SweepCompleted(duration time.Duration, fired int, err error)

	// Gateway metrics
	ScheduleRejected()

	// Dispatcher metrics
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryAttempt(retryable bool)
	EventsInFlightIncr()
	EventsInFlightDecr()
	DeliveryLatencyObserve(latencySeconds float64)

	// EventBus metrics
	BufferSizeUpdate(size int)
	BufferCapacitySet(capacity int)
	BufferSaturationUpdate(saturation float64)
	EmitError()

	// Reconciler metrics
	ReconcileCycle(found, reemitted, failed int)

	// Leader election metrics
	LeaderStatusChanged(isLeader bool)
	LeaderAcquired()
	LeaderLost(reason string)
}

// Outcome constants for DeliveryOutcome metric.
const (
	OutcomeSuccess  = "success"
	OutcomeFailed   = "failed"
	OutcomeDeferred = "deferred"
)

// StatusClass constants for DeliveryAttemptCompleted metric.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassOK              = "ok"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)
