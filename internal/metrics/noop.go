package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) JobRegistered()                                                            {}
func (n *NoopSink) RegistrationFailed()                                                       {}
func (n *NoopSink) TriggerFired(misfired bool, lateness time.Duration)                        {}
func (n *NoopSink) SweepCompleted(duration time.Duration, fired int, err error)               {}
func (n *NoopSink) ScheduleRejected()                                                         {}
func (n *NoopSink) DeliveryAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                            {}
func (n *NoopSink) RetryAttempt(retryable bool)                                               {}
func (n *NoopSink) EventsInFlightIncr()                                                       {}
func (n *NoopSink) EventsInFlightDecr()                                                       {}
func (n *NoopSink) DeliveryLatencyObserve(latencySeconds float64)                             {}
func (n *NoopSink) BufferSizeUpdate(size int)                                                 {}
func (n *NoopSink) BufferCapacitySet(capacity int)                                            {}
func (n *NoopSink) BufferSaturationUpdate(saturation float64)                                 {}
func (n *NoopSink) EmitError()                                                                {}
func (n *NoopSink) ReconcileCycle(found, reemitted, failed int)                               {}
func (n *NoopSink) LeaderStatusChanged(isLeader bool)                                         {}
func (n *NoopSink) LeaderAcquired()                                                           {}
func (n *NoopSink) LeaderLost(reason string)                                                  {}
