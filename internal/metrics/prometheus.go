package metrics

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Registry metrics
	jobsRegisteredTotal     prometheus.Counter
	registrationFailedTotal prometheus.Counter
	triggersFiredTotal      *prometheus.CounterVec
	fireLateness            prometheus.Histogram
	sweepsTotal             prometheus.Counter
	sweepErrorsTotal        prometheus.Counter
	sweepDuration           prometheus.Histogram

	// Gateway metrics
	scheduleRejectedTotal prometheus.Counter

	// Reconciler and leader metrics
	reconcileReemittedTotal prometheus.Counter
	reconcileFailedTotal    prometheus.Counter
	undeliveredJobs         prometheus.Gauge
	leaderStatus            prometheus.Gauge
	leaderAcquiredTotal     prometheus.Counter
	leaderLostTotal         *prometheus.CounterVec

	// Dispatcher metrics
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	executorDuration      prometheus.Histogram
	retryAttemptsTotal    *prometheus.CounterVec
	eventsInFlight        prometheus.Gauge
	deliveryLatency       prometheus.Histogram

	// EventBus metrics
	bufferSize       prometheus.Gauge
	bufferCapacity   prometheus.Gauge
	bufferSaturation prometheus.Gauge
	emitErrorsTotal  prometheus.Counter
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// Metrics that fail to register keep working but are not exported.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initRegistryMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initEventBusMetrics(reg)
	s.initControlMetrics(reg)
	return s
}

func (s *PrometheusSink) initRegistryMetrics(reg prometheus.Registerer) {
	s.jobsRegisteredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easymail_registry_jobs_registered_total",
		Help: "Total number of email jobs persisted with their trigger.",
	})
	s.registrationFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easymail_registry_registration_failures_total",
		Help: "Total number of registrations that could not be persisted.",
	})
	s.triggersFiredTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easymail_registry_triggers_fired_total",
		Help: "Total number of triggers fired, by misfire classification.",
	}, []string{"misfired"})
	s.fireLateness = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easymail_registry_fire_lateness_seconds",
		Help:    "Delay between a trigger's scheduled instant and its firing.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300, 3600},
	})
	s.sweepsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easymail_registry_sweeps_total",
		Help: "Total number of sweeps for due triggers.",
	})
	s.sweepErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easymail_registry_sweep_errors_total",
		Help: "Total number of sweeps that ended with a store error.",
	})
	s.sweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easymail_registry_sweep_duration_seconds",
		Help:    "Duration of each sweep in seconds.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
	s.scheduleRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easymail_gateway_schedule_rejected_total",
		Help: "Total number of requests rejected for a fire time not in the future.",
	})

	s.register(reg, s.jobsRegisteredTotal, "easymail_registry_jobs_registered_total")
	s.register(reg, s.registrationFailedTotal, "easymail_registry_registration_failures_total")
	s.register(reg, s.triggersFiredTotal, "easymail_registry_triggers_fired_total")
	s.register(reg, s.fireLateness, "easymail_registry_fire_lateness_seconds")
	s.register(reg, s.sweepsTotal, "easymail_registry_sweeps_total")
	s.register(reg, s.sweepErrorsTotal, "easymail_registry_sweep_errors_total")
	s.register(reg, s.sweepDuration, "easymail_registry_sweep_duration_seconds")
	s.register(reg, s.scheduleRejectedTotal, "easymail_gateway_schedule_rejected_total")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easymail_dispatcher_delivery_attempts_total",
		Help: "Total number of executor hand-off attempts.",
	}, []string{"attempt", "status_class"})

	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easymail_dispatcher_delivery_outcomes_total",
		Help: "Total number of final delivery outcomes per fired job.",
	}, []string{"outcome"})

	s.executorDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easymail_dispatcher_executor_duration_seconds",
		Help:    "Executor call latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.retryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easymail_dispatcher_retry_attempts_total",
		Help: "Total number of retry attempts (excludes first attempt).",
	}, []string{"retryable"})

	s.eventsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easymail_dispatcher_events_in_flight",
		Help: "Number of fire events currently being processed.",
	})

	s.deliveryLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easymail_dispatcher_delivery_latency_seconds",
		Help:    "Time from scheduled instant to successful hand-off.",
		Buckets: []float64{0.1, 0.5, 1, 5, 30, 60, 300, 900, 3600},
	})

	s.register(reg, s.deliveryAttemptsTotal, "easymail_dispatcher_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "easymail_dispatcher_delivery_outcomes_total")
	s.register(reg, s.executorDuration, "easymail_dispatcher_executor_duration_seconds")
	s.register(reg, s.retryAttemptsTotal, "easymail_dispatcher_retry_attempts_total")
	s.register(reg, s.eventsInFlight, "easymail_dispatcher_events_in_flight")
	s.register(reg, s.deliveryLatency, "easymail_dispatcher_delivery_latency_seconds")
}

func (s *PrometheusSink) initEventBusMetrics(reg prometheus.Registerer) {
	s.bufferSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easymail_eventbus_buffer_size",
		Help: "Current number of events in the event bus buffer.",
	})
	s.bufferCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easymail_eventbus_buffer_capacity",
		Help: "Capacity of the event bus buffer.",
	})
	s.bufferSaturation = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easymail_eventbus_buffer_saturation",
		Help: "Fraction of the event bus buffer in use (0-1).",
	})
	s.emitErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easymail_eventbus_emit_errors_total",
		Help: "Total number of emit errors (buffer full or cancelled).",
	})

	s.register(reg, s.bufferSize, "easymail_eventbus_buffer_size")
	s.register(reg, s.bufferCapacity, "easymail_eventbus_buffer_capacity")
	s.register(reg, s.bufferSaturation, "easymail_eventbus_buffer_saturation")
	s.register(reg, s.emitErrorsTotal, "easymail_eventbus_emit_errors_total")
}

func (s *PrometheusSink) initControlMetrics(reg prometheus.Registerer) {
	s.reconcileReemittedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easymail_reconciler_reemitted_total",
		Help: "Total number of undelivered jobs re-emitted.",
	})
	s.reconcileFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easymail_reconciler_reemit_failures_total",
		Help: "Total number of re-emits that failed.",
	})
	s.undeliveredJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easymail_reconciler_undelivered_jobs",
		Help: "Undelivered jobs found by the last reconcile cycle.",
	})
	s.leaderStatus = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easymail_leader_status",
		Help: "1 if this instance holds the leader lock, 0 otherwise.",
	})
	s.leaderAcquiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easymail_leader_acquired_total",
		Help: "Total number of times leadership was acquired.",
	})
	s.leaderLostTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easymail_leader_lost_total",
		Help: "Total number of times leadership was lost, by reason.",
	}, []string{"reason"})

	s.register(reg, s.reconcileReemittedTotal, "easymail_reconciler_reemitted_total")
	s.register(reg, s.reconcileFailedTotal, "easymail_reconciler_reemit_failures_total")
	s.register(reg, s.undeliveredJobs, "easymail_reconciler_undelivered_jobs")
	s.register(reg, s.leaderStatus, "easymail_leader_status")
	s.register(reg, s.leaderAcquiredTotal, "easymail_leader_acquired_total")
	s.register(reg, s.leaderLostTotal, "easymail_leader_lost_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		slog.Warn("metrics: failed to register collector", "name", name, "err", err)
	}
}

// Registry metrics implementation

func (s *PrometheusSink) JobRegistered() {
	s.jobsRegisteredTotal.Inc()
}

func (s *PrometheusSink) RegistrationFailed() {
	s.registrationFailedTotal.Inc()
}

func (s *PrometheusSink) TriggerFired(misfired bool, lateness time.Duration) {
	s.triggersFiredTotal.WithLabelValues(strconv.FormatBool(misfired)).Inc()
	s.fireLateness.Observe(lateness.Seconds())
}

func (s *PrometheusSink) SweepCompleted(duration time.Duration, fired int, err error) {
	s.sweepsTotal.Inc()
	s.sweepDuration.Observe(duration.Seconds())
	if err != nil {
		s.sweepErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) ScheduleRejected() {
	s.scheduleRejectedTotal.Inc()
}

// Dispatcher metrics implementation

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.executorDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryAttempt(retryable bool) {
	s.retryAttemptsTotal.WithLabelValues(strconv.FormatBool(retryable)).Inc()
}

func (s *PrometheusSink) EventsInFlightIncr() {
	s.eventsInFlight.Inc()
}

func (s *PrometheusSink) EventsInFlightDecr() {
	s.eventsInFlight.Dec()
}

func (s *PrometheusSink) DeliveryLatencyObserve(latencySeconds float64) {
	s.deliveryLatency.Observe(latencySeconds)
}

// EventBus metrics implementation

func (s *PrometheusSink) BufferSizeUpdate(size int) {
	s.bufferSize.Set(float64(size))
}

func (s *PrometheusSink) BufferCapacitySet(capacity int) {
	s.bufferCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) BufferSaturationUpdate(saturation float64) {
	s.bufferSaturation.Set(saturation)
}

func (s *PrometheusSink) EmitError() {
	s.emitErrorsTotal.Inc()
}

// Reconciler and leader metrics implementation

func (s *PrometheusSink) ReconcileCycle(found, reemitted, failed int) {
	s.undeliveredJobs.Set(float64(found))
	s.reconcileReemittedTotal.Add(float64(reemitted))
	s.reconcileFailedTotal.Add(float64(failed))
}

func (s *PrometheusSink) LeaderStatusChanged(isLeader bool) {
	if isLeader {
		s.leaderStatus.Set(1)
	} else {
		s.leaderStatus.Set(0)
	}
}

func (s *PrometheusSink) LeaderAcquired() {
	s.leaderAcquiredTotal.Inc()
}

func (s *PrometheusSink) LeaderLost(reason string) {
	s.leaderLostTotal.WithLabelValues(reason).Inc()
}
