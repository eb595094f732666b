package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/djlord-it/easy-mail/internal/dispatcher"
	"github.com/djlord-it/easy-mail/internal/gateway"
	"github.com/djlord-it/easy-mail/internal/leaderelection"
	"github.com/djlord-it/easy-mail/internal/reconciler"
	"github.com/djlord-it/easy-mail/internal/registry"
	"github.com/djlord-it/easy-mail/internal/transport/channel"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func getHistogramCount(t *testing.T, reg *prometheus.Registry, name string) uint64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetHistogram() != nil {
					return m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return 0
}

func TestPrometheusSink_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	if sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("gather: %v", err)
	}
}

func TestPrometheusSink_RegistryCounters(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.JobRegistered()
	sink.JobRegistered()
	sink.RegistrationFailed()

	if val := getCounterValue(t, reg, "easymail_registry_jobs_registered_total"); val != 2 {
		t.Errorf("jobs_registered_total = %v, want 2", val)
	}
	if val := getCounterValue(t, reg, "easymail_registry_registration_failures_total"); val != 1 {
		t.Errorf("registration_failures_total = %v, want 1", val)
	}
}

func TestPrometheusSink_TriggerFired(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.TriggerFired(false, 10*time.Millisecond)
	sink.TriggerFired(true, 2*time.Hour)
	sink.TriggerFired(true, 3*time.Hour)

	if val := getCounterVecValue(t, reg, "easymail_registry_triggers_fired_total",
		map[string]string{"misfired": "true"}); val != 2 {
		t.Errorf("misfired=true = %v, want 2", val)
	}
	if val := getCounterVecValue(t, reg, "easymail_registry_triggers_fired_total",
		map[string]string{"misfired": "false"}); val != 1 {
		t.Errorf("misfired=false = %v, want 1", val)
	}
	if n := getHistogramCount(t, reg, "easymail_registry_fire_lateness_seconds"); n != 3 {
		t.Errorf("lateness samples = %d, want 3", n)
	}
}

func TestPrometheusSink_SweepCompleted_WithError(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.SweepCompleted(100*time.Millisecond, 5, nil)
	if errCount := getCounterValue(t, reg, "easymail_registry_sweep_errors_total"); errCount != 0 {
		t.Errorf("sweep_errors_total = %v after success, want 0", errCount)
	}

	sink.SweepCompleted(100*time.Millisecond, 0, errors.New("db error"))
	if errCount := getCounterValue(t, reg, "easymail_registry_sweep_errors_total"); errCount != 1 {
		t.Errorf("sweep_errors_total = %v after error, want 1", errCount)
	}
	if val := getCounterValue(t, reg, "easymail_registry_sweeps_total"); val != 2 {
		t.Errorf("sweeps_total = %v, want 2", val)
	}
}

func TestPrometheusSink_ScheduleRejected(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ScheduleRejected()

	if val := getCounterValue(t, reg, "easymail_gateway_schedule_rejected_total"); val != 1 {
		t.Errorf("schedule_rejected_total = %v, want 1", val)
	}
}

func TestPrometheusSink_DeliveryAttemptLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryAttemptCompleted(1, StatusClass2xx, 100*time.Millisecond)
	sink.DeliveryAttemptCompleted(2, StatusClass5xx, 200*time.Millisecond)

	val1 := getCounterVecValue(t, reg, "easymail_dispatcher_delivery_attempts_total",
		map[string]string{"attempt": "1", "status_class": "2xx"})
	if val1 != 1 {
		t.Errorf("attempt=1,status=2xx = %v, want 1", val1)
	}

	val2 := getCounterVecValue(t, reg, "easymail_dispatcher_delivery_attempts_total",
		map[string]string{"attempt": "2", "status_class": "5xx"})
	if val2 != 1 {
		t.Errorf("attempt=2,status=5xx = %v, want 1", val2)
	}
}

func TestPrometheusSink_DeliveryOutcome(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryOutcome(OutcomeSuccess)
	sink.DeliveryOutcome(OutcomeDeferred)
	sink.DeliveryOutcome(OutcomeSuccess)

	if val := getCounterVecValue(t, reg, "easymail_dispatcher_delivery_outcomes_total",
		map[string]string{"outcome": "success"}); val != 2 {
		t.Errorf("outcome=success = %v, want 2", val)
	}
	if val := getCounterVecValue(t, reg, "easymail_dispatcher_delivery_outcomes_total",
		map[string]string{"outcome": "deferred"}); val != 1 {
		t.Errorf("outcome=deferred = %v, want 1", val)
	}
}

func TestPrometheusSink_RetryAttempt(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.RetryAttempt(true)
	sink.RetryAttempt(false)
	sink.RetryAttempt(true)

	if val := getCounterVecValue(t, reg, "easymail_dispatcher_retry_attempts_total",
		map[string]string{"retryable": "true"}); val != 2 {
		t.Errorf("retryable=true = %v, want 2", val)
	}
}

func TestPrometheusSink_EventsInFlight(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EventsInFlightIncr()
	sink.EventsInFlightIncr()
	sink.EventsInFlightDecr()

	if val := getGaugeValue(t, reg, "easymail_dispatcher_events_in_flight"); val != 1 {
		t.Errorf("events_in_flight = %v, want 1", val)
	}
}

func TestPrometheusSink_DeliveryLatency(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryLatencyObserve(0.5)
	sink.DeliveryLatencyObserve(120)

	if n := getHistogramCount(t, reg, "easymail_dispatcher_delivery_latency_seconds"); n != 2 {
		t.Errorf("latency samples = %d, want 2", n)
	}
}

func TestPrometheusSink_BufferMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.BufferCapacitySet(100)
	sink.BufferSizeUpdate(42)
	sink.BufferSaturationUpdate(0.42)
	sink.EmitError()

	if v := getGaugeValue(t, reg, "easymail_eventbus_buffer_capacity"); v != 100 {
		t.Errorf("buffer_capacity = %v, want 100", v)
	}
	if v := getGaugeValue(t, reg, "easymail_eventbus_buffer_size"); v != 42 {
		t.Errorf("buffer_size = %v, want 42", v)
	}
	if v := getGaugeValue(t, reg, "easymail_eventbus_buffer_saturation"); v != 0.42 {
		t.Errorf("buffer_saturation = %v, want 0.42", v)
	}
	if v := getCounterValue(t, reg, "easymail_eventbus_emit_errors_total"); v != 1 {
		t.Errorf("emit_errors_total = %v, want 1", v)
	}
}

func TestPrometheusSink_ReconcileCycle(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ReconcileCycle(5, 4, 1)
	sink.ReconcileCycle(2, 2, 0)

	if v := getGaugeValue(t, reg, "easymail_reconciler_undelivered_jobs"); v != 2 {
		t.Errorf("undelivered_jobs = %v, want 2 (last cycle)", v)
	}
	if v := getCounterValue(t, reg, "easymail_reconciler_reemitted_total"); v != 6 {
		t.Errorf("reemitted_total = %v, want 6", v)
	}
	if v := getCounterValue(t, reg, "easymail_reconciler_reemit_failures_total"); v != 1 {
		t.Errorf("reemit_failures_total = %v, want 1", v)
	}
}

func TestPrometheusSink_LeaderMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.LeaderStatusChanged(true)
	sink.LeaderAcquired()
	if v := getGaugeValue(t, reg, "easymail_leader_status"); v != 1 {
		t.Errorf("leader_status = %v, want 1", v)
	}

	sink.LeaderStatusChanged(false)
	sink.LeaderLost("conn_lost")
	if v := getGaugeValue(t, reg, "easymail_leader_status"); v != 0 {
		t.Errorf("leader_status = %v, want 0", v)
	}
	if v := getCounterVecValue(t, reg, "easymail_leader_lost_total",
		map[string]string{"reason": "conn_lost"}); v != 1 {
		t.Errorf("leader_lost{conn_lost} = %v, want 1", v)
	}
	if v := getCounterValue(t, reg, "easymail_leader_acquired_total"); v != 1 {
		t.Errorf("leader_acquired_total = %v, want 1", v)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	// The second registration fails for every collector but must not panic.
	reg := prometheus.NewRegistry()

	if NewPrometheusSink(reg) == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}
	sink2 := NewPrometheusSink(reg)
	if sink2 == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
	sink2.JobRegistered()
}

var (
	_ Sink                       = (*PrometheusSink)(nil)
	_ registry.MetricsSink       = (*PrometheusSink)(nil)
	_ gateway.MetricsSink        = (*PrometheusSink)(nil)
	_ dispatcher.MetricsSink     = (*PrometheusSink)(nil)
	_ channel.MetricsSink        = (*PrometheusSink)(nil)
	_ reconciler.MetricsSink     = (*PrometheusSink)(nil)
	_ leaderelection.MetricsSink = (*PrometheusSink)(nil)
	_ registry.MetricsSink       = (*NoopSink)(nil)
	_ gateway.MetricsSink        = (*NoopSink)(nil)
	_ dispatcher.MetricsSink     = (*NoopSink)(nil)
	_ channel.MetricsSink        = (*NoopSink)(nil)
	_ reconciler.MetricsSink     = (*NoopSink)(nil)
	_ leaderelection.MetricsSink = (*NoopSink)(nil)
)
