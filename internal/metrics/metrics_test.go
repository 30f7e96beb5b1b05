package metrics

import (
	"testing"
	"time"

	"github.com/abecu-hub/go-bus/pkg/servicebus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestRecorderUpdates(t *testing.T) {
	recorder := New()

	startFatal := testutil.ToFloat64(messagesDispatched.WithLabelValues("StartSaga", "fatal"))
	startCompleted := testutil.ToFloat64(sagaTransitions.WithLabelValues("SimpleSaga1", "completed"))
	startHeld := testutil.ToFloat64(locksHeld)
	startTimeouts := testutil.ToFloat64(lockTimeouts)
	startWaits := histogramSampleCount(t, "gobus_lock_wait_seconds")

	recorder.Dispatched("StartSaga", servicebus.Fatal, 3*time.Millisecond)
	recorder.Completed("SimpleSaga1")
	recorder.Acquired("saga/1", "worker-1", time.Millisecond)
	recorder.Acquired("saga/2", "worker-1", 0)
	recorder.Released("saga/1", "worker-1")
	recorder.TimedOut("saga/3", "worker-2")

	if got := testutil.ToFloat64(messagesDispatched.WithLabelValues("StartSaga", "fatal")); got != startFatal+1 {
		t.Fatalf("gobus_messages_dispatched_total mismatch: got %v want %v", got, startFatal+1)
	}
	if got := testutil.ToFloat64(sagaTransitions.WithLabelValues("SimpleSaga1", "completed")); got != startCompleted+1 {
		t.Fatalf("gobus_saga_transitions_total mismatch: got %v want %v", got, startCompleted+1)
	}
	if got := testutil.ToFloat64(locksHeld); got != startHeld+1 {
		t.Fatalf("gobus_locks_held mismatch: got %v want %v", got, startHeld+1)
	}
	if got := testutil.ToFloat64(lockTimeouts); got != startTimeouts+1 {
		t.Fatalf("gobus_lock_timeouts_total mismatch: got %v want %v", got, startTimeouts+1)
	}
	if got := histogramSampleCount(t, "gobus_lock_wait_seconds"); got != startWaits+2 {
		t.Fatalf("gobus_lock_wait_seconds sample count mismatch: got %v want %v", got, startWaits+2)
	}
}

func TestHandlerRegistersMetrics(t *testing.T) {
	Handler()
	recorder := New()
	recorder.Dispatched("Ping", servicebus.Success, time.Millisecond)
	recorder.Created("SimpleSaga2")
	recorder.Acquired("saga/4", "worker-3", 0)
	recorder.Released("saga/4", "worker-3")
	recorder.TimedOut("saga/4", "worker-4")

	count, err := testutil.GatherAndCount(
		registry,
		"gobus_messages_dispatched_total",
		"gobus_dispatch_latency_seconds",
		"gobus_lock_wait_seconds",
		"gobus_locks_held",
		"gobus_lock_timeouts_total",
		"gobus_saga_transitions_total",
	)
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if count < 6 {
		t.Fatalf("expected metrics to be registered, got count %d", count)
	}
}

func histogramSampleCount(t *testing.T, name string) uint64 {
	t.Helper()
	mfs, err := registry.Gather()
	if err != nil {
		t.Fatalf("gather histogram: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name || mf.GetType() != dto.MetricType_HISTOGRAM {
			continue
		}
		var total uint64
		for _, metric := range mf.GetMetric() {
			total += metric.GetHistogram().GetSampleCount()
		}
		return total
	}
	return 0
}
