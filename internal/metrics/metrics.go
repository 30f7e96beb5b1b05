package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/abecu-hub/go-bus/pkg/servicebus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	once     sync.Once

	messagesDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gobus_messages_dispatched_total",
			Help: "Total number of delivered messages by type and dispatch result.",
		},
		[]string{"type", "result"},
	)
	dispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gobus_dispatch_latency_seconds",
			Help:    "Latency of message dispatch in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)
	lockWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gobus_lock_wait_seconds",
		Help:    "Time spent waiting for a saga instance lock.",
		Buckets: []float64{.0001, .001, .005, .01, .05, .1, .5, 1, 5, 10},
	})
	locksHeld = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gobus_locks_held",
		Help: "Current number of held saga instance locks.",
	})
	lockTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gobus_lock_timeouts_total",
		Help: "Total number of lock batches abandoned after a timeout.",
	})
	sagaTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gobus_saga_transitions_total",
			Help: "Total number of saga instance transitions by saga type.",
		},
		[]string{"saga", "transition"},
	)
)

// Init registers metrics with the registry once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			messagesDispatched,
			dispatchLatency,
			lockWait,
			locksHeld,
			lockTimeouts,
			sagaTransitions,
		)
	})
}

// Handler exposes the Prometheus metrics endpoint handler.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Recorder feeds endpoint, coordinator and lock events into the registry.
type Recorder struct{}

// New returns a Recorder backed by the package registry.
func New() *Recorder {
	Init()
	return &Recorder{}
}

var _ servicebus.Metrics = (*Recorder)(nil)

func (*Recorder) Dispatched(messageType string, result servicebus.DispatchResult, duration time.Duration) {
	messagesDispatched.WithLabelValues(messageType, result.String()).Inc()
	dispatchLatency.WithLabelValues(messageType).Observe(duration.Seconds())
}

func (*Recorder) Created(sagaType string) {
	sagaTransitions.WithLabelValues(sagaType, "created").Inc()
}

func (*Recorder) Updated(sagaType string) {
	sagaTransitions.WithLabelValues(sagaType, "updated").Inc()
}

func (*Recorder) Completed(sagaType string) {
	sagaTransitions.WithLabelValues(sagaType, "completed").Inc()
}

func (*Recorder) Acquired(key string, owner string, wait time.Duration) {
	lockWait.Observe(wait.Seconds())
	locksHeld.Inc()
}

// Released runs under the lock manager mutex and must stay cheap.
func (*Recorder) Released(key string, owner string) {
	locksHeld.Dec()
}

func (*Recorder) TimedOut(key string, owner string) {
	lockTimeouts.Inc()
}
