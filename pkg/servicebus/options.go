package servicebus

import (
	"time"

	"github.com/abecu-hub/go-bus/internal/logger"
	"github.com/abecu-hub/go-bus/pkg/servicebus/lock"
	"github.com/abecu-hub/go-bus/pkg/servicebus/saga"
)

//DispatchObserver is told about the outcome of every delivered message.
type DispatchObserver interface {
	Dispatched(messageType string, result DispatchResult, duration time.Duration)
}

//Metrics observes dispatches, saga transitions and instance locks.
type Metrics interface {
	DispatchObserver
	saga.Observer
	lock.Observer
}

//Persist sagas in the given store and correlate them with the given index. Both are often the same value.
func UseSagas(store saga.Store, index saga.Index) func(endpoint *Endpoint) {
	return func(endpoint *Endpoint) {
		endpoint.SagaStore = store
		endpoint.SagaIndex = index
	}
}

//Process messages with the given number of concurrent workers.
func UseWorkers(workers int) func(endpoint *Endpoint) {
	return func(endpoint *Endpoint) {
		if workers > 0 {
			endpoint.Workers = workers
		}
	}
}

//Bound the time a worker waits for saga instance locks.
func UseLockTimeout(timeout time.Duration) func(endpoint *Endpoint) {
	return func(endpoint *Endpoint) {
		endpoint.lockTimeout = timeout
	}
}

func UseResolveAttempts(attempts int) func(endpoint *Endpoint) {
	return func(endpoint *Endpoint) {
		endpoint.resolveAttempts = attempts
	}
}

func UseLogger(log *logger.Logger) func(endpoint *Endpoint) {
	return func(endpoint *Endpoint) {
		if log != nil {
			endpoint.logger = log
		}
	}
}

func UseMetrics(metrics Metrics) func(endpoint *Endpoint) {
	return func(endpoint *Endpoint) {
		endpoint.metrics = metrics
	}
}
