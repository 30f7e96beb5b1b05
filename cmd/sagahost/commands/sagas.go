package commands

import (
	"sync/atomic"

	"github.com/abecu-hub/go-bus/pkg/servicebus"
	"github.com/abecu-hub/go-bus/pkg/servicebus/saga"
)

const (
	SimpleSaga1 = "SimpleSaga1"
	SimpleSaga2 = "SimpleSaga2"
)

const StartSagaMessage = "StartSaga"

type StartSaga struct {
	SessionId string
}

// simpleSaga completes its instance on the message that started it. SimpleSaga1 and SimpleSaga2 share this
// shape and correlate StartSaga by SessionId, so every StartSaga locks one provisional instance of each.
func simpleSaga(name string) *saga.Definition {
	return saga.Define(name).
		Correlate(StartSagaMessage, "SessionId", saga.Field("SessionId")).
		StartedBy(StartSagaMessage, func(ctx *saga.Context, msg saga.Message) error {
			if !ctx.IsNew {
				return nil
			}
			ctx.Complete()
			return nil
		})
}

// tally counts committed completions per saga type and forwards every event to the metrics registry.
type tally struct {
	servicebus.Metrics
	completed map[string]*atomic.Int64
}

func newTally(metrics servicebus.Metrics, sagaTypes ...string) *tally {
	t := &tally{Metrics: metrics, completed: make(map[string]*atomic.Int64)}
	for _, sagaType := range sagaTypes {
		t.completed[sagaType] = new(atomic.Int64)
	}
	return t
}

func (t *tally) Completed(sagaType string) {
	if counter, ok := t.completed[sagaType]; ok {
		counter.Add(1)
	}
	t.Metrics.Completed(sagaType)
}

func (t *tally) Count(sagaType string) int64 {
	if counter, ok := t.completed[sagaType]; ok {
		return counter.Load()
	}
	return 0
}
