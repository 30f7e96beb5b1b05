package servicebus_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/abecu-hub/go-bus/pkg/servicebus"
	"github.com/abecu-hub/go-bus/pkg/servicebus/mutation"
	"github.com/abecu-hub/go-bus/pkg/servicebus/saga"
	"github.com/abecu-hub/go-bus/pkg/servicebus/saga/inmem"
	transport "github.com/abecu-hub/go-bus/pkg/servicebus/transport/inmem"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type StartSaga struct {
	SessionId string
}

type Ping struct {
	SessionId string
}

//completing completes the instance on its first message, both saga types share the same shape.
func completing(name string, completed *atomic.Int64) *saga.Definition {
	return saga.Define(name).
		Correlate("StartSaga", "SessionId", saga.Field("SessionId")).
		StartedBy("StartSaga", func(ctx *saga.Context, msg saga.Message) error {
			if !ctx.IsNew {
				return nil
			}
			ctx.Complete()
			completed.Add(1)
			return nil
		})
}

func counting(name string) *saga.Definition {
	return saga.Define(name).
		Correlate("StartSaga", "SessionId", saga.Field("SessionId")).
		Correlate("Ping", "SessionId", saga.Field("SessionId")).
		StartedBy("StartSaga", func(ctx *saga.Context, msg saga.Message) error {
			ctx.State["Pings"] = 0
			return nil
		}).
		Handle("Ping", func(ctx *saga.Context, msg saga.Message) error {
			pings, _ := ctx.State["Pings"].(float64)
			if n, ok := ctx.State["Pings"].(int); ok {
				pings = float64(n)
			}
			ctx.State["Pings"] = pings + 1
			return nil
		})
}

func startEndpoint(t *testing.T, network *transport.Network, store *inmem.Store, workers int, definitions ...*saga.Definition) *servicebus.Endpoint {
	t.Helper()
	return startEndpointWith(t, network, store, workers, nil, definitions...)
}

//startEndpointWith lets configure register plain handlers before the endpoint starts.
func startEndpointWith(t *testing.T, network *transport.Network, store *inmem.Store, workers int, configure func(*servicebus.Endpoint), definitions ...*saga.Definition) *servicebus.Endpoint {
	t.Helper()
	endpoint := servicebus.Create("sagas", transport.Create(network),
		servicebus.UseSagas(store, store),
		servicebus.UseWorkers(workers),
		servicebus.UseLockTimeout(5*time.Second))
	for _, def := range definitions {
		require.NoError(t, endpoint.Saga(def))
	}
	if configure != nil {
		configure(endpoint)
	}
	require.NoError(t, endpoint.Start())
	t.Cleanup(func() { _ = endpoint.Stop() })
	return endpoint
}

func TestTwoSagaTypesCompleteEveryMessage(t *testing.T) {
	network := transport.CreateNetwork()
	store := inmem.CreateStore()
	var first, second atomic.Int64
	endpoint := startEndpoint(t, network, store, 2, completing("SimpleSaga1", &first), completing("SimpleSaga2", &second))

	for i := 0; i < 10; i++ {
		require.NoError(t, endpoint.SendLocal("StartSaga", &StartSaga{SessionId: uuid.New().String()}))
	}

	require.Eventually(t, func() bool {
		return first.Load() == 10 && second.Load() == 10
	}, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return network.Acknowledged("sagas") == 10 }, time.Second, time.Millisecond)

	assert.Empty(t, network.DeadLetters("sagas"))
	assert.Equal(t, 0, store.Count("SimpleSaga1"))
	assert.Equal(t, 0, store.Count("SimpleSaga2"))
	assert.Equal(t, 0, store.Correlations())
	assert.Equal(t, 0, endpoint.Locks().Held())
}

func TestConcurrentPingsAreSerialized(t *testing.T) {
	network := transport.CreateNetwork()
	store := inmem.CreateStore()
	endpoint := startEndpoint(t, network, store, 8, counting("CounterA"), counting("CounterB"))

	session := uuid.New().String()
	correlation := mutation.CorrelationId(session)
	require.NoError(t, endpoint.SendLocal("StartSaga", &StartSaga{SessionId: session}, correlation))
	require.Eventually(t, func() bool { return network.Acknowledged("sagas") == 1 }, time.Second, time.Millisecond)

	const pings = 30
	for i := 0; i < pings; i++ {
		require.NoError(t, endpoint.SendLocal("Ping", &Ping{SessionId: session}, correlation))
	}
	require.Eventually(t, func() bool { return network.Acknowledged("sagas") == pings+1 }, 10*time.Second, 5*time.Millisecond)

	assert.Empty(t, network.DeadLetters("sagas"))
	for _, sagaType := range []string{"CounterA", "CounterB"} {
		assert.Equal(t, 1, store.Count(sagaType))
		id, err := store.Find(context.Background(), sagaType, "Ping", session)
		require.NoError(t, err)
		instance, err := store.Load(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, float64(pings), instance.State["Pings"])
		assert.Equal(t, pings, instance.Revision)
	}
}

func TestEmptyCorrelationIsDeadLettered(t *testing.T) {
	network := transport.CreateNetwork()
	store := inmem.CreateStore()
	var completed atomic.Int64
	endpoint := startEndpoint(t, network, store, 1, completing("SimpleSaga1", &completed))

	require.NoError(t, endpoint.SendLocal("StartSaga", &StartSaga{}))

	require.Eventually(t, func() bool { return len(network.DeadLetters("sagas")) == 1 }, time.Second, time.Millisecond)
	assert.Zero(t, completed.Load())
	assert.Equal(t, 0, store.Count("SimpleSaga1"))
}

func loadPings(t *testing.T, store *inmem.Store, sagaType string, session string) (interface{}, int) {
	t.Helper()
	id, err := store.Find(context.Background(), sagaType, "Ping", session)
	require.NoError(t, err)
	instance, err := store.Load(context.Background(), id)
	require.NoError(t, err)
	return instance.State["Pings"], instance.Revision
}

func TestFailingPlainHandlerDoesNotCommitSagaEffects(t *testing.T) {
	network := transport.CreateNetwork()
	store := inmem.CreateStore()
	var calls atomic.Int64
	endpoint := startEndpointWith(t, network, store, 2, func(endpoint *servicebus.Endpoint) {
		endpoint.Message("Ping").AsIncoming().Handle(func(ctx *servicebus.IncomingMessageContext) error {
			if calls.Add(1) == 1 {
				return errors.New("downstream unavailable")
			}
			return nil
		})
	}, counting("CounterA"))

	session := uuid.New().String()
	correlation := mutation.CorrelationId(session)
	require.NoError(t, endpoint.SendLocal("StartSaga", &StartSaga{SessionId: session}, correlation))
	require.Eventually(t, func() bool { return network.Acknowledged("sagas") == 1 }, time.Second, time.Millisecond)

	require.NoError(t, endpoint.SendLocal("Ping", &Ping{SessionId: session}, correlation))
	require.Eventually(t, func() bool { return network.Acknowledged("sagas") == 2 }, 5*time.Second, time.Millisecond)

	assert.Equal(t, int64(2), calls.Load())
	assert.Empty(t, network.DeadLetters("sagas"))
	pings, revision := loadPings(t, store, "CounterA", session)
	assert.Equal(t, float64(1), pings, "the failed delivery must not have counted")
	assert.Equal(t, 1, revision)
	assert.Equal(t, 0, endpoint.Locks().Held())
}

func TestFailingSagaHandlerSkipsPlainHandlers(t *testing.T) {
	network := transport.CreateNetwork()
	store := inmem.CreateStore()
	var sagaCalls, plainCalls atomic.Int64
	flaky := saga.Define("Flaky").
		Correlate("StartSaga", "SessionId", saga.Field("SessionId")).
		StartedBy("StartSaga", func(ctx *saga.Context, msg saga.Message) error {
			if sagaCalls.Add(1) == 1 {
				return errors.New("downstream unavailable")
			}
			ctx.State["Started"] = true
			return nil
		})
	endpoint := startEndpointWith(t, network, store, 1, func(endpoint *servicebus.Endpoint) {
		endpoint.Message("StartSaga").AsIncoming().Handle(func(ctx *servicebus.IncomingMessageContext) error {
			plainCalls.Add(1)
			return nil
		})
	}, flaky)

	require.NoError(t, endpoint.SendLocal("StartSaga", &StartSaga{SessionId: uuid.New().String()}))
	require.Eventually(t, func() bool { return network.Acknowledged("sagas") == 1 }, 5*time.Second, time.Millisecond)

	assert.Equal(t, int64(2), sagaCalls.Load())
	assert.Equal(t, int64(1), plainCalls.Load(), "plain handlers must only run for the attempt that commits")
	assert.Equal(t, 1, store.Count("Flaky"))
}
