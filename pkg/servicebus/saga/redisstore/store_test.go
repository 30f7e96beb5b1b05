package redisstore

import (
	"context"
	"errors"
	"testing"

	"github.com/abecu-hub/go-bus/pkg/servicebus/saga"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//setupTestStore creates a store connected to a miniredis instance
func setupTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr := miniredis.NewMiniRedis()
	err := mr.Start()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	store, err := CreateRedisStore(&redis.Options{Addr: mr.Addr()}, "SagaHostQueue")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store, mr
}

func TestCreateRedisStore(t *testing.T) {
	t.Run("rejects empty namespace", func(t *testing.T) {
		_, err := CreateRedisStore(&redis.Options{Addr: "localhost:6379"}, "")
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "namespace cannot be empty")
	})

	t.Run("pings", func(t *testing.T) {
		store, _ := setupTestStore(t)
		assert.NoError(t, store.Ping(context.Background()))
	})
}

func TestInstanceLifecycle(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	id, err := store.Create(ctx, "SimpleSaga1", map[string]interface{}{"SessionId": "abc"})
	require.NoError(t, err)
	assert.True(t, mr.Exists(InstanceKey("SagaHostQueue", id)))

	instance, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "SimpleSaga1", instance.Type)
	assert.Equal(t, 0, instance.Revision)
	assert.Equal(t, "abc", instance.State["SessionId"])
	assert.False(t, instance.CreatedAt.IsZero())

	t.Run("save checks revision", func(t *testing.T) {
		require.NoError(t, store.Save(ctx, id, map[string]interface{}{"SessionId": "abc", "Step": "paid"}, 0))

		err := store.Save(ctx, id, map[string]interface{}{}, 0)
		assert.True(t, errors.Is(err, saga.ErrConcurrentModification))

		instance, err := store.Load(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 1, instance.Revision)
		assert.Equal(t, "paid", instance.State["Step"])
	})

	t.Run("delete checks revision", func(t *testing.T) {
		err := store.Delete(ctx, id, 0)
		assert.True(t, errors.Is(err, saga.ErrConcurrentModification))

		require.NoError(t, store.Delete(ctx, id, 1))
		_, err = store.Load(ctx, id)
		assert.True(t, errors.Is(err, saga.ErrNotFound))
	})

	t.Run("missing instance", func(t *testing.T) {
		err := store.Save(ctx, "missing", map[string]interface{}{}, 0)
		assert.True(t, errors.Is(err, saga.ErrNotFound))
	})
}

func TestCorrelationIndex(t *testing.T) {
	store, mr := setupTestStore(t)
	ctx := context.Background()

	_, err := store.Find(ctx, "SimpleSaga1", "StartSaga", "abc")
	assert.True(t, errors.Is(err, saga.ErrNotFound))

	require.NoError(t, store.Register(ctx, "SimpleSaga1", "StartSaga", "abc", "id-1"))
	require.NoError(t, store.Register(ctx, "SimpleSaga1", "StartSaga", "abc", "id-1"))
	require.NoError(t, store.Register(ctx, "SimpleSaga1", "Ping", "abc", "id-1"))
	require.NoError(t, store.Register(ctx, "SimpleSaga2", "StartSaga", "abc", "id-2"))

	err = store.Register(ctx, "SimpleSaga1", "StartSaga", "abc", "id-3")
	assert.True(t, errors.Is(err, saga.ErrDuplicateCorrelation))

	id, err := store.Find(ctx, "SimpleSaga1", "Ping", "abc")
	require.NoError(t, err)
	assert.Equal(t, "id-1", id)

	require.NoError(t, store.Remove(ctx, "SimpleSaga1", "id-1"))
	_, err = store.Find(ctx, "SimpleSaga1", "StartSaga", "abc")
	assert.True(t, errors.Is(err, saga.ErrNotFound))
	assert.False(t, mr.Exists(InstanceCorrelationsKey("SagaHostQueue", "SimpleSaga1", "id-1")))

	id, err = store.Find(ctx, "SimpleSaga2", "StartSaga", "abc")
	require.NoError(t, err)
	assert.Equal(t, "id-2", id)
}
