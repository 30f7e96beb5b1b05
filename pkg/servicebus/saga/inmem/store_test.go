package inmem

import (
	"context"
	"errors"
	"testing"

	"github.com/abecu-hub/go-bus/pkg/servicebus/saga"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLifecycle(t *testing.T) {
	store := CreateStore()
	ctx := context.Background()

	id, err := store.Create(ctx, "OrderSaga", map[string]interface{}{"OrderID": "42"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	instance, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "OrderSaga", instance.Type)
	assert.Equal(t, 0, instance.Revision)
	assert.Equal(t, "42", instance.State["OrderID"])

	instance.State["OrderID"] = "mutated"
	reloaded, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "42", reloaded.State["OrderID"], "loaded state must be a copy")

	require.NoError(t, store.Save(ctx, id, map[string]interface{}{"OrderID": "42", "IsPaid": true}, 0))
	reloaded, err = store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Revision)
	assert.Equal(t, true, reloaded.State["IsPaid"])

	err = store.Save(ctx, id, map[string]interface{}{}, 0)
	assert.True(t, errors.Is(err, saga.ErrConcurrentModification))

	err = store.Delete(ctx, id, 0)
	assert.True(t, errors.Is(err, saga.ErrConcurrentModification))

	require.NoError(t, store.Delete(ctx, id, 1))
	_, err = store.Load(ctx, id)
	assert.True(t, errors.Is(err, saga.ErrNotFound))

	err = store.Save(ctx, id, map[string]interface{}{}, 1)
	assert.True(t, errors.Is(err, saga.ErrNotFound))
}

func TestIndex(t *testing.T) {
	store := CreateStore()
	ctx := context.Background()

	_, err := store.Find(ctx, "OrderSaga", "StartOrder", "42")
	assert.True(t, errors.Is(err, saga.ErrNotFound))

	require.NoError(t, store.Register(ctx, "OrderSaga", "StartOrder", "42", "a"))
	require.NoError(t, store.Register(ctx, "OrderSaga", "StartOrder", "42", "a"), "re-registering the same mapping is idempotent")
	require.NoError(t, store.Register(ctx, "OrderSaga", "OrderPaid", "42", "a"))
	require.NoError(t, store.Register(ctx, "AuditSaga", "StartOrder", "42", "b"), "other saga types have their own key space")

	err = store.Register(ctx, "OrderSaga", "StartOrder", "42", "c")
	assert.True(t, errors.Is(err, saga.ErrDuplicateCorrelation))

	id, err := store.Find(ctx, "OrderSaga", "OrderPaid", "42")
	require.NoError(t, err)
	assert.Equal(t, "a", id)

	require.NoError(t, store.Remove(ctx, "OrderSaga", "a"))
	_, err = store.Find(ctx, "OrderSaga", "StartOrder", "42")
	assert.True(t, errors.Is(err, saga.ErrNotFound))

	id, err = store.Find(ctx, "AuditSaga", "StartOrder", "42")
	require.NoError(t, err)
	assert.Equal(t, "b", id)
	assert.Equal(t, 1, store.Correlations())
}
