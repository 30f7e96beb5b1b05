package redisstore

import (
	"context"
	"errors"
	"testing"

	"github.com/abecu-hub/go-bus/pkg/servicebus/saga"
	redismock "github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//mockStore wires a store to a redismock client for failure paths miniredis cannot produce
func mockStore(t *testing.T) (*Store, redismock.ClientMock) {
	client, mock := redismock.NewClientMock()
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	return &Store{rdb: client, namespace: "SagaHostQueue"}, mock
}

func TestLoad_ReadFailure(t *testing.T) {
	store, mock := mockStore(t)
	mock.ExpectHGetAll(InstanceKey("SagaHostQueue", "id-1")).SetErr(errors.New("connection reset"))

	_, err := store.Load(context.Background(), "id-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read saga from Redis")
	assert.False(t, errors.Is(err, saga.ErrNotFound))
}

func TestLoad_CorruptRevision(t *testing.T) {
	store, mock := mockStore(t)
	mock.ExpectHGetAll(InstanceKey("SagaHostQueue", "id-1")).SetVal(map[string]string{
		"type":     "SimpleSaga1",
		"revision": "not-a-number",
	})

	_, err := store.Load(context.Background(), "id-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid revision")
}

func TestFind_ReadFailure(t *testing.T) {
	store, mock := mockStore(t)
	mock.ExpectGet(CorrelationKey("SagaHostQueue", "SimpleSaga1", "StartSaga", "s-1")).SetErr(errors.New("timeout"))

	_, err := store.Find(context.Background(), "SimpleSaga1", "StartSaga", "s-1")
	require.Error(t, err)
	assert.False(t, errors.Is(err, saga.ErrNotFound))
}

func TestRegister_LostRace(t *testing.T) {
	store, mock := mockStore(t)
	key := CorrelationKey("SagaHostQueue", "SimpleSaga1", "StartSaga", "s-1")
	mock.ExpectSetNX(key, "id-2", 0).SetVal(false)
	mock.ExpectGet(key).SetVal("id-1")

	err := store.Register(context.Background(), "SimpleSaga1", "StartSaga", "s-1", "id-2")
	assert.ErrorIs(t, err, saga.ErrDuplicateCorrelation)
}

func TestRemove_ReadFailure(t *testing.T) {
	store, mock := mockStore(t)
	mock.ExpectSMembers(InstanceCorrelationsKey("SagaHostQueue", "SimpleSaga1", "id-1")).SetErr(errors.New("connection reset"))

	err := store.Remove(context.Background(), "SimpleSaga1", "id-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read correlations of id-1")
}
