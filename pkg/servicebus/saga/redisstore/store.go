package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/abecu-hub/go-bus/pkg/servicebus/saga"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

//Store persists saga instances and correlation entries in Redis.
//All keys are namespaced, usually with the endpoint name.
//Revisions are checked optimistically with WATCH/MULTI.
type Store struct {
	rdb       *redis.Client
	namespace string
}

//CreateRedisStore connects a store to Redis. The namespace must not be empty.
func CreateRedisStore(redisOpts *redis.Options, namespace string) (*Store, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}

	return &Store{
		rdb:       redis.NewClient(redisOpts),
		namespace: namespace,
	}, nil
}

//Close closes the Redis connection.
func (s *Store) Close() error {
	return s.rdb.Close()
}

//Ping verifies Redis connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Load(ctx context.Context, id string) (*saga.Instance, error) {
	hash, err := s.rdb.HGetAll(ctx, InstanceKey(s.namespace, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read saga from Redis: %w", err)
	}
	if len(hash) == 0 {
		return nil, fmt.Errorf("%w: instance %s", saga.ErrNotFound, id)
	}
	return hashToInstance(id, hash)
}

func (s *Store) Create(ctx context.Context, sagaType string, state map[string]interface{}) (string, error) {
	id := uuid.New().String()
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("failed to serialize saga state: %w", err)
	}

	err = s.rdb.HSet(ctx, InstanceKey(s.namespace, id),
		"type", sagaType,
		"revision", 0,
		"state", string(stateJSON),
		"created_at", time.Now().UTC().Format(time.RFC3339Nano),
	).Err()
	if err != nil {
		return "", fmt.Errorf("failed to write saga to Redis: %w", err)
	}
	return id, nil
}

func (s *Store) Save(ctx context.Context, id string, state map[string]interface{}, revision int) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to serialize saga state: %w", err)
	}

	key := InstanceKey(s.namespace, id)
	return s.checked(ctx, id, revision, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, key, "state", string(stateJSON), "revision", revision+1)
	})
}

func (s *Store) Delete(ctx context.Context, id string, revision int) error {
	key := InstanceKey(s.namespace, id)
	return s.checked(ctx, id, revision, func(pipe redis.Pipeliner) {
		pipe.Del(ctx, key)
	})
}

//checked runs write in a MULTI block that only executes while the instance is still at revision.
func (s *Store) checked(ctx context.Context, id string, revision int, write func(pipe redis.Pipeliner)) error {
	key := InstanceKey(s.namespace, id)
	err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, "revision").Int()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: instance %s", saga.ErrNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to read saga revision: %w", err)
		}
		if current != revision {
			return fmt.Errorf("%w: instance %s has revision %d, expected %d", saga.ErrConcurrentModification, id, current, revision)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			write(pipe)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: instance %s changed during write", saga.ErrConcurrentModification, id)
	}
	return err
}

func (s *Store) Find(ctx context.Context, sagaType string, messageType string, value string) (string, error) {
	id, err := s.rdb.Get(ctx, CorrelationKey(s.namespace, sagaType, messageType, value)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s correlation for %s=%s", saga.ErrNotFound, sagaType, messageType, value)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read correlation from Redis: %w", err)
	}
	return id, nil
}

func (s *Store) Register(ctx context.Context, sagaType string, messageType string, value string, id string) error {
	key := CorrelationKey(s.namespace, sagaType, messageType, value)
	created, err := s.rdb.SetNX(ctx, key, id, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to write correlation to Redis: %w", err)
	}
	if !created {
		existing, err := s.rdb.Get(ctx, key).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to read correlation from Redis: %w", err)
		}
		if existing != id {
			return fmt.Errorf("%w: %s %s=%s belongs to %s", saga.ErrDuplicateCorrelation, sagaType, messageType, value, existing)
		}
	}

	if err := s.rdb.SAdd(ctx, InstanceCorrelationsKey(s.namespace, sagaType, id), key).Err(); err != nil {
		return fmt.Errorf("failed to track correlation: %w", err)
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, sagaType string, id string) error {
	setKey := InstanceCorrelationsKey(s.namespace, sagaType, id)
	keys, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("failed to read correlations of %s: %w", id, err)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.Del(ctx, key)
		}
		pipe.Del(ctx, setKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove correlations of %s: %w", id, err)
	}
	return nil
}

func hashToInstance(id string, hash map[string]string) (*saga.Instance, error) {
	revision, err := strconv.Atoi(hash["revision"])
	if err != nil {
		return nil, fmt.Errorf("invalid revision for saga %s: %w", id, err)
	}

	state := make(map[string]interface{})
	if raw := hash["state"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &state); err != nil {
			return nil, fmt.Errorf("failed to deserialize saga state: %w", err)
		}
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, hash["created_at"])
	return &saga.Instance{
		ID:        id,
		Type:      hash["type"],
		Revision:  revision,
		State:     state,
		CreatedAt: createdAt,
	}, nil
}
