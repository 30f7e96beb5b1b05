package inmem

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/abecu-hub/go-bus/pkg/servicebus/saga"
	"github.com/google/uuid"
)

type correlationKey struct {
	sagaType    string
	messageType string
	value       string
}

//Store keeps saga instances and their correlation entries in process memory.
type Store struct {
	mu           sync.RWMutex
	instances    map[string]*saga.Instance
	correlations map[correlationKey]string
}

func CreateStore() *Store {
	return &Store{
		instances:    make(map[string]*saga.Instance),
		correlations: make(map[correlationKey]string),
	}
}

func (store *Store) Load(ctx context.Context, id string) (*saga.Instance, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	instance, ok := store.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: instance %s", saga.ErrNotFound, id)
	}
	return &saga.Instance{
		ID:        instance.ID,
		Type:      instance.Type,
		Revision:  instance.Revision,
		State:     saga.CopyState(instance.State),
		CreatedAt: instance.CreatedAt,
	}, nil
}

func (store *Store) Create(ctx context.Context, sagaType string, state map[string]interface{}) (string, error) {
	id := uuid.New().String()

	store.mu.Lock()
	defer store.mu.Unlock()

	store.instances[id] = &saga.Instance{
		ID:        id,
		Type:      sagaType,
		State:     saga.CopyState(state),
		CreatedAt: time.Now().UTC(),
	}
	return id, nil
}

func (store *Store) Save(ctx context.Context, id string, state map[string]interface{}, revision int) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	instance, err := store.current(id, revision)
	if err != nil {
		return err
	}
	instance.State = saga.CopyState(state)
	instance.Revision++
	return nil
}

func (store *Store) Delete(ctx context.Context, id string, revision int) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, err := store.current(id, revision); err != nil {
		return err
	}
	delete(store.instances, id)
	return nil
}

func (store *Store) current(id string, revision int) (*saga.Instance, error) {
	instance, ok := store.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: instance %s", saga.ErrNotFound, id)
	}
	if instance.Revision != revision {
		return nil, fmt.Errorf("%w: instance %s has revision %d, expected %d", saga.ErrConcurrentModification, id, instance.Revision, revision)
	}
	return instance, nil
}

func (store *Store) Find(ctx context.Context, sagaType string, messageType string, value string) (string, error) {
	store.mu.RLock()
	defer store.mu.RUnlock()

	id, ok := store.correlations[correlationKey{sagaType, messageType, value}]
	if !ok {
		return "", fmt.Errorf("%w: %s correlation for %s=%s", saga.ErrNotFound, sagaType, messageType, value)
	}
	return id, nil
}

func (store *Store) Register(ctx context.Context, sagaType string, messageType string, value string, id string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	key := correlationKey{sagaType, messageType, value}
	if existing, ok := store.correlations[key]; ok && existing != id {
		return fmt.Errorf("%w: %s %s=%s belongs to %s", saga.ErrDuplicateCorrelation, sagaType, messageType, value, existing)
	}
	store.correlations[key] = id
	return nil
}

func (store *Store) Remove(ctx context.Context, sagaType string, id string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	for key, existing := range store.correlations {
		if key.sagaType == sagaType && existing == id {
			delete(store.correlations, key)
		}
	}
	return nil
}

//Count returns the number of live instances of sagaType, or of all types when sagaType is empty.
func (store *Store) Count(sagaType string) int {
	store.mu.RLock()
	defer store.mu.RUnlock()

	count := 0
	for _, instance := range store.instances {
		if sagaType == "" || instance.Type == sagaType {
			count++
		}
	}
	return count
}

//Correlations returns the number of index entries.
func (store *Store) Correlations() int {
	store.mu.RLock()
	defer store.mu.RUnlock()
	return len(store.correlations)
}
