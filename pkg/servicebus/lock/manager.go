package lock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var ErrTimeout = errors.New("lock: acquisition timed out")

//Observer is notified about lock ownership changes. Released is invoked while the manager's internal mutex is held,
//so implementations must not call back into the Manager.
type Observer interface {
	Acquired(key string, owner string, wait time.Duration)
	Released(key string, owner string)
	TimedOut(key string, owner string)
}

type nopObserver struct{}

func (nopObserver) Acquired(string, string, time.Duration) {}
func (nopObserver) Released(string, string)                {}
func (nopObserver) TimedOut(string, string)                {}

type waiter struct {
	owner string
	ready chan struct{}
}

type entry struct {
	owner   string
	waiters []*waiter
}

/*
Manager grants exclusive ownership of string keys. A batch of keys is always acquired in ascending lexical order,
which rules out circular waits between callers that need overlapping key sets. Waiters of one key are served FIFO.
*/
type Manager struct {
	mu       sync.Mutex
	entries  map[string]*entry
	timeout  time.Duration
	observer Observer
}

func WithTimeout(timeout time.Duration) func(*Manager) {
	return func(manager *Manager) {
		manager.timeout = timeout
	}
}

func WithObserver(observer Observer) func(*Manager) {
	return func(manager *Manager) {
		if observer != nil {
			manager.observer = observer
		}
	}
}

func New(options ...func(*Manager)) *Manager {
	manager := &Manager{
		entries:  make(map[string]*entry),
		observer: nopObserver{},
	}
	for _, option := range options {
		option(manager)
	}
	return manager
}

//Canonical returns the deduplicated keys in acquisition order.
func Canonical(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	ordered := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		ordered = append(ordered, key)
	}
	sort.Strings(ordered)
	return ordered
}

/*
Acquire blocks until owner holds every key. Keys the owner already holds are skipped and stay owned by the
outer handle. If the wait exceeds the manager timeout or the context deadline, all keys taken by this call
are released again and ErrTimeout is returned.
*/
func (manager *Manager) Acquire(ctx context.Context, owner string, keys ...string) (*Handle, error) {
	if manager.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, manager.timeout)
		defer cancel()
	}

	handle := &Handle{manager: manager, owner: owner}
	for _, key := range Canonical(keys) {
		acquired, err := manager.acquire(ctx, owner, key)
		if acquired {
			handle.keys = append(handle.keys, key)
		}
		if err != nil {
			handle.Release()
			return nil, err
		}
	}
	return handle, nil
}

func (manager *Manager) acquire(ctx context.Context, owner string, key string) (bool, error) {
	start := time.Now()

	manager.mu.Lock()
	e, exists := manager.entries[key]
	if !exists {
		manager.entries[key] = &entry{owner: owner}
		manager.mu.Unlock()
		manager.observer.Acquired(key, owner, 0)
		return true, nil
	}
	if e.owner == owner {
		manager.mu.Unlock()
		return false, nil
	}
	w := &waiter{owner: owner, ready: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	manager.mu.Unlock()

	select {
	case <-w.ready:
		manager.observer.Acquired(key, owner, time.Since(start))
		return true, nil
	case <-ctx.Done():
	}

	manager.mu.Lock()
	select {
	case <-w.ready:
		//Handed over while the deadline fired, the caller releases it with the rest of the batch.
		manager.mu.Unlock()
		manager.observer.Acquired(key, owner, time.Since(start))
		return true, manager.timeoutError(ctx, key)
	default:
	}
	holder := e.owner
	for i, candidate := range e.waiters {
		if candidate == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	manager.mu.Unlock()

	manager.observer.TimedOut(key, owner)
	return false, fmt.Errorf("%w: key %s held by %s", manager.timeoutError(ctx, key), key, holder)
}

func (manager *Manager) timeoutError(ctx context.Context, key string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ctx.Err()
}

func (manager *Manager) release(owner string, keys []string) {
	manager.mu.Lock()
	defer manager.mu.Unlock()

	for i := len(keys) - 1; i >= 0; i-- {
		key := keys[i]
		e, ok := manager.entries[key]
		if !ok || e.owner != owner {
			continue
		}
		manager.observer.Released(key, owner)
		if len(e.waiters) == 0 {
			delete(manager.entries, key)
			continue
		}
		next := e.waiters[0]
		e.waiters = e.waiters[1:]
		e.owner = next.owner
		close(next.ready)
	}
}

//Held returns the number of keys currently owned by anyone.
func (manager *Manager) Held() int {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	return len(manager.entries)
}

//Owner returns the current owner of key, or an empty string.
func (manager *Manager) Owner(key string) string {
	manager.mu.Lock()
	defer manager.mu.Unlock()
	if e, ok := manager.entries[key]; ok {
		return e.owner
	}
	return ""
}
