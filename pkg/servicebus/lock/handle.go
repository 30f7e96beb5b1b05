package lock

import "sync"

//Handle is the exclusive ownership of the keys taken by one Acquire call.
type Handle struct {
	manager *Manager
	owner   string
	keys    []string
	once    sync.Once
}

func (handle *Handle) Owner() string {
	return handle.owner
}

//Keys returns the keys this handle acquired, in acquisition order. Reentrant keys are not included.
func (handle *Handle) Keys() []string {
	keys := make([]string, len(handle.keys))
	copy(keys, handle.keys)
	return keys
}

//Release gives up all keys of the handle at once. Calling it more than once is a no-op.
func (handle *Handle) Release() {
	handle.once.Do(func() {
		handle.manager.release(handle.owner, handle.keys)
	})
}
