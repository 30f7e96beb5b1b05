package saga

import (
	"fmt"
	"sync"
)

/*
Registry holds the saga types of an endpoint. Registering the same saga type name twice is rejected with
ErrDuplicateRegistration. Different saga types may share message types, correlation properties and state shape,
each of them then owns its own instances.
*/
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*Definition
	order       []*Definition
	frozen      bool
}

func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]*Definition),
	}
}

func (registry *Registry) Register(def *Definition) error {
	if def == nil {
		return fmt.Errorf("saga: nil definition")
	}
	if err := def.validate(); err != nil {
		return fmt.Errorf("saga: invalid definition: %w", err)
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	if registry.frozen {
		return fmt.Errorf("%w: cannot register %s", ErrRegistryFrozen, def.Name)
	}
	if _, exists := registry.definitions[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRegistration, def.Name)
	}
	registry.definitions[def.Name] = def
	registry.order = append(registry.order, def)
	return nil
}

//Freeze makes the registry immutable.
func (registry *Registry) Freeze() {
	registry.mu.Lock()
	registry.frozen = true
	registry.mu.Unlock()
}

//Subscribers returns the saga types handling messageType, in registration order.
func (registry *Registry) Subscribers(messageType string) []*Definition {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	var subscribers []*Definition
	for _, def := range registry.order {
		if def.handler(messageType) != nil {
			subscribers = append(subscribers, def)
		}
	}
	return subscribers
}

func (registry *Registry) Get(name string) (*Definition, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	def, ok := registry.definitions[name]
	return def, ok
}

func (registry *Registry) Definitions() []*Definition {
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	definitions := make([]*Definition, len(registry.order))
	copy(definitions, registry.order)
	return definitions
}
