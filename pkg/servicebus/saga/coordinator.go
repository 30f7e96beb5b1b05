package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/abecu-hub/go-bus/internal/logger"
	"github.com/abecu-hub/go-bus/pkg/servicebus/lock"
	"github.com/google/uuid"
)

//Observer is told about committed instance transitions.
type Observer interface {
	Created(sagaType string)
	Updated(sagaType string)
	Completed(sagaType string)
}

type nopObserver struct{}

func (nopObserver) Created(string)   {}
func (nopObserver) Updated(string)   {}
func (nopObserver) Completed(string) {}

/*
Coordinator routes a message to the saga instances of every subscribed saga type. All instances a message
touches are resolved first and locked as one batch, then handlers run and their effects are committed.
*/
type Coordinator struct {
	store           Store
	index           Index
	locks           *lock.Manager
	logger          *logger.Logger
	observer        Observer
	resolveAttempts int
}

func WithLogger(log *logger.Logger) func(*Coordinator) {
	return func(coordinator *Coordinator) {
		if log != nil {
			coordinator.logger = log
		}
	}
}

func WithObserver(observer Observer) func(*Coordinator) {
	return func(coordinator *Coordinator) {
		if observer != nil {
			coordinator.observer = observer
		}
	}
}

//WithResolveAttempts bounds how often the lock batch is rebuilt when targets change while waiting for it.
func WithResolveAttempts(attempts int) func(*Coordinator) {
	return func(coordinator *Coordinator) {
		if attempts > 0 {
			coordinator.resolveAttempts = attempts
		}
	}
}

func NewCoordinator(store Store, index Index, locks *lock.Manager, options ...func(*Coordinator)) *Coordinator {
	coordinator := &Coordinator{
		store:           store,
		index:           index,
		locks:           locks,
		logger:          logger.Nop(),
		observer:        nopObserver{},
		resolveAttempts: 3,
	}
	for _, option := range options {
		option(coordinator)
	}
	return coordinator
}

type target struct {
	definition *Definition
	rule       CorrelationRule
	value      string
	instanceID string
}

//lockKey is the instance id, or for an instance yet to be created a key derived from its correlation.
func (t target) lockKey() string {
	if t.instanceID != "" {
		return t.instanceID
	}
	return "new/" + t.definition.Name + "/" + t.rule.Property + "/" + t.value
}

/*
Dispatch handles msg for the given subscribers. It returns nil when every effect was committed or nothing
correlated. Lock timeouts, revision conflicts and handler errors leave no persisted effect.

beforeCommit, when not nil, runs after the saga handlers and before anything is written, with the instance
locks still held. An error from it aborts the dispatch like a handler error.
*/
func (coordinator *Coordinator) Dispatch(ctx context.Context, msg Message, subscribers []*Definition, beforeCommit func() error) error {
	log := coordinator.logger.WithContext(ctx).WithField("messageType", msg.MessageType())
	if beforeCommit == nil {
		beforeCommit = func() error { return nil }
	}

	targets, err := coordinator.resolve(ctx, msg, subscribers)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		log.Debug("no saga correlates with message")
		return beforeCommit()
	}

	owner := uuid.New().String()
	for attempt := 1; ; attempt++ {
		handle, err := coordinator.locks.Acquire(ctx, owner, lockKeys(targets)...)
		if err != nil {
			log.WithError(err).Warn("could not lock saga instances")
			return fmt.Errorf("saga: locking instances for %s: %w", msg.MessageType(), err)
		}

		current, err := coordinator.resolve(ctx, msg, subscribers)
		if err != nil {
			handle.Release()
			return err
		}
		if covers(handle.Keys(), current) {
			err = coordinator.handle(ctx, msg, current, beforeCommit)
			handle.Release()
			return err
		}

		handle.Release()
		if attempt >= coordinator.resolveAttempts {
			return fmt.Errorf("%w: correlation of %s kept changing", ErrConcurrentModification, msg.MessageType())
		}
		log.Debugf("saga targets changed while locking, retrying", map[string]interface{}{"attempt": attempt})
		targets = current
	}
}

func (coordinator *Coordinator) resolve(ctx context.Context, msg Message, subscribers []*Definition) ([]target, error) {
	var targets []target
	for _, def := range subscribers {
		rule, ok := def.Rule(msg.MessageType())
		if !ok {
			continue
		}
		value, err := rule.Extract(msg)
		if err != nil {
			return nil, &HandlerError{SagaType: def.Name, MessageType: msg.MessageType(), Fatal: true, Err: err}
		}
		if value == "" {
			return nil, &HandlerError{SagaType: def.Name, MessageType: msg.MessageType(), Fatal: true,
				Err: fmt.Errorf("%w for property %s", ErrEmptyCorrelation, rule.Property)}
		}

		id, err := coordinator.index.Find(ctx, def.Name, msg.MessageType(), value)
		switch {
		case err == nil:
			targets = append(targets, target{definition: def, rule: rule, value: value, instanceID: id})
		case errors.Is(err, ErrNotFound):
			if !def.CanStart(msg.MessageType()) {
				coordinator.logger.Debugf("no saga instance found and message does not start one",
					map[string]interface{}{"saga": def.Name, "messageType": msg.MessageType(), "value": value})
				continue
			}
			targets = append(targets, target{definition: def, rule: rule, value: value})
		default:
			return nil, fmt.Errorf("saga %s: finding instance: %w", def.Name, err)
		}
	}
	return targets, nil
}

func (coordinator *Coordinator) handle(ctx context.Context, msg Message, targets []target, beforeCommit func() error) error {
	contexts := make(map[string]*Context)
	var ordered []*Context
	for _, t := range targets {
		key := t.lockKey()
		if sc, ok := contexts[key]; ok {
			sc.attach(t.definition)
			continue
		}

		var sc *Context
		if t.instanceID == "" {
			sc = newContext(t.definition, t.rule, t.value, key)
		} else {
			instance, err := coordinator.store.Load(ctx, t.instanceID)
			if errors.Is(err, ErrNotFound) {
				//Index entry without instance, drop it so the next delivery starts over.
				if removeErr := coordinator.index.Remove(ctx, t.definition.Name, t.instanceID); removeErr != nil {
					return fmt.Errorf("saga %s: removing orphaned correlation: %w", t.definition.Name, removeErr)
				}
				return fmt.Errorf("%w: instance %s of %s is indexed but missing", ErrConcurrentModification, t.instanceID, t.definition.Name)
			}
			if err != nil {
				return fmt.Errorf("saga %s: loading instance %s: %w", t.definition.Name, t.instanceID, err)
			}
			sc = loadContext(instance, key)
			sc.attach(t.definition)
		}
		contexts[key] = sc
		ordered = append(ordered, sc)
	}

	for _, sc := range ordered {
		sc.snapshot()
	}

	for _, t := range targets {
		sc := contexts[t.lockKey()]
		if err := invoke(t.definition, sc, msg); err != nil {
			return err
		}
	}

	if err := beforeCommit(); err != nil {
		return err
	}
	return coordinator.commit(ctx, ordered)
}

func invoke(def *Definition, sc *Context, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{SagaType: def.Name, MessageType: msg.MessageType(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if err := def.handler(msg.MessageType())(sc, msg); err != nil {
		return &HandlerError{SagaType: def.Name, MessageType: msg.MessageType(), Fatal: IsPoison(err), Err: err}
	}
	return nil
}

/*
commit validates every instance before writing any of them: stored revisions must still match and every
correlation value about to be registered must be free or already ours.
*/
func (coordinator *Coordinator) commit(ctx context.Context, contexts []*Context) error {
	for _, sc := range contexts {
		if err := coordinator.validate(ctx, sc); err != nil {
			return err
		}
	}

	write := func(ctx context.Context) error {
		for _, sc := range contexts {
			if err := coordinator.write(ctx, sc); err != nil {
				return err
			}
		}
		return nil
	}

	if transactor, ok := coordinator.store.(Transactor); ok {
		if err := transactor.WithTransaction(ctx, write); err != nil {
			return err
		}
	} else if err := write(ctx); err != nil {
		return err
	}

	for _, sc := range contexts {
		coordinator.notify(sc)
	}
	return nil
}

func (coordinator *Coordinator) validate(ctx context.Context, sc *Context) error {
	if sc.IsNew && sc.IsCompleted {
		return nil
	}
	if !sc.IsNew {
		instance, err := coordinator.store.Load(ctx, sc.ID)
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("%w: instance %s was deleted", ErrConcurrentModification, sc.ID)
		}
		if err != nil {
			return fmt.Errorf("saga %s: validating instance %s: %w", sc.Type, sc.ID, err)
		}
		if instance.Revision != sc.revision {
			return fmt.Errorf("%w: instance %s has revision %d, loaded %d", ErrConcurrentModification, sc.ID, instance.Revision, sc.revision)
		}
	}
	if sc.IsCompleted || (!sc.IsNew && !sc.correlationChanged()) {
		return nil
	}

	for _, def := range sc.definitions {
		for _, rule := range def.Rules() {
			value := propertyValue(sc.State, rule.Property)
			if value == "" {
				continue
			}
			id, err := coordinator.index.Find(ctx, def.Name, rule.MessageType, value)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return fmt.Errorf("saga %s: validating correlation: %w", def.Name, err)
			}
			if sc.IsNew || id != sc.ID {
				return fmt.Errorf("%w: %s %s=%s is owned by instance %s", ErrDuplicateCorrelation, def.Name, rule.Property, value, id)
			}
		}
	}
	return nil
}

func (coordinator *Coordinator) write(ctx context.Context, sc *Context) error {
	switch {
	case sc.IsNew && sc.IsCompleted:
		return nil
	case sc.IsNew:
		id, err := coordinator.store.Create(ctx, sc.Type, sc.State)
		if err != nil {
			return fmt.Errorf("saga %s: creating instance: %w", sc.Type, err)
		}
		sc.ID = id
		return coordinator.register(ctx, sc)
	case sc.IsCompleted:
		if err := coordinator.store.Delete(ctx, sc.ID, sc.revision); err != nil {
			return fmt.Errorf("saga %s: deleting instance %s: %w", sc.Type, sc.ID, err)
		}
		return coordinator.unregister(ctx, sc)
	default:
		if err := coordinator.store.Save(ctx, sc.ID, sc.State, sc.revision); err != nil {
			return fmt.Errorf("saga %s: saving instance %s: %w", sc.Type, sc.ID, err)
		}
		if !sc.correlationChanged() {
			return nil
		}
		if err := coordinator.unregister(ctx, sc); err != nil {
			return err
		}
		return coordinator.register(ctx, sc)
	}
}

func (coordinator *Coordinator) register(ctx context.Context, sc *Context) error {
	for _, def := range sc.definitions {
		for _, rule := range def.Rules() {
			value := propertyValue(sc.State, rule.Property)
			if value == "" {
				continue
			}
			if err := coordinator.index.Register(ctx, def.Name, rule.MessageType, value, sc.ID); err != nil {
				return fmt.Errorf("saga %s: registering correlation %s=%s: %w", def.Name, rule.Property, value, err)
			}
		}
	}
	return nil
}

func (coordinator *Coordinator) unregister(ctx context.Context, sc *Context) error {
	for _, def := range sc.definitions {
		if err := coordinator.index.Remove(ctx, def.Name, sc.ID); err != nil {
			return fmt.Errorf("saga %s: removing correlations of %s: %w", def.Name, sc.ID, err)
		}
	}
	return nil
}

func (coordinator *Coordinator) notify(sc *Context) {
	fields := map[string]interface{}{"saga": sc.Type, "instance": sc.ID}
	switch {
	case sc.IsNew && sc.IsCompleted:
		coordinator.observer.Completed(sc.Type)
		coordinator.logger.Debugf("saga started and completed", fields)
	case sc.IsNew:
		coordinator.observer.Created(sc.Type)
		coordinator.logger.Debugf("saga started", fields)
	case sc.IsCompleted:
		coordinator.observer.Completed(sc.Type)
		coordinator.logger.Debugf("saga completed", fields)
	default:
		coordinator.observer.Updated(sc.Type)
	}
}

func lockKeys(targets []target) []string {
	keys := make([]string, 0, len(targets))
	for _, t := range targets {
		keys = append(keys, t.lockKey())
	}
	return keys
}

func covers(held []string, targets []target) bool {
	set := make(map[string]struct{}, len(held))
	for _, key := range held {
		set[key] = struct{}{}
	}
	for _, t := range targets {
		if _, ok := set[t.lockKey()]; !ok {
			return false
		}
	}
	return true
}
