package saga

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound               = errors.New("saga: not found")
	ErrDuplicateCorrelation   = errors.New("saga: correlation value already belongs to another instance")
	ErrConcurrentModification = errors.New("saga: instance was modified concurrently")
	ErrDuplicateRegistration  = errors.New("saga: saga type already registered")
	ErrRegistryFrozen         = errors.New("saga: registry is frozen")
	ErrEmptyCorrelation       = errors.New("saga: empty correlation value")
)

//HandlerError is a failure raised by a saga handler. It is retried unless Fatal is set.
type HandlerError struct {
	SagaType    string
	MessageType string
	Fatal       bool
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("saga %s: handling %s: %v", e.SagaType, e.MessageType, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

type poison struct {
	err error
}

func (p *poison) Error() string {
	return p.err.Error()
}

func (p *poison) Unwrap() error {
	return p.err
}

//Poison marks err as permanent. A handler returning it gets its message dead-lettered instead of retried.
func Poison(err error) error {
	if err == nil {
		return nil
	}
	return &poison{err: err}
}

//IsPoison reports whether err carries a Poison mark or is a fatal HandlerError.
func IsPoison(err error) bool {
	var p *poison
	if errors.As(err, &p) {
		return true
	}
	var handlerErr *HandlerError
	return errors.As(err, &handlerErr) && handlerErr.Fatal
}
