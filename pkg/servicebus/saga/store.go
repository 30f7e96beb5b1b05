package saga

import "context"

/*
Store persists saga instances by id. It does not lock anything itself, callers must hold the instance lock
before mutating.
*/
type Store interface {
	Load(ctx context.Context, id string) (*Instance, error)
	Create(ctx context.Context, sagaType string, state map[string]interface{}) (string, error)
	Save(ctx context.Context, id string, state map[string]interface{}, revision int) error
	Delete(ctx context.Context, id string, revision int) error
}

//Index maps (saga type, message type, correlation value) to an instance id.
type Index interface {
	Find(ctx context.Context, sagaType string, messageType string, value string) (string, error)
	Register(ctx context.Context, sagaType string, messageType string, value string, id string) error
	Remove(ctx context.Context, sagaType string, id string) error
}

//Transactor is implemented by stores that can apply several writes atomically.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
