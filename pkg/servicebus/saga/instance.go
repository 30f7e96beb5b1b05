package saga

import "time"

//Instance is the persisted form of one saga.
type Instance struct {
	ID        string
	Type      string
	Revision  int
	State     map[string]interface{}
	CreatedAt time.Time
}

//CopyState returns a shallow copy of state. Nested values are shared.
func CopyState(state map[string]interface{}) map[string]interface{} {
	copied := make(map[string]interface{}, len(state))
	for k, v := range state {
		copied[k] = v
	}
	return copied
}
