package saga

//Message is the view of an incoming message the saga layer needs.
type Message interface {
	MessageType() string
	MessageID() string
	Bind(obj interface{}) error
}
