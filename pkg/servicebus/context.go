package servicebus

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrInvalidMessage = errors.New("invalid message")

type OutgoingMessageContext struct {
	Origin        string
	Type          string
	CorrelationId string
	MessageId     string
	Timestamp     time.Time
	Payload       interface{}
	Priority      uint8
	Headers       map[string]interface{}
	endpoint      *Endpoint
	Version       string
	IsCancelled   bool
}

func CreateOutgoingContext(endpoint *Endpoint) *OutgoingMessageContext {
	return &OutgoingMessageContext{
		endpoint: endpoint,
	}
}

func (context *OutgoingMessageContext) Cancel() {
	context.IsCancelled = true
}

/*
The IncomingMessageContext holds the message information of the Endpoint instance that handled the message.
Ack, Retry and Discard are set by the transport and called by the endpoint according to the dispatch result.
*/
type IncomingMessageContext struct {
	Headers       map[string]interface{}
	Origin        string
	Payload       []byte
	Type          string
	CorrelationId string
	MessageId     string
	Timestamp     time.Time
	Priority      uint8
	DeliveryCount int
	endpoint      *Endpoint
	Ack           func()
	Retry         func()
	Discard       func()
	dispatching   bool
	outbox        []func() error
}

func (context *IncomingMessageContext) setEndpoint(endpoint *Endpoint) {
	context.endpoint = endpoint
}

//deferred holds send until the dispatch succeeded when messages of that type are configured as deferred.
func (context *IncomingMessageContext) deferred(messageType string, send func() error) bool {
	if !context.dispatching || !context.endpoint.isDeferred(messageType) {
		return false
	}
	context.outbox = append(context.outbox, send)
	return true
}

//flush sends the held messages and returns how many failed.
func (context *IncomingMessageContext) flush() []error {
	var errs []error
	for _, send := range context.outbox {
		if err := send(); err != nil {
			errs = append(errs, err)
		}
	}
	context.outbox = nil
	return errs
}

func (context *IncomingMessageContext) validate() error {

	if context.Origin == "" {
		return fmt.Errorf("%w: Message has no Origin.", ErrInvalidMessage)
	}
	if context.Type == "" {
		return fmt.Errorf("%w: Message has no Type.", ErrInvalidMessage)
	}
	if context.MessageId == "" {
		return fmt.Errorf("%w: Message has no MessageId.", ErrInvalidMessage)
	}
	if context.CorrelationId == "" {
		return fmt.Errorf("%w: Message has no CorrelationId.", ErrInvalidMessage)
	}
	return nil

}

func (context *IncomingMessageContext) MessageType() string {
	return context.Type
}

func (context *IncomingMessageContext) MessageID() string {
	return context.MessageId
}

/*
Bind the message payload to a struct object
*/
func (context *IncomingMessageContext) Bind(obj interface{}) error {
	err := json.Unmarshal(context.Payload, obj)
	if err != nil {
		return err
	}
	return nil
}

/*
Reply with a message to the origin of the current message context.
*/
func (context *IncomingMessageContext) Reply(messageType string, msg interface{}, options ...OutgoingMutation) error {
	origin := context.Origin
	if header, ok := context.Headers["Origin"]; ok {
		origin = fmt.Sprintf("%v", header)
	}
	return context.Send(messageType, origin, msg, options...)
}

/*
Send a message to a specific Endpoint.
*/
func (context *IncomingMessageContext) Send(messageType string, destination string, msg interface{}, options ...OutgoingMutation) error {
	options = append(options, context.correlate)
	send := func() error { return context.endpoint.Send(messageType, destination, msg, options...) }
	if context.deferred(messageType, send) {
		return nil
	}
	return send()
}

/*
Publish a message to all subscribers.
*/
func (context *IncomingMessageContext) Publish(messageType string, msg interface{}, options ...OutgoingMutation) error {
	options = append(options, context.correlate)
	send := func() error { return context.endpoint.Publish(messageType, msg, options...) }
	if context.deferred(messageType, send) {
		return nil
	}
	return send()
}

/*
Send the message to the local Endpoint.
*/
func (context *IncomingMessageContext) SendLocal(messageType string, msg interface{}, options ...OutgoingMutation) error {
	options = append(options, context.correlate)
	send := func() error { return context.endpoint.SendLocal(messageType, msg, options...) }
	if context.deferred(messageType, send) {
		return nil
	}
	return send()
}

func (context *IncomingMessageContext) correlate(m *OutgoingMessageContext) {
	m.CorrelationId = context.CorrelationId
}
