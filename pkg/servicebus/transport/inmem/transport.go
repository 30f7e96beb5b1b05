package inmem

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/abecu-hub/go-bus/pkg/servicebus"
	"github.com/abecu-hub/go-bus/pkg/servicebus/retrypolicy"
)

var ErrNotStarted = errors.New("in-memory transport has not been started")

type Transport struct {
	MaxDeliveries   int
	RetryDelay      time.Duration
	MaxRetryDelay   time.Duration
	network         *Network
	endpointName    string
	inbox           *queue
	routingBuffer   []string
	messageReceived chan *servicebus.IncomingMessageContext
	mu              sync.Mutex
	closed          chan struct{}
	closeOnce       sync.Once
	pump            sync.WaitGroup
}

/*
Create a new in-memory Transport attached to the given network.
*/
func Create(network *Network, options ...func(*Transport)) *Transport {
	transport := &Transport{
		MaxDeliveries: 5,
		RetryDelay:    10 * time.Millisecond,
		MaxRetryDelay: time.Second,
		network:       network,
		routingBuffer: make([]string, 0),
		closed:        make(chan struct{}),
	}

	for _, option := range options {
		option(transport)
	}

	return transport
}

//Give up on a message after the given number of deliveries and move it to the dead-letter queue.
func UseMaxDeliveries(maxDeliveries int) func(*Transport) {
	return func(transport *Transport) {
		if maxDeliveries > 0 {
			transport.MaxDeliveries = maxDeliveries
		}
	}
}

//Wait before redelivering a retried message, doubling the delay with every delivery up to max.
func UseRetryDelay(base time.Duration, max time.Duration) func(*Transport) {
	return func(transport *Transport) {
		transport.RetryDelay = base
		transport.MaxRetryDelay = max
	}
}

func (transport *Transport) Start(endpointName string) error {
	transport.mu.Lock()
	defer transport.mu.Unlock()

	if transport.inbox != nil {
		return fmt.Errorf("in-memory transport already started for %s", transport.endpointName)
	}
	if transport.messageReceived == nil {
		return errors.New("in-memory transport has no message channel")
	}

	transport.endpointName = endpointName
	transport.inbox = transport.network.queue(endpointName)
	for _, route := range transport.routingBuffer {
		transport.network.subscribe(route, endpointName)
	}
	transport.routingBuffer = nil

	transport.pump.Add(1)
	go transport.deliver()
	return nil
}

func (transport *Transport) deliver() {
	defer transport.pump.Done()
	for {
		env := transport.inbox.pop()
		if env == nil {
			select {
			case <-transport.closed:
				return
			case <-transport.inbox.signal:
				continue
			}
		}

		env.deliveries++
		ctx := env.incoming()
		transport.settlement(ctx, env)

		select {
		case transport.messageReceived <- ctx:
		case <-transport.closed:
			env.deliveries--
			transport.inbox.pushFront(env)
			return
		}
	}
}

func (transport *Transport) settlement(ctx *servicebus.IncomingMessageContext, env *envelope) {
	var once sync.Once
	inbox := transport.inbox
	ctx.Ack = func() {
		once.Do(inbox.ack)
	}
	ctx.Retry = func() {
		once.Do(func() {
			if env.deliveries >= transport.MaxDeliveries {
				inbox.deadLetter(env)
				return
			}
			inbox.schedule(env, retrypolicy.ExponentialDelay(transport.RetryDelay, transport.MaxRetryDelay, env.deliveries))
		})
	}
	ctx.Discard = func() {
		once.Do(func() {
			inbox.deadLetter(env)
		})
	}
}

func (transport *Transport) MessageReceived(eventChannel chan *servicebus.IncomingMessageContext) chan *servicebus.IncomingMessageContext {
	transport.messageReceived = eventChannel
	return eventChannel
}

func (transport *Transport) RegisterRouting(route string) error {
	transport.mu.Lock()
	defer transport.mu.Unlock()

	if transport.inbox == nil {
		transport.routingBuffer = append(transport.routingBuffer, route)
		return nil
	}
	transport.network.subscribe(route, transport.endpointName)
	return nil
}

func (transport *Transport) UnregisterRouting(route string) error {
	transport.mu.Lock()
	defer transport.mu.Unlock()

	if transport.inbox == nil {
		for i, buffered := range transport.routingBuffer {
			if buffered == route {
				transport.routingBuffer = append(transport.routingBuffer[:i], transport.routingBuffer[i+1:]...)
				break
			}
		}
		return nil
	}
	transport.network.unsubscribe(route, transport.endpointName)
	return nil
}

func (transport *Transport) Publish(ctx *servicebus.OutgoingMessageContext) error {
	env, err := createEnvelope(ctx)
	if err != nil {
		return err
	}
	for _, name := range transport.network.subscribers(ctx.Type) {
		copied := *env
		transport.network.queue(name).push(&copied)
	}
	return nil
}

func (transport *Transport) Send(destination string, ctx *servicebus.OutgoingMessageContext) error {
	env, err := createEnvelope(ctx)
	if err != nil {
		return err
	}
	transport.network.queue(destination).push(env)
	return nil
}

func (transport *Transport) SendLocal(ctx *servicebus.OutgoingMessageContext) error {
	transport.mu.Lock()
	name := transport.endpointName
	transport.mu.Unlock()
	if name == "" {
		return ErrNotStarted
	}
	return transport.Send(name, ctx)
}

//Close stops handing out messages. A message that was not yet taken by a worker stays queued.
func (transport *Transport) Close() error {
	transport.closeOnce.Do(func() {
		close(transport.closed)
	})
	transport.pump.Wait()
	return nil
}

func createEnvelope(ctx *servicebus.OutgoingMessageContext) (*envelope, error) {
	payload, err := json.Marshal(ctx.Payload)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]interface{}, len(ctx.Headers)+1)
	for key, value := range ctx.Headers {
		headers[key] = value
	}
	headers["Origin"] = ctx.Origin
	if ctx.Version != "" {
		headers["Version"] = ctx.Version
	}

	return &envelope{
		origin:        ctx.Origin,
		messageType:   ctx.Type,
		messageId:     ctx.MessageId,
		correlationId: ctx.CorrelationId,
		timestamp:     ctx.Timestamp,
		priority:      ctx.Priority,
		headers:       headers,
		payload:       payload,
	}, nil
}
