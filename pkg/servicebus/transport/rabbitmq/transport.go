package rabbitmq

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/abecu-hub/go-bus/pkg/servicebus"
	"github.com/streadway/amqp"
)

//DeliveriesHeader counts how often a retried message has been delivered.
const DeliveriesHeader = "x-gobus-deliveries"

type Transport struct {
	Url               string
	InputQueue        Queue
	MaxDeliveries     int
	Prefetch          int
	topology          Topology
	routingBuffer     []string
	started           bool
	connection        *amqp.Connection
	currentChannel    *amqp.Channel
	errorNotification chan *amqp.Error
	messageReceived   chan *servicebus.IncomingMessageContext
	redeliver         func(msg *amqp.Publishing) error
	closed            chan struct{}
	closeOnce         sync.Once
}

type Queue struct {
	Name    string
	Durable bool
	AutoAck bool
	Args    amqp.Table
}

func (rmq *Transport) connect() error {
	conn, err := amqp.Dial(rmq.Url)
	if err != nil {
		return err
	}
	rmq.connection = conn

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	rmq.currentChannel = ch

	if rmq.Prefetch > 0 {
		if err = ch.Qos(rmq.Prefetch, 0, false); err != nil {
			return err
		}
	}

	err = rmq.topology.Setup()
	if err != nil {
		return err
	}

	rmq.errorNotification = conn.NotifyClose(make(chan *amqp.Error))

	return nil
}

/*
Create a new RabbitMQ Transport for the go-bus endpoint.
*/
func Create(url string, options ...func(*Transport)) *Transport {
	rmq := &Transport{
		Url:           url,
		InputQueue:    Queue{Durable: true},
		MaxDeliveries: 5,
		routingBuffer: make([]string, 0),
		closed:        make(chan struct{}),
	}

	UseDefaultTopology("amq.topic")(rmq)

	for _, option := range options {
		option(rmq)
	}

	rmq.redeliver = func(msg *amqp.Publishing) error {
		return rmq.topology.SendLocal(msg)
	}

	return rmq
}

func (rmq *Transport) isConnected() bool {
	return rmq.started && !rmq.connection.IsClosed()
}

func (rmq *Transport) reconnect() {
	_ = rmq.currentChannel.Cancel("", false)
	_ = rmq.connection.Close()

	err := rmq.Start(rmq.InputQueue.Name)
	for err != nil {
		select {
		case <-rmq.closed:
			return
		case <-time.After(5 * time.Second):
		}
		err = rmq.Start(rmq.InputQueue.Name)
	}
}

func (rmq *Transport) Start(endpointName string) error {

	rmq.InputQueue.Name = endpointName

	err := rmq.connect()
	if err != nil {
		return err
	}

	for _, route := range rmq.routingBuffer {
		err = rmq.topology.RegisterRouting(route)
		if err != nil {
			return err
		}
	}
	rmq.started = true

	msgs, err := rmq.currentChannel.Consume(
		rmq.InputQueue.Name,
		"",
		rmq.InputQueue.AutoAck,
		false,
		false,
		false,
		nil,
	)

	if err != nil {
		return fmt.Errorf("Error consuming messages from RabbitMQ transport: %w", err)
	}

	go func() {
		for {
			select {
			case <-rmq.closed:
				return
			case <-rmq.errorNotification:
				rmq.reconnect()
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case rmq.messageReceived <- rmq.createIncomingContext(&d):
				case <-rmq.closed:
					_ = d.Reject(true)
					return
				}
			}
		}
	}()

	return nil
}

func (rmq *Transport) MessageReceived(eventChannel chan *servicebus.IncomingMessageContext) chan *servicebus.IncomingMessageContext {
	rmq.messageReceived = eventChannel
	return eventChannel
}

func (rmq *Transport) RegisterRouting(route string) error {
	if !rmq.isConnected() {
		rmq.routingBuffer = append(rmq.routingBuffer, route)
		return nil
	}

	err := rmq.topology.RegisterRouting(route)
	if err != nil {
		return fmt.Errorf("Error on registering route %s: %w", route, err)
	}
	rmq.routingBuffer = append(rmq.routingBuffer, route)
	return nil
}

func (rmq *Transport) UnregisterRouting(route string) error {
	for i, buffered := range rmq.routingBuffer {
		if buffered == route {
			rmq.routingBuffer = append(rmq.routingBuffer[:i], rmq.routingBuffer[i+1:]...)
			break
		}
	}
	if !rmq.isConnected() {
		return nil
	}

	err := rmq.topology.UnregisterRouting(route)
	if err != nil {
		return fmt.Errorf("Error on unregistering route %s: %w", route, err)
	}
	return nil
}

func (rmq *Transport) Publish(ctx *servicebus.OutgoingMessageContext) error {
	msg, err := rmq.createTransportMessage(ctx)
	if err != nil {
		return err
	}

	return rmq.topology.Publish(msg)
}

func (rmq *Transport) Send(destination string, ctx *servicebus.OutgoingMessageContext) error {
	msg, err := rmq.createTransportMessage(ctx)
	if err != nil {
		return err
	}

	return rmq.topology.Send(destination, msg)
}

func (rmq *Transport) SendLocal(ctx *servicebus.OutgoingMessageContext) error {
	msg, err := rmq.createTransportMessage(ctx)
	if err != nil {
		return err
	}

	return rmq.topology.SendLocal(msg)
}

//Close stops consuming and closes the broker connection. Deliveries not yet handed to a worker are requeued.
func (rmq *Transport) Close() error {
	rmq.closeOnce.Do(func() {
		close(rmq.closed)
	})
	if rmq.connection == nil || rmq.connection.IsClosed() {
		return nil
	}
	return rmq.connection.Close()
}

func (rmq *Transport) createTransportMessage(ctx *servicebus.OutgoingMessageContext) (*amqp.Publishing, error) {
	payload, err := json.Marshal(ctx.Payload)
	if err != nil {
		return nil, err
	}

	headers := amqp.Table{}
	for key, value := range ctx.Headers {
		headers[key] = value
	}
	headers["Origin"] = ctx.Origin
	if ctx.Version != "" {
		headers["Version"] = ctx.Version
	}
	return &amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Body:          payload,
		Headers:       headers,
		Priority:      ctx.Priority,
		MessageId:     ctx.MessageId,
		Timestamp:     ctx.Timestamp,
		Type:          ctx.Type,
		CorrelationId: ctx.CorrelationId,
	}, nil
}

func deliveries(d *amqp.Delivery) int {
	switch count := d.Headers[DeliveriesHeader].(type) {
	case int32:
		return int(count)
	case int64:
		return int(count)
	case int:
		return count
	}
	if d.Redelivered {
		return 2
	}
	return 1
}

func (rmq *Transport) createIncomingContext(d *amqp.Delivery) *servicebus.IncomingMessageContext {
	ctx := new(servicebus.IncomingMessageContext)
	ctx.Headers = d.Headers
	ctx.Payload = d.Body
	ctx.Type = d.Type
	ctx.CorrelationId = d.CorrelationId
	ctx.MessageId = d.MessageId
	ctx.Timestamp = d.Timestamp
	ctx.Priority = d.Priority
	ctx.Origin = fmt.Sprint(d.Headers["Origin"])
	ctx.DeliveryCount = deliveries(d)

	var once sync.Once
	ctx.Ack = func() {
		once.Do(func() { _ = d.Ack(false) })
	}
	ctx.Retry = func() {
		once.Do(func() { rmq.retry(d, ctx.DeliveryCount) })
	}
	ctx.Discard = func() {
		once.Do(func() { _ = d.Reject(false) })
	}
	return ctx
}

//retry republishes the delivery with an incremented delivery count, the queue dead-letters exhausted ones.
func (rmq *Transport) retry(d *amqp.Delivery, delivered int) {
	if delivered >= rmq.MaxDeliveries {
		_ = d.Reject(false)
		return
	}

	headers := amqp.Table{}
	for key, value := range d.Headers {
		headers[key] = value
	}
	headers[DeliveriesHeader] = int32(delivered + 1)

	err := rmq.redeliver(&amqp.Publishing{
		ContentType:   d.ContentType,
		DeliveryMode:  amqp.Persistent,
		Body:          d.Body,
		Headers:       headers,
		Priority:      d.Priority,
		MessageId:     d.MessageId,
		Timestamp:     d.Timestamp,
		Type:          d.Type,
		CorrelationId: d.CorrelationId,
	})
	if err != nil {
		_ = d.Reject(true)
		return
	}
	_ = d.Ack(false)
}

func (rmq *Transport) GetConnection() *amqp.Connection {
	return rmq.connection
}
