package rabbitmq

import (
	"github.com/streadway/amqp"
)

type Topology interface {
	Setup() error
	RegisterRouting(route string) error
	UnregisterRouting(route string) error
	Publish(msg *amqp.Publishing) error
	Send(destination string, msg *amqp.Publishing) error
	SendLocal(msg *amqp.Publishing) error
}

/*
DefaultTopology publishes events to a topic exchange routed by message type and sends commands straight to
the destination queue. Messages the endpoint gives up on go to "<queue>.deadletter".
*/
type DefaultTopology struct {
	Transport *Transport
	Exchange  string
}

func (t *DefaultTopology) deadLetterQueue() string {
	return t.Transport.InputQueue.Name + ".deadletter"
}

func (t *DefaultTopology) Setup() error {
	err := t.Transport.currentChannel.ExchangeDeclare(
		t.Exchange,
		"topic",
		true,
		false,
		false,
		false,
		nil)

	if err != nil {
		return err
	}

	_, err = t.Transport.currentChannel.QueueDeclare(
		t.deadLetterQueue(),
		true,
		false,
		false,
		false,
		nil)

	if err != nil {
		return err
	}

	args := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.deadLetterQueue(),
	}
	for key, value := range t.Transport.InputQueue.Args {
		args[key] = value
	}

	_, err = t.Transport.currentChannel.QueueDeclare(
		t.Transport.InputQueue.Name,
		t.Transport.InputQueue.Durable,
		false,
		false,
		false,
		args)

	return err
}

func (t *DefaultTopology) RegisterRouting(route string) error {
	return t.Transport.currentChannel.QueueBind(t.Transport.InputQueue.Name, route, t.Exchange, false, nil)
}

func (t *DefaultTopology) UnregisterRouting(route string) error {
	return t.Transport.currentChannel.QueueUnbind(t.Transport.InputQueue.Name, route, t.Exchange, nil)
}

func (t *DefaultTopology) Publish(msg *amqp.Publishing) error {
	return t.Transport.currentChannel.Publish(t.Exchange, msg.Type, false, false, *msg)
}

func (t *DefaultTopology) Send(destination string, msg *amqp.Publishing) error {
	return t.Transport.currentChannel.Publish("", destination, false, false, *msg)
}

func (t *DefaultTopology) SendLocal(msg *amqp.Publishing) error {
	return t.Transport.currentChannel.Publish("", t.Transport.InputQueue.Name, false, false, *msg)
}
