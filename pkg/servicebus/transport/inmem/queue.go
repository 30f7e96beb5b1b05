package inmem

import (
	"sync"
	"time"

	"github.com/abecu-hub/go-bus/pkg/servicebus"
)

type envelope struct {
	origin        string
	messageType   string
	messageId     string
	correlationId string
	timestamp     time.Time
	priority      uint8
	headers       map[string]interface{}
	payload       []byte
	deliveries    int
}

func (env *envelope) incoming() *servicebus.IncomingMessageContext {
	headers := make(map[string]interface{}, len(env.headers))
	for key, value := range env.headers {
		headers[key] = value
	}
	return &servicebus.IncomingMessageContext{
		Headers:       headers,
		Origin:        env.origin,
		Payload:       env.payload,
		Type:          env.messageType,
		CorrelationId: env.correlationId,
		MessageId:     env.messageId,
		Timestamp:     env.timestamp,
		Priority:      env.priority,
		DeliveryCount: env.deliveries,
	}
}

//queue is an unbounded FIFO of envelopes with a dead-letter list.
type queue struct {
	mu        sync.Mutex
	items     []*envelope
	scheduled int
	acked     int
	dead      []*servicebus.IncomingMessageContext
	signal    chan struct{}
}

func newQueue() *queue {
	return &queue{signal: make(chan struct{}, 1)}
}

func (q *queue) push(env *envelope) {
	q.mu.Lock()
	q.items = append(q.items, env)
	q.mu.Unlock()
	q.notify()
}

func (q *queue) pushFront(env *envelope) {
	q.mu.Lock()
	q.items = append([]*envelope{env}, q.items...)
	q.mu.Unlock()
	q.notify()
}

func (q *queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue) pop() *envelope {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	env := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return env
}

//schedule pushes the envelope back after the delay.
func (q *queue) schedule(env *envelope, delay time.Duration) {
	if delay <= 0 {
		q.push(env)
		return
	}
	q.mu.Lock()
	q.scheduled++
	q.mu.Unlock()
	time.AfterFunc(delay, func() {
		q.mu.Lock()
		q.scheduled--
		q.mu.Unlock()
		q.push(env)
	})
}

func (q *queue) ack() {
	q.mu.Lock()
	q.acked++
	q.mu.Unlock()
}

func (q *queue) deadLetter(env *envelope) {
	q.mu.Lock()
	q.dead = append(q.dead, env.incoming())
	q.mu.Unlock()
}

func (q *queue) deadLetters() []*servicebus.IncomingMessageContext {
	q.mu.Lock()
	defer q.mu.Unlock()
	dead := make([]*servicebus.IncomingMessageContext, len(q.dead))
	copy(dead, q.dead)
	return dead
}

func (q *queue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + q.scheduled
}

func (q *queue) acknowledged() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.acked
}
