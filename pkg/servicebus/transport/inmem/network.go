package inmem

import (
	"sync"

	"github.com/abecu-hub/go-bus/pkg/servicebus"
)

/*
Network connects in-memory transports of the same process. Every endpoint owns one queue, published messages
are copied to every endpoint that registered a route for the message type.
*/
type Network struct {
	mu     sync.Mutex
	queues map[string]*queue
	routes map[string]map[string]struct{}
}

func CreateNetwork() *Network {
	return &Network{
		queues: make(map[string]*queue),
		routes: make(map[string]map[string]struct{}),
	}
}

func (network *Network) queue(name string) *queue {
	network.mu.Lock()
	defer network.mu.Unlock()
	q, ok := network.queues[name]
	if !ok {
		q = newQueue()
		network.queues[name] = q
	}
	return q
}

func (network *Network) subscribe(route string, endpointName string) {
	network.mu.Lock()
	defer network.mu.Unlock()
	if network.routes[route] == nil {
		network.routes[route] = make(map[string]struct{})
	}
	network.routes[route][endpointName] = struct{}{}
}

func (network *Network) unsubscribe(route string, endpointName string) {
	network.mu.Lock()
	defer network.mu.Unlock()
	delete(network.routes[route], endpointName)
}

func (network *Network) subscribers(route string) []string {
	network.mu.Lock()
	defer network.mu.Unlock()
	names := make([]string, 0, len(network.routes[route]))
	for name := range network.routes[route] {
		names = append(names, name)
	}
	return names
}

//DeadLetters returns the messages the endpoint discarded or gave up on, in the order they were dead-lettered.
func (network *Network) DeadLetters(endpointName string) []*servicebus.IncomingMessageContext {
	return network.queue(endpointName).deadLetters()
}

//Pending is the number of messages waiting in the endpoint queue, scheduled redeliveries included.
func (network *Network) Pending(endpointName string) int {
	return network.queue(endpointName).pending()
}

//Acknowledged is the number of messages the endpoint processed successfully.
func (network *Network) Acknowledged(endpointName string) int {
	return network.queue(endpointName).acknowledged()
}
