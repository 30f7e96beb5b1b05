package rabbitmq

func UseDefaultTopology(exchange string) func(*Transport) {
	return func(rmq *Transport) {
		rmq.topology = &DefaultTopology{
			Exchange:  exchange,
			Transport: rmq,
		}
	}
}

func UsePriorityQueue(maxPriority uint8) func(*Transport) {
	return func(rmq *Transport) {
		if rmq.InputQueue.Args == nil {
			rmq.InputQueue.Args = make(map[string]interface{})
		}
		rmq.InputQueue.Args["x-max-priority"] = maxPriority
	}
}

//Dead-letter a retried message once it has been delivered the given number of times.
func UseMaxDeliveries(maxDeliveries int) func(*Transport) {
	return func(rmq *Transport) {
		if maxDeliveries > 0 {
			rmq.MaxDeliveries = maxDeliveries
		}
	}
}

//Number of unacknowledged messages the broker hands to the endpoint at once.
func UsePrefetch(count int) func(*Transport) {
	return func(rmq *Transport) {
		rmq.Prefetch = count
	}
}
