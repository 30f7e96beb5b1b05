package mutation

import "github.com/abecu-hub/go-bus/pkg/servicebus"

func Header(key string, value interface{}) servicebus.OutgoingMutation {
	return func(ctx *servicebus.OutgoingMessageContext) {
		ctx.Headers[key] = value
	}
}

func Priority(priority uint8) servicebus.OutgoingMutation {
	return func(ctx *servicebus.OutgoingMessageContext) {
		ctx.Priority = priority
	}
}

func Version(version string) servicebus.OutgoingMutation {
	return func(ctx *servicebus.OutgoingMessageContext) {
		ctx.Version = version
	}
}

//Correlate the outgoing message with an existing conversation instead of starting a new one.
func CorrelationId(correlationId string) servicebus.OutgoingMutation {
	return func(ctx *servicebus.OutgoingMessageContext) {
		ctx.CorrelationId = correlationId
	}
}

//Drops every outgoing message the predicate rejects.
func Filter(accept func(ctx *servicebus.OutgoingMessageContext) bool) servicebus.OutgoingMutation {
	return func(ctx *servicebus.OutgoingMessageContext) {
		if !accept(ctx) {
			ctx.Cancel()
		}
	}
}

//Copies a header of the incoming message into the message context before it is dispatched.
func IncomingHeader(key string, apply func(ctx *servicebus.IncomingMessageContext, value interface{})) servicebus.IncomingMutation {
	return func(ctx *servicebus.IncomingMessageContext) {
		if value, ok := ctx.Headers[key]; ok {
			apply(ctx, value)
		}
	}
}
