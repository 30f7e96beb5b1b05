package servicebus

type OutgoingMutation func(ctx *OutgoingMessageContext)
type IncomingMutation func(ctx *IncomingMessageContext)
type RetryPolicy func(retryCount int, retry func() error) error

//MessageHandler handles an incoming message. A returned error is classified like saga errors.
type MessageHandler func(ctx *IncomingMessageContext) error

//MessageConfiguration selects one message type of an Endpoint. The empty type configures every outgoing message.
type MessageConfiguration struct {
	endpoint    *Endpoint
	messageType string
}

//Declare this message type as handled by the endpoint.
func (config *MessageConfiguration) AsIncoming() *IncomingMessageConfiguration {
	return config.endpoint.createOrGetIncomingMessageConfig(config)
}

//Declare this message type as sent or published by the endpoint.
func (config *MessageConfiguration) AsOutgoing() *OutgoingMessageConfiguration {
	return config.endpoint.createOrGetOutgoingMessageConfig(config)
}

type IncomingMessageConfiguration struct {
	messageConfiguration *MessageConfiguration
	handler              []MessageHandler
	mutations            []IncomingMutation
}

/*
Handle registers a plain handler. Plain handlers of a message type some saga subscribes to run after the saga
handlers and before the saga effects are committed, while the instance locks are held.
*/
func (config *IncomingMessageConfiguration) Handle(handler MessageHandler) *IncomingMessageConfiguration {
	config.handler = append(config.handler, handler)
	_ = config.messageConfiguration.endpoint.Transport.RegisterRouting(config.messageConfiguration.messageType)
	return config
}

//Mutate runs before sagas and handlers see the message, in order of declaration.
func (config *IncomingMessageConfiguration) Mutate(behavior IncomingMutation) *IncomingMessageConfiguration {
	config.mutations = append(config.mutations, behavior)
	return config
}

type OutgoingMessageConfiguration struct {
	messageConfiguration *MessageConfiguration
	mutations            []OutgoingMutation
	retryConfiguration   *RetryConfiguration
	deferred             bool
}

type RetryConfiguration struct {
	MaxRetries int
	Policy     RetryPolicy
}

//Mutate runs on every outgoing message of this type, in order of declaration.
func (config *OutgoingMessageConfiguration) Mutate(behavior OutgoingMutation) *OutgoingMessageConfiguration {
	config.mutations = append(config.mutations, behavior)
	return config
}

//Retry hands a failed transport call to policy up to maxRetries times.
func (config *OutgoingMessageConfiguration) Retry(maxRetries int, policy RetryPolicy) *OutgoingMessageConfiguration {
	if maxRetries < 0 {
		maxRetries = 0
	}
	config.retryConfiguration = &RetryConfiguration{
		MaxRetries: maxRetries,
		Policy:     policy,
	}
	return config
}

/*
Deferred holds messages of this type that a handler sends while dispatching an incoming message until the
dispatch succeeded. A dispatch that fails or is retried sends none of them, so redelivery does not duplicate them.
*/
func (config *OutgoingMessageConfiguration) Deferred() *OutgoingMessageConfiguration {
	config.deferred = true
	return config
}

func (config *OutgoingMessageConfiguration) isDeferred() bool {
	return config != nil && config.deferred
}
