package servicebus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/abecu-hub/go-bus/internal/logger"
	"github.com/abecu-hub/go-bus/pkg/servicebus/lock"
	"github.com/abecu-hub/go-bus/pkg/servicebus/saga"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

var ErrAlreadyStarted = errors.New("endpoint already started")

type Endpoint struct {
	Name             string
	Transport        Transport
	Workers          int
	SagaStore        saga.Store
	SagaIndex        saga.Index
	incomingMessages map[string]*IncomingMessageConfiguration
	outgoingMessages map[string]*OutgoingMessageConfiguration
	sagas            *saga.Registry
	locks            *lock.Manager
	coordinator      *saga.Coordinator
	logger           *logger.Logger
	metrics          Metrics
	lockTimeout      time.Duration
	resolveAttempts  int
	cancel           context.CancelFunc
	workers          *errgroup.Group
}

/*
Create a new service bus Endpoint by providing a transport e.g. RabbitMQ, in-memory, etc.
*/
func Create(name string, transport Transport, options ...func(endpoint *Endpoint)) *Endpoint {
	endpoint := &Endpoint{
		Name:             name,
		Transport:        transport,
		Workers:          1,
		incomingMessages: make(map[string]*IncomingMessageConfiguration),
		outgoingMessages: make(map[string]*OutgoingMessageConfiguration),
		sagas:            saga.NewRegistry(),
		logger:           logger.Nop(),
		lockTimeout:      10 * time.Second,
	}

	for _, option := range options {
		option(endpoint)
	}

	lockOptions := []func(*lock.Manager){lock.WithTimeout(endpoint.lockTimeout)}
	coordinatorOptions := []func(*saga.Coordinator){
		saga.WithLogger(endpoint.logger),
		saga.WithResolveAttempts(endpoint.resolveAttempts),
	}
	if endpoint.metrics != nil {
		lockOptions = append(lockOptions, lock.WithObserver(endpoint.metrics))
		coordinatorOptions = append(coordinatorOptions, saga.WithObserver(endpoint.metrics))
	}
	endpoint.locks = lock.New(lockOptions...)

	if endpoint.SagaIndex == nil {
		if index, ok := endpoint.SagaStore.(saga.Index); ok {
			endpoint.SagaIndex = index
		}
	}
	if endpoint.SagaStore != nil && endpoint.SagaIndex != nil {
		endpoint.coordinator = saga.NewCoordinator(endpoint.SagaStore, endpoint.SagaIndex, endpoint.locks, coordinatorOptions...)
	}

	return endpoint
}

func (endpoint *Endpoint) createOrGetIncomingMessageConfig(mc *MessageConfiguration) *IncomingMessageConfiguration {
	if endpoint.incomingMessages[mc.messageType] == nil {
		endpoint.incomingMessages[mc.messageType] = &IncomingMessageConfiguration{
			messageConfiguration: mc,
		}
	}
	return endpoint.incomingMessages[mc.messageType]
}

func (endpoint *Endpoint) createOrGetOutgoingMessageConfig(mc *MessageConfiguration) *OutgoingMessageConfiguration {
	if endpoint.outgoingMessages[mc.messageType] == nil {
		endpoint.outgoingMessages[mc.messageType] = &OutgoingMessageConfiguration{
			messageConfiguration: mc,
		}
	}
	return endpoint.outgoingMessages[mc.messageType]
}

//Declare a message configuration.
func (endpoint *Endpoint) Message(messageType string) *MessageConfiguration {
	return &MessageConfiguration{
		messageType: messageType,
		endpoint:    endpoint,
	}
}

/*
Register a saga type. Every message type the saga handles is routed to this endpoint. Registering a saga type
name twice fails with saga.ErrDuplicateRegistration.
*/
func (endpoint *Endpoint) Saga(def *saga.Definition) error {
	if endpoint.coordinator == nil {
		return errors.New("Endpoint has no saga store configured.")
	}
	if err := endpoint.sagas.Register(def); err != nil {
		return err
	}
	for _, messageType := range def.MessageTypes() {
		endpoint.Message(messageType).AsIncoming()
		if err := endpoint.Transport.RegisterRouting(messageType); err != nil {
			return err
		}
	}
	return nil
}

//Locks exposes the instance lock manager, mainly for diagnostics.
func (endpoint *Endpoint) Locks() *lock.Manager {
	return endpoint.locks
}

/*
Start receiving message with the ServiceBus. Registrations are frozen from here on.
*/
func (endpoint *Endpoint) Start() error {
	if endpoint.cancel != nil {
		return ErrAlreadyStarted
	}
	endpoint.sagas.Freeze()

	ctx, cancel := context.WithCancel(context.Background())
	endpoint.cancel = cancel

	received := endpoint.Transport.MessageReceived(make(chan *IncomingMessageContext))
	group, ctx := errgroup.WithContext(ctx)
	for i := 0; i < endpoint.Workers; i++ {
		group.Go(func() error {
			endpoint.work(ctx, received)
			return nil
		})
	}
	endpoint.workers = group

	err := endpoint.Transport.Start(endpoint.Name)
	if err != nil {
		cancel()
		_ = group.Wait()
		return err
	}

	endpoint.logger.Infof("endpoint started", map[string]interface{}{"workers": endpoint.Workers})
	return nil
}

/*
Stop the workers and close the transport. Messages in flight are released for redelivery.
*/
func (endpoint *Endpoint) Stop() error {
	if endpoint.cancel == nil {
		return nil
	}
	endpoint.cancel()
	_ = endpoint.workers.Wait()
	endpoint.cancel = nil
	return endpoint.Transport.Close()
}

func (endpoint *Endpoint) work(ctx context.Context, received chan *IncomingMessageContext) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-received:
			if !ok {
				return
			}
			endpoint.settle(msg, endpoint.Deliver(ctx, msg))
		}
	}
}

func (endpoint *Endpoint) settle(msg *IncomingMessageContext, result DispatchResult) {
	var settle func()
	switch result {
	case Success:
		settle = msg.Ack
	case RetryableFailure:
		settle = msg.Retry
	case Fatal:
		settle = msg.Discard
	}
	if settle != nil {
		settle()
	}
}

/*
Deliver dispatches one message to the sagas and handlers registered for its type and reports how the transport
should settle it. A message type nobody handles is a successful no-op.
*/
func (endpoint *Endpoint) Deliver(ctx context.Context, msg *IncomingMessageContext) DispatchResult {
	start := time.Now()
	ctx = logger.ContextWithMessageID(ctx, msg.MessageId)

	err := endpoint.dispatch(ctx, msg)
	result := Classify(err)

	fields := map[string]interface{}{
		"messageType":   msg.Type,
		"correlationId": msg.CorrelationId,
		"delivery":      msg.DeliveryCount,
		"result":        result.String(),
	}
	log := endpoint.logger.WithContext(ctx)
	switch result {
	case Fatal:
		log.WithError(err).Errorf("message cannot be processed", fields)
	case RetryableFailure:
		log.WithError(err).Warnf("message will be retried", fields)
	default:
		log.Debugf("message dispatched", fields)
	}

	if endpoint.metrics != nil {
		endpoint.metrics.Dispatched(msg.Type, result, time.Since(start))
	}
	return result
}

func (endpoint *Endpoint) dispatch(ctx context.Context, msg *IncomingMessageContext) error {
	if err := msg.validate(); err != nil {
		return err
	}

	config, ok := endpoint.incomingMessages[msg.Type]
	if !ok {
		return nil
	}
	msg.setEndpoint(endpoint)
	msg.outbox = nil
	msg.dispatching = true
	defer func() { msg.dispatching = false }()

	for _, mutation := range config.mutations {
		mutation(msg)
	}

	handle := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler for %s panicked: %v", msg.Type, r)
			}
		}()
		for _, handler := range config.handler {
			if err := handler(msg); err != nil {
				return err
			}
		}
		return nil
	}

	//Plain handlers run inside the saga batch so a failure on either side aborts the whole dispatch.
	var err error
	if subscribers := endpoint.sagas.Subscribers(msg.Type); endpoint.coordinator != nil && len(subscribers) > 0 {
		err = endpoint.coordinator.Dispatch(ctx, msg, subscribers, handle)
	} else {
		err = handle()
	}
	if err != nil {
		msg.outbox = nil
		return err
	}

	//Effects are committed, a failed deferred send cannot roll them back.
	msg.dispatching = false
	for _, sendErr := range msg.flush() {
		endpoint.logger.WithContext(ctx).WithError(sendErr).Errorf("deferred message could not be sent",
			map[string]interface{}{"messageType": msg.Type})
	}
	return nil
}

func (endpoint *Endpoint) isDeferred(messageType string) bool {
	return endpoint.outgoingMessages[messageType].isDeferred() || endpoint.outgoingMessages[""].isDeferred()
}

/*
Publish a message to all subscribers
*/
func (endpoint *Endpoint) Publish(messageType string, msg interface{}, options ...OutgoingMutation) error {
	ctx := endpoint.createMessageContext(messageType, msg, options)
	if ctx.IsCancelled {
		return nil
	}

	return endpoint.withRetry(messageType, func() error {
		return endpoint.Transport.Publish(ctx)
	})
}

/*
Send a message to a specific Endpoint
*/
func (endpoint *Endpoint) Send(messageType string, destination string, msg interface{}, options ...OutgoingMutation) error {
	ctx := endpoint.createMessageContext(messageType, msg, options)
	if ctx.IsCancelled {
		return nil
	}

	return endpoint.withRetry(messageType, func() error {
		return endpoint.Transport.Send(destination, ctx)
	})
}

/*
Send the message to the local Endpoint
*/
func (endpoint *Endpoint) SendLocal(messageType string, msg interface{}, options ...OutgoingMutation) error {
	ctx := endpoint.createMessageContext(messageType, msg, options)
	if ctx.IsCancelled {
		return nil
	}

	return endpoint.withRetry(messageType, func() error {
		return endpoint.Transport.SendLocal(ctx)
	})
}

func (endpoint *Endpoint) withRetry(messageType string, send func() error) error {
	err := send()
	if err == nil {
		return nil
	}

	config, ok := endpoint.outgoingMessages[messageType]
	if !ok || config.retryConfiguration == nil {
		return err
	}
	retry := config.retryConfiguration
	for retryCount := 1; retryCount <= retry.MaxRetries && err != nil; retryCount++ {
		err = retry.Policy(retryCount, send)
	}
	return err
}

func (endpoint *Endpoint) createMessageContext(messageType string, payload interface{}, mutations []OutgoingMutation) *OutgoingMessageContext {
	ctx := CreateOutgoingContext(endpoint)
	ctx.Payload = payload
	ctx.Type = messageType
	ctx.MessageId = uuid.New().String()
	ctx.Timestamp = time.Now().UTC()
	ctx.Origin = endpoint.Name
	ctx.Headers = make(map[string]interface{})

	if _, ok := endpoint.outgoingMessages[""]; ok {
		for _, mutation := range endpoint.outgoingMessages[""].mutations {
			mutation(ctx)
		}
	}

	if _, ok := endpoint.outgoingMessages[messageType]; ok {
		for _, mutation := range endpoint.outgoingMessages[ctx.Type].mutations {
			mutation(ctx)
		}
	}

	for _, mutation := range mutations {
		mutation(ctx)
	}

	if ctx.CorrelationId == "" {
		ctx.CorrelationId = ctx.MessageId
	}

	return ctx
}
