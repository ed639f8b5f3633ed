package connector

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
	"github.com/drblury/flowmesh/internal/runtime/processor"
)

var errSubscriptionClosed = errors.New("subscription closed unexpectedly")

type deliveryKey struct{}

// deliveringSource returns the source whose consume goroutine delivers the
// message ctx belongs to.
func deliveringSource(ctx context.Context) *Source {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(deliveryKey{}).(*Source)
	return s
}

// Source is the inbound end of a flow. It subscribes to a topic of a
// TransportConnector and hands every message to its listener as an event.
// A message is acked when the listener succeeds and nacked otherwise.
//
// The subscription follows both the source and the connector: it is open
// while the source is started and the connector is connected, so a source
// subscribes again after its connector reconnects.
type Source struct {
	name      string
	topic     string
	connector *TransportConnector
	logger    loggingpkg.ServiceLogger

	mu          sync.Mutex
	listener    processor.Processor
	middlewares []message.HandlerMiddleware
	onLost   func(ctx context.Context, ce *ConnectError)
	started  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

var _ Receiver = (*Source)(nil)

func NewSource(name string, c *TransportConnector, topic string, log loggingpkg.ServiceLogger) *Source {
	return &Source{
		name:      name,
		topic:     topic,
		connector: c,
		logger:    loggingpkg.Component(log, "source", name),
	}
}

func (s *Source) Name() string { return s.name }

func (s *Source) Topic() string { return s.topic }

func (s *Source) Connector() *TransportConnector { return s.connector }

// SetListener sets the processor receiving inbound events.
func (s *Source) SetListener(p processor.Processor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listener = p
}

// Use adds middlewares around message delivery. The first middleware is the
// outermost. Middlewares added after the subscription opened apply from the
// next subscription on.
func (s *Source) Use(mws ...message.HandlerMiddleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middlewares = append(s.middlewares, mws...)
}

// OnConnectionLost sets the callback invoked when the subscription closes
// while it should be open.
func (s *Source) OnConnectionLost(fn func(ctx context.Context, ce *ConnectError)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLost = fn
}

// Subscribed reports whether the subscription is open.
func (s *Source) Subscribed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

// Initialise registers the source with its connector.
func (s *Source) Initialise(ctx context.Context) error {
	return s.connector.AddReceiver(ctx, s)
}

// Start opens the subscription when the connector is connected. Otherwise
// the source subscribes once the connector starts.
func (s *Source) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	if !s.connector.IsConnected() {
		return nil
	}
	return s.subscribe(ctx)
}

func (s *Source) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = false
	s.unsubscribe(ctx)
	return nil
}

func (s *Source) Dispose(ctx context.Context) {
	_ = s.Stop(ctx)
	s.connector.RemoveReceiver(s)
}

func (s *Source) ConnectorStarted(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	return s.subscribe(ctx)
}

func (s *Source) ConnectorStopped(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribe(ctx)
	return nil
}

// subscribe requires s.mu.
func (s *Source) subscribe(ctx context.Context) error {
	if s.cancel != nil {
		return nil
	}
	sub, err := s.connector.Subscriber()
	if err != nil {
		return err
	}
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	messages, err := sub.Subscribe(subCtx, s.topic)
	if err != nil {
		cancel()
		return NewConnectError(s.connector, err)
	}
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.consume(subCtx, messages, s.handler(s.listener), s.listener, s.onLost, s.done)
	s.logger.Debug("Subscribed", loggingpkg.LogFields{"topic": s.topic})
	return nil
}

// unsubscribe requires s.mu. It waits for the consume goroutine to return,
// unless ctx belongs to a delivery of this source: the consume goroutine is
// then the caller and returns once the delivery completes.
func (s *Source) unsubscribe(ctx context.Context) {
	if s.cancel == nil {
		return
	}
	s.cancel()
	if deliveringSource(ctx) != s {
		<-s.done
	}
	s.cancel, s.done = nil, nil
	s.logger.Debug("Unsubscribed", loggingpkg.LogFields{"topic": s.topic})
}

// handler requires s.mu.
func (s *Source) handler(listener processor.Processor) message.HandlerFunc {
	handle := middleware.Recoverer(func(msg *message.Message) ([]*message.Message, error) {
		_, err := listener.Process(msg.Context(), DecodeMessage(msg))
		return nil, err
	})
	for _, mw := range slices.Backward(s.middlewares) {
		handle = mw(handle)
	}
	return handle
}

func (s *Source) consume(
	ctx context.Context,
	messages <-chan *message.Message,
	handle message.HandlerFunc,
	listener processor.Processor,
	onLost func(context.Context, *ConnectError),
	done chan struct{},
) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				if ctx.Err() == nil {
					s.lost(ctx, onLost)
				}
				return
			}
			msgCtx := msg.Context()
			if msgCtx == context.Background() {
				msgCtx = ctx
			}
			msg.SetContext(context.WithValue(msgCtx, deliveryKey{}, s))
			s.deliver(handle, listener, msg)
		}
	}
}

func (s *Source) deliver(handle message.HandlerFunc, listener processor.Processor, msg *message.Message) {
	fields := loggingpkg.LogFields{"topic": s.topic, "message_uuid": msg.UUID}
	if listener == nil {
		s.logger.Error("No listener, message rejected", nil, fields)
		msg.Nack()
		return
	}
	if _, err := handle(msg); err != nil {
		s.logger.Debug("Message rejected", loggingpkg.LogFields{"topic": s.topic, "message_uuid": msg.UUID, "error": err.Error()})
		msg.Nack()
		return
	}
	msg.Ack()
}

// lost runs the connection-lost callback on a new goroutine, since the
// callback usually stops this subscription and waits for consume to return.
func (s *Source) lost(ctx context.Context, onLost func(context.Context, *ConnectError)) {
	ce := NewConnectError(s.connector, errSubscriptionClosed)
	s.logger.Error("Subscription lost", ce, loggingpkg.LogFields{"topic": s.topic})
	if onLost == nil {
		return
	}
	go onLost(context.WithoutCancel(ctx), ce)
}
