package connector

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	eventpkg "github.com/drblury/flowmesh/internal/runtime/event"
	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
	"github.com/drblury/flowmesh/transport"
)

// Dispatcher is a processor that publishes each event to a topic of a
// TransportConnector and passes the event on unchanged. Publishers that
// implement transport.ContextPublisher join the transaction bound to the
// context.
type Dispatcher struct {
	name      string
	topic     string
	connector *TransportConnector
	logger    loggingpkg.ServiceLogger
}

func NewDispatcher(name string, c *TransportConnector, topic string, log loggingpkg.ServiceLogger) *Dispatcher {
	return &Dispatcher{
		name:      name,
		topic:     topic,
		connector: c,
		logger:    loggingpkg.Component(log, "dispatcher", name),
	}
}

func (d *Dispatcher) Name() string { return d.name }

func (d *Dispatcher) Topic() string { return d.topic }

// Process publishes ev. Transport failures are returned as *ConnectError.
func (d *Dispatcher) Process(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
	if d.topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	pub, err := d.connector.Publisher()
	if err != nil {
		return nil, err
	}
	msg, err := EncodeMessage(ev)
	if err != nil {
		return nil, err
	}
	msg.SetContext(ctx)

	if err := publish(ctx, pub, d.topic, msg); err != nil {
		return nil, NewConnectError(d.connector, err)
	}
	d.logger.Trace("Event dispatched", loggingpkg.LogFields{
		"topic":          d.topic,
		"event_id":       ev.ID(),
		"correlation_id": ev.CorrelationID(),
	})
	return ev, nil
}

func publish(ctx context.Context, pub message.Publisher, topic string, msg *message.Message) error {
	if cp, ok := pub.(transport.ContextPublisher); ok {
		return cp.PublishContext(ctx, topic, msg)
	}
	return pub.Publish(topic, msg)
}
