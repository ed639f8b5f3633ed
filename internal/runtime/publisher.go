package runtime

import (
	"context"

	"github.com/drblury/flowmesh/internal/runtime/connector"
	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	eventpkg "github.com/drblury/flowmesh/internal/runtime/event"
)

// Producer emits events onto a topic of a named connector.
type Producer interface {
	Publish(ctx context.Context, connectorName, topic string, ev *eventpkg.Event) error
}

var _ Producer = (*Service)(nil)

// Publish sends ev to topic through the connector called connectorName. An
// empty name selects the default connector.
func (s *Service) Publish(ctx context.Context, connectorName, topic string, ev *eventpkg.Event) error {
	if s == nil {
		return errspkg.ErrServiceRequired
	}
	if ev == nil {
		return errspkg.ErrEventRequired
	}
	if connectorName == "" {
		connectorName = DefaultConnectorName
	}
	c, err := s.TransportConnector(connectorName)
	if err != nil {
		return err
	}
	_, err = connector.NewDispatcher("publish:"+topic, c, topic, s.Logger).Process(ctx, ev)
	return err
}

// PublishPayload wraps payload and properties in a new event, publishes it
// on the default connector and returns the event.
func (s *Service) PublishPayload(ctx context.Context, topic string, payload any, props eventpkg.Properties) (*eventpkg.Event, error) {
	ev := eventpkg.New(payload).Properties(props).Build()
	if err := s.Publish(ctx, DefaultConnectorName, topic, ev); err != nil {
		return nil, err
	}
	return ev, nil
}
