package connector

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
	"github.com/drblury/flowmesh/transport"
)

// TransportConnector connects to a Watermill transport built through a
// transport.Registry.
type TransportConnector struct {
	*Base

	cfg      transport.Config
	registry *transport.Registry
	logger   loggingpkg.ServiceLogger

	mu sync.RWMutex
	tr transport.Transport
	ok bool
}

// TransportOption configures a TransportConnector.
type TransportOption func(*TransportConnector)

// WithRegistry builds transports from reg instead of transport.DefaultRegistry.
func WithRegistry(reg *transport.Registry) TransportOption {
	return func(c *TransportConnector) { c.registry = reg }
}

// WithConnectorOptions passes options to the embedded Base.
func WithConnectorOptions(opts ...Option) TransportOption {
	return func(c *TransportConnector) {
		for _, opt := range opts {
			opt(c.Base)
		}
	}
}

func NewTransportConnector(name string, cfg transport.Config, opts ...TransportOption) *TransportConnector {
	c := &TransportConnector{
		cfg:      cfg,
		registry: transport.DefaultRegistry,
	}
	c.Base = NewBase(name, transportDialer{c})
	c.self = c
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.Base.logger
	return c
}

// Transport returns the name of the transport the connector builds.
func (c *TransportConnector) Transport() string {
	if c.cfg == nil {
		return ""
	}
	return c.cfg.GetPubSubSystem()
}

// Capabilities of the configured transport.
func (c *TransportConnector) Capabilities() transport.Capabilities {
	return c.registry.GetCapabilities(c.Transport())
}

// Publisher returns the publisher of the open transport.
func (c *TransportConnector) Publisher() (message.Publisher, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ok || c.tr.Publisher == nil {
		return nil, NewConnectError(c, errspkg.ErrNotConnected)
	}
	return c.tr.Publisher, nil
}

// Subscriber returns the subscriber of the open transport.
func (c *TransportConnector) Subscriber() (message.Subscriber, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.ok || c.tr.Subscriber == nil {
		return nil, NewConnectError(c, errspkg.ErrNotConnected)
	}
	return c.tr.Subscriber, nil
}

type transportDialer struct {
	c *TransportConnector
}

func (d transportDialer) Dial(ctx context.Context) error {
	c := d.c
	if c.cfg == nil {
		return errspkg.ErrConfigRequired
	}
	tr, err := c.registry.Build(ctx, c.cfg, loggingpkg.NewWatermillAdapter(c.logger))
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.tr, c.ok = tr, true
	c.mu.Unlock()
	return nil
}

func (d transportDialer) Close(context.Context) error {
	c := d.c
	c.mu.Lock()
	tr, ok := c.tr, c.ok
	c.tr, c.ok = transport.Transport{}, false
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return tr.Close()
}
