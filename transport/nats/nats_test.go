package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowmesh/transport"
	"github.com/drblury/flowmesh/transport/transporttest"
)

func stubFactories(t *testing.T) {
	t.Helper()
	originalPub, originalSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = originalPub
		SubscriberFactory = originalSub
	})
}

func TestRegister(t *testing.T) {
	Register()
	assert.False(t, transport.GetCapabilities(TransportName).SupportsAck)
	assert.Equal(t, transport.NATSCapabilities, Capabilities())
}

func TestBuildUsesCoreNATS(t *testing.T) {
	stubFactories(t)
	pub := &transporttest.Publisher{}
	sub := &transporttest.Subscriber{}

	PublisherFactory = func(cfg nats.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		assert.Equal(t, "nats://localhost:4222", cfg.URL)
		assert.True(t, cfg.JetStream.Disabled)
		return pub, nil
	}
	SubscriberFactory = func(cfg nats.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, "nats://localhost:4222", cfg.URL)
		assert.True(t, cfg.JetStream.Disabled)
		return sub, nil
	}

	tr, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://localhost:4222"}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)
}

func TestBuildFailures(t *testing.T) {
	stubFactories(t)

	PublisherFactory = func(nats.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, errors.New("no servers available")
	}
	_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	assert.EqualError(t, err, "no servers available")

	pub := &transporttest.Publisher{}
	PublisherFactory = func(nats.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, nil
	}
	SubscriberFactory = func(nats.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("subscriber error")
	}
	_, err = Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	assert.EqualError(t, err, "subscriber error")
	assert.True(t, pub.Closed)
}
