package kafka

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
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

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "kafka", caps.Name)
	assert.True(t, caps.SupportsPartitioning)
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func TestBuild(t *testing.T) {
	stubFactories(t)
	pub := &transporttest.Publisher{}
	sub := &transporttest.Subscriber{}

	PublisherFactory = func(cfg kafka.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
		assert.Equal(t, "flowmesh-test", cfg.OverwriteSaramaConfig.ClientID)
		return pub, nil
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, "orders", cfg.ConsumerGroup)
		assert.Equal(t, "flowmesh-test", cfg.OverwriteSaramaConfig.ClientID)
		return sub, nil
	}

	tr, err := Build(context.Background(), &transporttest.Config{
		KafkaBrokers:       []string{"localhost:9092"},
		KafkaClientID:      "flowmesh-test",
		KafkaConsumerGroup: "orders",
	}, watermill.NopLogger{})

	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)
}

func TestBuildFailures(t *testing.T) {
	stubFactories(t)
	cfg := &transporttest.Config{KafkaBrokers: []string{"localhost:9092"}}

	PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return nil, errors.New("publisher error")
	}
	_, err := Build(context.Background(), cfg, watermill.NopLogger{})
	assert.EqualError(t, err, "publisher error")

	pub := &transporttest.Publisher{}
	PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
		return pub, nil
	}
	SubscriberFactory = func(kafka.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
		return nil, errors.New("subscriber error")
	}
	_, err = Build(context.Background(), cfg, watermill.NopLogger{})
	assert.EqualError(t, err, "subscriber error")
	assert.True(t, pub.Closed)
}
