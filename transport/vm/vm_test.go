package vm

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowmesh/transport"
	"github.com/drblury/flowmesh/transport/transporttest"
)

func TestRegister(t *testing.T) {
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "vm", caps.Name)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.Equal(t, transport.VMCapabilities, Capabilities())
}

func TestBuildDeliversInMemory(t *testing.T) {
	tr, err := Build(context.Background(), &transporttest.Config{PubSubSystem: TransportName}, watermill.NopLogger{})
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	msgs, err := tr.Subscriber.Subscribe(context.Background(), "orders")
	require.NoError(t, err)
	require.NoError(t, tr.Publisher.Publish("orders", message.NewMessage("1", []byte("hello"))))

	select {
	case msg := <-msgs:
		assert.Equal(t, "hello", string(msg.Payload))
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBuildUsesFactory(t *testing.T) {
	original := Factory
	defer func() { Factory = original }()

	pub := &transporttest.Publisher{}
	sub := &transporttest.Subscriber{}
	var buffer int64
	Factory = func(cfg gochannel.Config, _ watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		buffer = cfg.OutputChannelBuffer
		return pub, sub
	}

	tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)
	assert.Equal(t, int64(OutputChannelBuffer), buffer)
}
