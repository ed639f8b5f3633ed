package jetstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowmesh/transport"
	"github.com/drblury/flowmesh/transport/transporttest"
)

func TestRegister(t *testing.T) {
	Register()
	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats-jetstream", caps.Name)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.Equal(t, transport.JetStreamCapabilities, Capabilities())
}

func TestConfigDefaults(t *testing.T) {
	got := Config{MaxDeliver: -1, AckWait: -1, Replicas: -1}.withDefaults()
	assert.Equal(t, DefaultStreamName, got.StreamName)
	assert.Equal(t, DefaultMaxDeliver, got.MaxDeliver)
	assert.Equal(t, DefaultAckWait, got.AckWait)
	assert.Equal(t, 1, got.Replicas)
	assert.Equal(t, nats.LimitsPolicy, got.retention())

	custom := Config{StreamName: "ORDERS", MaxDeliver: 5, Retention: "workqueue"}.withDefaults()
	assert.Equal(t, "ORDERS", custom.StreamName)
	assert.Equal(t, 5, custom.MaxDeliver)
	assert.Equal(t, nats.WorkQueuePolicy, custom.retention())
	assert.Equal(t, nats.InterestPolicy, Config{Retention: "interest"}.retention())
}

func TestMessageConversion(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	msg := message.NewMessage("msg-1", []byte("payload"))
	msg.Metadata.Set("Correlation", "c-1")
	msg.Metadata.Set(MetadataDelay, "1500")

	natsMsg := toNATS("FLOWMESH.orders", msg, now)
	assert.Equal(t, "FLOWMESH.orders", natsMsg.Subject)
	assert.Equal(t, "msg-1", natsMsg.Header.Get(headerUUID))
	assert.Equal(t, 1500*time.Millisecond, remainingDelay(natsMsg, now))
	assert.LessOrEqual(t, remainingDelay(natsMsg, now.Add(2*time.Second)), time.Duration(0))

	back := fromNATS(natsMsg)
	assert.Equal(t, "msg-1", back.UUID)
	assert.Equal(t, "payload", string(back.Payload))
	assert.Equal(t, "c-1", back.Metadata.Get("Correlation"))
	assert.Empty(t, back.Metadata.Get(headerUUID))

	plain := toNATS("FLOWMESH.orders", message.NewMessage("msg-2", nil), now)
	assert.Zero(t, remainingDelay(plain, now))
}

func TestBuildReportsConnectFailure(t *testing.T) {
	original := Connect
	defer func() { Connect = original }()
	Connect = func(string) (*nats.Conn, error) { return nil, nats.ErrNoServers }

	_, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://nowhere:4222"}, watermill.NopLogger{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, nats.ErrNoServers))
}
