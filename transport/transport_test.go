package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
)

type loopback struct{ closed int }

func (l *loopback) Publish(string, ...*message.Message) error { return nil }
func (l *loopback) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	return nil, nil
}
func (l *loopback) Close() error {
	l.closed++
	return nil
}

func TestTransportCloseClosesBothHalves(t *testing.T) {
	pub := &stubPublisher{err: errors.New("flush failed")}
	sub := &stubSubscriber{}

	err := Transport{Publisher: pub, Subscriber: sub}.Close()

	assert.EqualError(t, err, "flush failed")
	assert.Equal(t, 1, pub.closed)
	assert.Equal(t, 1, sub.closed)
}

func TestTransportCloseSharedBackendOnce(t *testing.T) {
	backend := &loopback{}
	assert.NoError(t, Transport{Publisher: backend, Subscriber: backend}.Close())
	assert.Equal(t, 1, backend.closed)

	assert.NoError(t, Transport{}.Close())
}

func TestCapabilities(t *testing.T) {
	assert.True(t, VMCapabilities.SupportsReliableDelivery())
	assert.True(t, VMCapabilities.RequiresDLQEmulation())
	assert.False(t, KafkaCapabilities.SupportsReliableDelivery())
	assert.False(t, SQLiteCapabilities.RequiresDLQEmulation())

	for _, caps := range []Capabilities{
		VMCapabilities, KafkaCapabilities, RabbitMQCapabilities, NATSCapabilities,
		JetStreamCapabilities, AWSCapabilities, SQLiteCapabilities, HTTPCapabilities, IOCapabilities,
	} {
		assert.NotEmpty(t, caps.Name)
	}
}

var (
	_ DLQManager        = dlqStub{}
	_ DLQLister         = dlqStub{}
	_ QueueIntrospector = dlqStub{}
)

type dlqStub struct{}

func (dlqStub) GetDLQCount(string) (int64, error)  { return 0, nil }
func (dlqStub) ReplayDLQMessage(int64) error       { return nil }
func (dlqStub) ReplayAllDLQ(string) (int64, error) { return 0, nil }
func (dlqStub) PurgeDLQ(string) (int64, error)     { return 0, nil }
func (dlqStub) GetPendingCount(string) (int64, error) {
	return 0, nil
}
func (dlqStub) ListDLQMessages(string, int, int) ([]DLQMessage, error) {
	return nil, nil
}
