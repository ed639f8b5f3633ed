// Package jetstream provides a NATS JetStream transport with durable pull
// consumers, explicit acks and delayed redelivery.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"

	"github.com/drblury/flowmesh/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	DefaultStreamName = "FLOWMESH"
	DefaultMaxDeliver = 3
	DefaultAckWait    = 30 * time.Second
	DefaultFetchBatch = 10

	// MetadataDelay holds the publish delay in milliseconds.
	MetadataDelay = "flowmesh_delay_ms"

	headerUUID       = "Flowmesh-Uuid"
	headerDelayUntil = "Flowmesh-Delay-Until"
)

// ErrClosed is returned once the transport has been closed.
var ErrClosed = errors.New("jetstream transport closed")

// Connect allows overriding the NATS connection for testing.
var Connect = func(url string) (*nats.Conn, error) {
	return nats.Connect(url)
}

func init() {
	Register()
}

// Register adds the transport to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.JetStreamCapabilities)
}

func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{URL: cfg.GetNATSURL()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{
		Publisher:  t,
		Subscriber: t,
	}, nil
}

func Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

// Config holds JetStream specific settings.
type Config struct {
	URL        string
	StreamName string
	MaxDeliver int
	AckWait    time.Duration
	Replicas   int
	// Retention is "limits" (default), "interest" or "workqueue".
	Retention string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = DefaultMaxDeliver
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

func (c Config) retention() nats.RetentionPolicy {
	switch c.Retention {
	case "interest":
		return nats.InterestPolicy
	case "workqueue":
		return nats.WorkQueuePolicy
	default:
		return nats.LimitsPolicy
	}
}

// Transport is both publisher and subscriber.
type Transport struct {
	nc     *nats.Conn
	js     nats.JetStreamContext
	config Config
	logger watermill.LoggerAdapter

	mu            sync.Mutex
	subscriptions []*nats.Subscription
	closed        bool
	closing       chan struct{}
	wg            sync.WaitGroup
}

func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	nc, err := Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	t := &Transport{
		nc:      nc,
		js:      js,
		config:  cfg,
		logger:  logger,
		closing: make(chan struct{}),
	}
	if err := t.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	return t, nil
}

func (t *Transport) ensureStream() error {
	streamCfg := &nats.StreamConfig{
		Name:      t.config.StreamName,
		Subjects:  []string{t.config.StreamName + ".>"},
		MaxAge:    7 * 24 * time.Hour,
		Replicas:  t.config.Replicas,
		Retention: t.config.retention(),
	}
	if _, err := t.js.AddStream(streamCfg); err == nil {
		return nil
	}
	if _, err := t.js.UpdateStream(streamCfg); err != nil {
		return fmt.Errorf("ensure stream %s: %w", t.config.StreamName, err)
	}
	return nil
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}
	subject := t.subject(topic)
	for _, msg := range messages {
		if _, err := t.js.PublishMsg(toNATS(subject, msg, time.Now())); err != nil {
			return fmt.Errorf("publish to %s: %w", subject, err)
		}
	}
	return nil
}

func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrClosed
	}

	subject := t.subject(topic)
	consumer := "consumer_" + topic
	consumerCfg := &nats.ConsumerConfig{
		Durable:       consumer,
		FilterSubject: subject,
		AckPolicy:     nats.AckExplicitPolicy,
		MaxDeliver:    t.config.MaxDeliver,
		AckWait:       t.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := t.js.AddConsumer(t.config.StreamName, consumerCfg); err != nil {
		if _, err := t.js.UpdateConsumer(t.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("create consumer %s: %w", consumer, err)
		}
	}

	sub, err := t.js.PullSubscribe(subject, consumer)
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", subject, err)
	}
	t.subscriptions = append(t.subscriptions, sub)

	out := make(chan *message.Message)
	t.wg.Add(1)
	go t.consume(ctx, sub, out, topic)
	return out, nil
}

func (t *Transport) consume(ctx context.Context, sub *nats.Subscription, out chan<- *message.Message, topic string) {
	defer t.wg.Done()
	defer close(out)

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closing:
			return
		default:
		}

		batch, err := sub.Fetch(DefaultFetchBatch, nats.MaxWait(time.Second))
		if err != nil {
			if !errors.Is(err, nats.ErrTimeout) {
				t.logger.Error("Failed to fetch messages", err, watermill.LogFields{"topic": topic})
			}
			continue
		}
		for _, natsMsg := range batch {
			if !t.deliver(ctx, natsMsg, out, topic) {
				return
			}
		}
	}
}

func (t *Transport) deliver(ctx context.Context, natsMsg *nats.Msg, out chan<- *message.Message, topic string) bool {
	if wait := remainingDelay(natsMsg, time.Now()); wait > 0 {
		if err := natsMsg.NakWithDelay(wait); err != nil {
			t.logger.Error("Failed to defer delayed message", err, watermill.LogFields{"topic": topic})
		}
		return true
	}

	msg := fromNATS(natsMsg)
	msg.SetContext(ctx)
	select {
	case out <- msg:
	case <-ctx.Done():
		return false
	case <-t.closing:
		return false
	}

	select {
	case <-msg.Acked():
		if err := natsMsg.Ack(); err != nil {
			t.logger.Error("Failed to ack message", err, watermill.LogFields{"uuid": msg.UUID})
		}
	case <-msg.Nacked():
		if err := natsMsg.Nak(); err != nil {
			t.logger.Error("Failed to nak message", err, watermill.LogFields{"uuid": msg.UUID})
		}
	case <-ctx.Done():
		return false
	case <-t.closing:
		return false
	}
	return true
}

func (t *Transport) subject(topic string) string {
	return t.config.StreamName + "." + topic
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closing)
	subs := t.subscriptions
	t.subscriptions = nil
	t.mu.Unlock()

	t.wg.Wait()
	var errs []error
	for _, sub := range subs {
		errs = append(errs, sub.Unsubscribe())
	}
	t.nc.Close()
	return errors.Join(errs...)
}

func (t *Transport) Capabilities() transport.Capabilities {
	return transport.JetStreamCapabilities
}

func toNATS(subject string, msg *message.Message, now time.Time) *nats.Msg {
	headers := nats.Header{}
	for k, v := range msg.Metadata {
		headers.Set(k, v)
	}
	headers.Set(headerUUID, msg.UUID)
	if raw := msg.Metadata.Get(MetadataDelay); raw != "" {
		if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
			until := now.Add(time.Duration(ms) * time.Millisecond)
			headers.Set(headerDelayUntil, strconv.FormatInt(until.UnixMilli(), 10))
		}
	}
	return &nats.Msg{Subject: subject, Data: msg.Payload, Header: headers}
}

func fromNATS(natsMsg *nats.Msg) *message.Message {
	id := natsMsg.Header.Get(headerUUID)
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, natsMsg.Data)
	for k, v := range natsMsg.Header {
		if k == headerUUID || k == headerDelayUntil || len(v) == 0 {
			continue
		}
		msg.Metadata.Set(k, v[0])
	}
	return msg
}

func remainingDelay(natsMsg *nats.Msg, now time.Time) time.Duration {
	raw := natsMsg.Header.Get(headerDelayUntil)
	if raw == "" {
		return 0
	}
	until, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return time.UnixMilli(until).Sub(now)
}
