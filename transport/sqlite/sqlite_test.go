package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowmesh/internal/runtime/transaction"
	"github.com/drblury/flowmesh/transport"
	"github.com/drblury/flowmesh/transport/transporttest"
)

func newTestTransport(t *testing.T, cfg Config) *Transport {
	t.Helper()
	if cfg.FilePath == "" {
		cfg.FilePath = ":memory:"
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	tr, err := New(cfg, watermill.NopLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func receive(t *testing.T, ch <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
		return nil
	}
}

func TestRegister(t *testing.T) {
	prev := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = prev })
	transport.DefaultRegistry = transport.NewRegistry()

	Register()

	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.Equal(t, transport.SQLiteCapabilities, transport.GetCapabilities(TransportName))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultFile, cfg.FilePath)
	assert.Equal(t, DefaultPollInterval, cfg.PollInterval)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)

	assert.Zero(t, Config{MaxRetries: -1}.withDefaults().MaxRetries)
	assert.Equal(t, 5, Config{MaxRetries: 5}.withDefaults().MaxRetries)
	assert.NotContains(t, Config{FilePath: ":memory:"}.dsn(), "journal_mode")
}

func TestBuildUsesConfiguredFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "queue.db")
	tr, err := Build(context.Background(), &transporttest.Config{SQLiteFile: file}, nil)
	require.NoError(t, err)
	assert.Same(t, tr.Publisher, tr.Subscriber.(message.Publisher))
	require.NoError(t, tr.Close())

	reopened, err := New(Config{FilePath: file}, nil)
	require.NoError(t, err)
	require.NoError(t, reopened.Close())
}

func TestPublishSubscribeAck(t *testing.T) {
	tr := newTestTransport(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := tr.Subscribe(ctx, "orders")
	require.NoError(t, err)

	msg := message.NewMessage("m-1", []byte(`{"id":1}`))
	msg.Metadata.Set("correlation_id", "c-1")
	require.NoError(t, tr.Publish("orders", msg, message.NewMessage("m-2", []byte("two"))))

	first := receive(t, ch)
	assert.Equal(t, "m-1", first.UUID)
	assert.Equal(t, "c-1", first.Metadata.Get("correlation_id"))
	first.Ack()

	second := receive(t, ch)
	assert.Equal(t, "m-2", second.UUID)
	second.Ack()

	assert.Eventually(t, func() bool {
		n, err := tr.GetPendingCount("orders")
		return err == nil && n == 0
	}, time.Second, 5*time.Millisecond)
}

func TestDelayedMessageIsHeldBack(t *testing.T) {
	tr := newTestTransport(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	delayed := message.NewMessage("late", []byte("x"))
	delayed.Metadata.Set(MetadataDelay, "60000")
	require.NoError(t, tr.Publish("jobs", delayed, message.NewMessage("now", []byte("y"))))

	ch, err := tr.Subscribe(ctx, "jobs")
	require.NoError(t, err)

	got := receive(t, ch)
	assert.Equal(t, "now", got.UUID)
	got.Ack()

	select {
	case msg := <-ch:
		t.Fatalf("delayed message %s delivered early", msg.UUID)
	case <-time.After(50 * time.Millisecond):
	}
	n, err := tr.GetPendingCount("jobs")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestNackParksMessageAfterRetries(t *testing.T) {
	tr := newTestTransport(t, Config{MaxRetries: -1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := tr.Subscribe(ctx, "payments")
	require.NoError(t, err)
	require.NoError(t, tr.Publish("payments", message.NewMessage("p-1", []byte("pay"))))

	receive(t, ch).Nack()

	assert.Eventually(t, func() bool {
		n, err := tr.GetDLQCount("payments")
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)

	parked, err := tr.ListDLQMessages("payments", 10, 0)
	require.NoError(t, err)
	require.Len(t, parked, 1)
	assert.Equal(t, "p-1", parked[0].UUID)
	assert.Equal(t, "max retries exceeded", parked[0].ErrorMessage)
	assert.False(t, parked[0].FailedAt.IsZero())

	require.NoError(t, tr.ReplayDLQMessage(parked[0].ID))
	replayed := receive(t, ch)
	assert.Contains(t, replayed.UUID, "p-1-replay-")
	replayed.Ack()

	assert.Error(t, tr.ReplayDLQMessage(parked[0].ID))
}

func TestReplayAndPurgeAll(t *testing.T) {
	tr := newTestTransport(t, Config{})
	_, err := tr.DB().Exec(`
		INSERT INTO dead_letter_queue (uuid, original_topic, payload, failed_at)
		VALUES ('a', 't', x'00', 1), ('b', 't', x'00', 2), ('c', 'other', x'00', 3)`)
	require.NoError(t, err)

	n, err := tr.ReplayAllDLQ("t")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	pending, err := tr.GetPendingCount("t")
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)

	n, err = tr.PurgeDLQ("other")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPublishJoinsTransaction(t *testing.T) {
	tr := newTestTransport(t, Config{})
	tmpl := transaction.NewTemplate(transaction.Config{Action: transaction.AlwaysBegin, Factory: tr})
	boom := errors.New("boom")

	_, err := transaction.Execute(context.Background(), tmpl, func(ctx context.Context) (struct{}, error) {
		require.NoError(t, tr.PublishContext(ctx, "audit", message.NewMessage("rolled-back", []byte("x"))))
		return struct{}{}, boom
	})
	require.ErrorIs(t, err, boom)

	_, err = transaction.Execute(context.Background(), tmpl, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, tr.PublishContext(ctx, "audit", message.NewMessage("committed", []byte("y")))
	})
	require.NoError(t, err)

	var uuids []string
	rows, err := tr.DB().Query(`SELECT uuid FROM messages WHERE topic = 'audit'`)
	require.NoError(t, err)
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var uuid string
		require.NoError(t, rows.Scan(&uuid))
		uuids = append(uuids, uuid)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"committed"}, uuids)
}

func TestClosedTransport(t *testing.T) {
	tr := newTestTransport(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := tr.Subscribe(ctx, "orders")
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	_, open := <-ch
	assert.False(t, open)
	assert.ErrorIs(t, tr.Publish("orders", message.NewMessage("x", nil)), ErrClosed)
	_, err = tr.Subscribe(ctx, "orders")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = tr.Begin(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}
