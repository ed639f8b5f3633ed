// Package sqlite provides a queue transport persisted in a SQLite database.
// Messages wait in a table until a subscriber locks and acknowledges them.
// Messages nacked more than MaxRetries times move to a dead letter table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	_ "modernc.org/sqlite"

	"github.com/drblury/flowmesh/internal/runtime/jsoncodec"
	"github.com/drblury/flowmesh/internal/runtime/transaction"
	"github.com/drblury/flowmesh/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "sqlite"

const (
	DefaultPollInterval = 100 * time.Millisecond
	// DefaultMaxRetries is the number of nacks before a message is parked.
	DefaultMaxRetries = 3
	DefaultFile       = "flowmesh_queue.db"

	// MetadataDelay holds the publish delay in milliseconds.
	MetadataDelay = "flowmesh_delay_ms"

	lockTimeout = 30 * time.Second
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("flowmesh: sqlite transport closed")

func init() {
	Register()
}

// Register adds the sqlite builder to the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, Capabilities())
}

// Build opens the database named by cfg.GetSQLiteFile.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	t, err := New(Config{FilePath: cfg.GetSQLiteFile()}, logger)
	if err != nil {
		return transport.Transport{}, err
	}
	return transport.Transport{Publisher: t, Subscriber: t}, nil
}

func Capabilities() transport.Capabilities {
	return transport.SQLiteCapabilities
}

// Config holds SQLite-specific configuration.
type Config struct {
	// FilePath is the database file. ":memory:" keeps the queue in memory.
	FilePath     string
	PollInterval time.Duration
	// MaxRetries is the number of nacks tolerated before dead lettering.
	// Zero selects DefaultMaxRetries; negative values park on the first nack.
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.FilePath == "" {
		c.FilePath = DefaultFile
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	return c
}

func (c Config) dsn() string {
	if c.FilePath == ":memory:" {
		return c.FilePath + "?_pragma=busy_timeout(5000)"
	}
	return c.FilePath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Transport is both publisher and subscriber. It also begins transactions
// that PublishContext joins, so a router can publish atomically.
type Transport struct {
	db     *sql.DB
	config Config
	logger watermill.LoggerAdapter

	mu      sync.RWMutex
	closed  bool
	closing chan struct{}
	wg      sync.WaitGroup
}

var (
	_ message.Publisher              = (*Transport)(nil)
	_ message.Subscriber             = (*Transport)(nil)
	_ transport.ContextPublisher     = (*Transport)(nil)
	_ transport.DLQManager           = (*Transport)(nil)
	_ transport.DLQLister            = (*Transport)(nil)
	_ transport.QueueIntrospector    = (*Transport)(nil)
	_ transport.CapabilitiesProvider = (*Transport)(nil)
	_ transaction.Factory            = (*Transport)(nil)
)

// New opens the database and creates the queue tables.
func New(cfg Config, logger watermill.LoggerAdapter) (*Transport, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	db, err := sql.Open("sqlite", cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	t := &Transport{
		db:      db,
		config:  cfg,
		logger:  logger.With(watermill.LogFields{"transport": TransportName}),
		closing: make(chan struct{}),
	}
	if err := t.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize sqlite schema: %w", err)
	}
	return t, nil
}

// Times are stored as unix milliseconds.
const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL UNIQUE,
	topic TEXT NOT NULL,
	payload BLOB NOT NULL,
	metadata TEXT,
	created_at INTEGER NOT NULL,
	available_at INTEGER NOT NULL,
	locked_until INTEGER,
	retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_topic_available ON messages(topic, available_at);

CREATE TABLE IF NOT EXISTS dead_letter_queue (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	uuid TEXT NOT NULL,
	original_topic TEXT NOT NULL,
	payload BLOB NOT NULL,
	metadata TEXT,
	error_message TEXT NOT NULL DEFAULT '',
	failed_at INTEGER NOT NULL,
	retry_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_dlq_topic ON dead_letter_queue(original_topic);
`

func (t *Transport) initSchema() error {
	_, err := t.db.Exec(schema)
	return err
}

func (t *Transport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Publish inserts messages in their own transaction.
func (t *Transport) Publish(topic string, messages ...*message.Message) error {
	return t.PublishContext(context.Background(), topic, messages...)
}

// PublishContext inserts messages inside the transaction bound to ctx when
// that transaction was begun by this transport, and in a new one otherwise.
func (t *Transport) PublishContext(ctx context.Context, topic string, messages ...*message.Message) error {
	if t.isClosed() {
		return ErrClosed
	}
	if active, ok := transaction.FromContext(ctx); ok {
		if tx, mine := active.(*Tx); mine && tx.owner == t {
			return t.insert(ctx, tx.tx, topic, messages)
		}
	}
	return t.withTx(ctx, func(tx *sql.Tx) error {
		return t.insert(ctx, tx, topic, messages)
	})
}

func (t *Transport) insert(ctx context.Context, ex execer, topic string, messages []*message.Message) error {
	now := time.Now()
	for _, msg := range messages {
		metadata, err := jsoncodec.Marshal(msg.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata of %s: %w", msg.UUID, err)
		}
		availableAt := now
		if raw := msg.Metadata.Get(MetadataDelay); raw != "" {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
				availableAt = now.Add(time.Duration(ms) * time.Millisecond)
			}
		}
		if _, err := ex.ExecContext(ctx, `
			INSERT INTO messages (uuid, topic, payload, metadata, created_at, available_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			msg.UUID, topic, []byte(msg.Payload), string(metadata), now.UnixMilli(), availableAt.UnixMilli()); err != nil {
			return fmt.Errorf("insert message %s: %w", msg.UUID, err)
		}
	}
	return nil
}

func (t *Transport) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sqlite transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			t.logger.Error("Rollback failed", err, nil)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Tx is a database transaction begun through the transaction package.
type Tx struct {
	owner *Transport
	tx    *sql.Tx
}

// Begin starts a transaction that PublishContext joins when it is bound to
// the publishing context.
func (t *Transport) Begin(ctx context.Context) (transaction.Transaction, error) {
	if t.isClosed() {
		return nil, ErrClosed
	}
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin sqlite transaction: %w", err)
	}
	return &Tx{owner: t, tx: tx}, nil
}

func (tx *Tx) Commit(context.Context) error   { return tx.tx.Commit() }
func (tx *Tx) Rollback(context.Context) error { return tx.tx.Rollback() }

// Subscribe polls topic until ctx is cancelled or the transport closes.
// The next message is fetched once the previous one was acked or nacked.
func (t *Transport) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return nil, ErrClosed
	}

	out := make(chan *message.Message)
	t.wg.Add(1)
	go t.poll(ctx, topic, out)
	return out, nil
}

func (t *Transport) poll(ctx context.Context, topic string, out chan *message.Message) {
	defer t.wg.Done()
	defer close(out)

	ticker := time.NewTicker(t.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.closing:
			return
		case <-ticker.C:
			for t.deliverNext(ctx, topic, out) {
			}
		}
	}
}

type lockedMessage struct {
	id       int64
	uuid     string
	payload  []byte
	metadata string
}

// deliverNext reports whether a message was handed out.
func (t *Transport) deliverNext(ctx context.Context, topic string, out chan *message.Message) bool {
	lm, err := t.lockNext(ctx, topic)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) && ctx.Err() == nil {
			t.logger.Error("Could not lock message", err, watermill.LogFields{"topic": topic})
		}
		return false
	}

	msg := message.NewMessage(lm.uuid, lm.payload)
	if lm.metadata != "" {
		if err := jsoncodec.Unmarshal([]byte(lm.metadata), &msg.Metadata); err != nil {
			t.logger.Error("Could not decode metadata", err, watermill.LogFields{"uuid": lm.uuid})
		}
	}
	if msg.Metadata == nil {
		msg.Metadata = make(message.Metadata)
	}

	select {
	case out <- msg:
	case <-ctx.Done():
		t.unlock(lm.id)
		return false
	case <-t.closing:
		t.unlock(lm.id)
		return false
	}

	select {
	case <-msg.Acked():
		t.ack(lm.id)
		return true
	case <-msg.Nacked():
		t.nack(lm.id)
		return true
	case <-ctx.Done():
	case <-t.closing:
	}
	t.unlock(lm.id)
	return false
}

func (t *Transport) lockNext(ctx context.Context, topic string) (lockedMessage, error) {
	var lm lockedMessage
	err := t.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UnixMilli()
		row := tx.QueryRowContext(ctx, `
			SELECT id, uuid, payload, COALESCE(metadata, '')
			FROM messages
			WHERE topic = ? AND available_at <= ? AND (locked_until IS NULL OR locked_until < ?)
			ORDER BY available_at, id
			LIMIT 1`, topic, now, now)
		if err := row.Scan(&lm.id, &lm.uuid, &lm.payload, &lm.metadata); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `UPDATE messages SET locked_until = ? WHERE id = ?`,
			now+lockTimeout.Milliseconds(), lm.id)
		return err
	})
	return lm, err
}

func (t *Transport) ack(id int64) {
	if _, err := t.db.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		t.logger.Error("Could not ack message", err, watermill.LogFields{"id": id})
	}
}

// nack schedules a redelivery with linear backoff, or parks the message once
// its retries are used up.
func (t *Transport) nack(id int64) {
	err := t.withTx(context.Background(), func(tx *sql.Tx) error {
		var retries int
		if err := tx.QueryRow(`SELECT retry_count FROM messages WHERE id = ?`, id).Scan(&retries); err != nil {
			return err
		}
		now := time.Now()
		if retries >= t.config.MaxRetries {
			if _, err := tx.Exec(`
				INSERT INTO dead_letter_queue (uuid, original_topic, payload, metadata, error_message, failed_at, retry_count)
				SELECT uuid, topic, payload, metadata, 'max retries exceeded', ?, retry_count
				FROM messages WHERE id = ?`, now.UnixMilli(), id); err != nil {
				return err
			}
			_, err := tx.Exec(`DELETE FROM messages WHERE id = ?`, id)
			return err
		}
		backoff := time.Duration(retries+1) * time.Second
		_, err := tx.Exec(`
			UPDATE messages
			SET retry_count = retry_count + 1, locked_until = NULL, available_at = ?
			WHERE id = ?`, now.Add(backoff).UnixMilli(), id)
		return err
	})
	if err != nil {
		t.logger.Error("Could not nack message", err, watermill.LogFields{"id": id})
	}
}

func (t *Transport) unlock(id int64) {
	if _, err := t.db.Exec(`UPDATE messages SET locked_until = NULL WHERE id = ?`, id); err != nil {
		t.logger.Error("Could not unlock message", err, watermill.LogFields{"id": id})
	}
}

// Close stops all subscriptions and closes the database. It is idempotent.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.closing)
	t.mu.Unlock()

	t.wg.Wait()
	return t.db.Close()
}

func (t *Transport) Capabilities() transport.Capabilities {
	return Capabilities()
}

// DB exposes the underlying database.
func (t *Transport) DB() *sql.DB {
	return t.db
}

// GetPendingCount counts messages waiting on topic, locked ones included.
func (t *Transport) GetPendingCount(topic string) (int64, error) {
	var count int64
	err := t.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE topic = ?`, topic).Scan(&count)
	return count, err
}

func (t *Transport) GetDLQCount(topic string) (int64, error) {
	var count int64
	err := t.db.QueryRow(`SELECT COUNT(*) FROM dead_letter_queue WHERE original_topic = ?`, topic).Scan(&count)
	return count, err
}

const replaySelect = `
	INSERT INTO messages (uuid, topic, payload, metadata, created_at, available_at)
	SELECT uuid || '-replay-' || ?, original_topic, payload, metadata, ?, ?
	FROM dead_letter_queue `

// ReplayDLQMessage moves one dead letter back to its topic under a new uuid.
func (t *Transport) ReplayDLQMessage(dlqID int64) error {
	return t.withTx(context.Background(), func(tx *sql.Tx) error {
		now := time.Now()
		res, err := tx.Exec(replaySelect+`WHERE id = ?`, now.UnixNano(), now.UnixMilli(), now.UnixMilli(), dlqID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("dead letter %d: %w", dlqID, sql.ErrNoRows)
		}
		_, err = tx.Exec(`DELETE FROM dead_letter_queue WHERE id = ?`, dlqID)
		return err
	})
}

// ReplayAllDLQ moves every dead letter of topic back to it.
func (t *Transport) ReplayAllDLQ(topic string) (int64, error) {
	var replayed int64
	err := t.withTx(context.Background(), func(tx *sql.Tx) error {
		now := time.Now()
		res, err := tx.Exec(replaySelect+`WHERE original_topic = ?`, now.UnixNano(), now.UnixMilli(), now.UnixMilli(), topic)
		if err != nil {
			return err
		}
		replayed, _ = res.RowsAffected()
		_, err = tx.Exec(`DELETE FROM dead_letter_queue WHERE original_topic = ?`, topic)
		return err
	})
	if err != nil {
		return 0, err
	}
	return replayed, nil
}

func (t *Transport) PurgeDLQ(topic string) (int64, error) {
	res, err := t.db.Exec(`DELETE FROM dead_letter_queue WHERE original_topic = ?`, topic)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListDLQMessages pages through the dead letters of topic, newest first.
func (t *Transport) ListDLQMessages(topic string, limit, offset int) ([]transport.DLQMessage, error) {
	rows, err := t.db.Query(`
		SELECT id, uuid, original_topic, payload, COALESCE(metadata, ''), error_message, failed_at, retry_count
		FROM dead_letter_queue
		WHERE original_topic = ?
		ORDER BY failed_at DESC, id DESC
		LIMIT ? OFFSET ?`, topic, limit, offset)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []transport.DLQMessage
	for rows.Next() {
		var (
			msg      transport.DLQMessage
			metadata string
			failedAt int64
		)
		if err := rows.Scan(&msg.ID, &msg.UUID, &msg.OriginalTopic, &msg.Payload, &metadata, &msg.ErrorMessage, &failedAt, &msg.RetryCount); err != nil {
			return nil, err
		}
		msg.FailedAt = time.UnixMilli(failedAt)
		if metadata != "" {
			if err := jsoncodec.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
				t.logger.Error("Could not decode metadata", err, watermill.LogFields{"uuid": msg.UUID})
			}
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}
