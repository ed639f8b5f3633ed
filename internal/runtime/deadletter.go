package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/flowmesh/internal/runtime/metrics"
	"github.com/drblury/flowmesh/transport"
)

// DeadLetterMetrics tracks events parked on dead-letter topics.
type DeadLetterMetrics struct {
	mu     sync.RWMutex
	topics map[string]*DeadLetterTopicMetrics

	messagesTotal   *prometheus.CounterVec
	messagesCurrent *prometheus.GaugeVec
	replayedTotal   *prometheus.CounterVec
	purgedTotal     *prometheus.CounterVec
	ageSeconds      *prometheus.HistogramVec
}

// DeadLetterTopicMetrics holds the counts of one dead-letter topic.
type DeadLetterTopicMetrics struct {
	MessagesReceived uint64    `json:"messages_received"`
	MessagesCurrent  uint64    `json:"messages_current"`
	MessagesReplayed uint64    `json:"messages_replayed"`
	MessagesPurged   uint64    `json:"messages_purged"`
	OldestMessageAt  time.Time `json:"oldest_message_at,omitempty"`
	NewestMessageAt  time.Time `json:"newest_message_at,omitempty"`
	LastUpdatedAt    time.Time `json:"last_updated_at"`
}

// DeadLetterSnapshot is a point-in-time view of DeadLetterMetrics.
type DeadLetterSnapshot struct {
	TotalMessages uint64                             `json:"total_messages"`
	TotalReplayed uint64                             `json:"total_replayed"`
	TotalPurged   uint64                             `json:"total_purged"`
	Topics        map[string]*DeadLetterTopicMetrics `json:"topics"`
	CollectedAt   time.Time                          `json:"collected_at"`
}

var ageBuckets = []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600}

// NewDeadLetterMetrics registers the dead-letter collectors with reg, or with
// the default registerer when reg is nil.
func NewDeadLetterMetrics(reg prometheus.Registerer) (*DeadLetterMetrics, error) {
	m := &DeadLetterMetrics{topics: make(map[string]*DeadLetterTopicMetrics)}
	var err error
	if m.messagesTotal, err = metrics.Register(reg, metrics.NewCounterVec("dead_letter", "messages_total",
		"Events sent to a dead-letter topic", "topic", "flow")); err != nil {
		return nil, err
	}
	if m.messagesCurrent, err = metrics.Register(reg, metrics.NewGaugeVec("dead_letter", "messages_current",
		"Events currently parked on a dead-letter topic", "topic")); err != nil {
		return nil, err
	}
	if m.replayedTotal, err = metrics.Register(reg, metrics.NewCounterVec("dead_letter", "replayed_total",
		"Dead letters replayed to their original topic", "topic")); err != nil {
		return nil, err
	}
	if m.purgedTotal, err = metrics.Register(reg, metrics.NewCounterVec("dead_letter", "purged_total",
		"Dead letters purged", "topic")); err != nil {
		return nil, err
	}
	if m.ageSeconds, err = metrics.Register(reg, metrics.NewHistogramVec("dead_letter", "message_age_seconds",
		"Age of events when they were dead-lettered", ageBuckets, "topic")); err != nil {
		return nil, err
	}
	return m, nil
}

// RecordDeadLetter records an event created at createdAt being dead-lettered
// by flow.
func (m *DeadLetterMetrics) RecordDeadLetter(topic, flow string, createdAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	t := m.topic(topic)
	t.MessagesReceived++
	t.MessagesCurrent++
	t.LastUpdatedAt = now
	if t.OldestMessageAt.IsZero() {
		t.OldestMessageAt = now
	}
	t.NewestMessageAt = now

	m.messagesTotal.WithLabelValues(topic, flow).Inc()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(t.MessagesCurrent))
	if !createdAt.IsZero() {
		m.ageSeconds.WithLabelValues(topic).Observe(now.Sub(createdAt).Seconds())
	}
}

// RecordReplayed records count dead letters of topic being replayed.
func (m *DeadLetterMetrics) RecordReplayed(topic string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.topic(topic)
	t.MessagesReplayed += uint64(count)
	t.MessagesCurrent = subtract(t.MessagesCurrent, count)
	t.LastUpdatedAt = time.Now()

	m.replayedTotal.WithLabelValues(topic).Add(float64(count))
	m.messagesCurrent.WithLabelValues(topic).Set(float64(t.MessagesCurrent))
}

// RecordPurged records count dead letters of topic being purged.
func (m *DeadLetterMetrics) RecordPurged(topic string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.topic(topic)
	t.MessagesPurged += uint64(count)
	t.MessagesCurrent = subtract(t.MessagesCurrent, count)
	t.LastUpdatedAt = time.Now()

	m.purgedTotal.WithLabelValues(topic).Add(float64(count))
	m.messagesCurrent.WithLabelValues(topic).Set(float64(t.MessagesCurrent))
}

// SetCurrent overwrites the parked count, used to sync with a transport that
// keeps its own dead-letter table.
func (m *DeadLetterMetrics) SetCurrent(topic string, count uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.topic(topic)
	t.MessagesCurrent = count
	t.LastUpdatedAt = time.Now()
	m.messagesCurrent.WithLabelValues(topic).Set(float64(count))
}

func (m *DeadLetterMetrics) Snapshot() DeadLetterSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := DeadLetterSnapshot{
		Topics:      make(map[string]*DeadLetterTopicMetrics, len(m.topics)),
		CollectedAt: time.Now(),
	}
	for name, t := range m.topics {
		copied := *t
		snap.Topics[name] = &copied
		snap.TotalMessages += t.MessagesCurrent
		snap.TotalReplayed += t.MessagesReplayed
		snap.TotalPurged += t.MessagesPurged
	}
	return snap
}

// Topic returns a copy of the counts of topic, or nil.
func (m *DeadLetterMetrics) Topic(topic string) *DeadLetterTopicMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.topics[topic]
	if !ok {
		return nil
	}
	copied := *t
	return &copied
}

// topic requires m.mu.
func (m *DeadLetterMetrics) topic(name string) *DeadLetterTopicMetrics {
	t, ok := m.topics[name]
	if !ok {
		t = &DeadLetterTopicMetrics{}
		m.topics[name] = t
	}
	return t
}

func subtract(current uint64, n int64) uint64 {
	if n <= 0 {
		return current
	}
	if current < uint64(n) {
		return 0
	}
	return current - uint64(n)
}

// deadLetterManager returns the dead-letter table of the transport behind
// the named connector.
func (s *Service) deadLetterManager(connectorName string) (transport.DLQManager, error) {
	if connectorName == "" {
		connectorName = DefaultConnectorName
	}
	c, err := s.TransportConnector(connectorName)
	if err != nil {
		return nil, err
	}
	pub, err := c.Publisher()
	if err != nil {
		return nil, err
	}
	mgr, ok := pub.(transport.DLQManager)
	if !ok {
		return nil, fmt.Errorf("flowmesh: transport %s of connector %s keeps no dead letters", c.Transport(), connectorName)
	}
	return mgr, nil
}

// ReplayDeadLetters moves every dead letter of topic back onto topic.
func (s *Service) ReplayDeadLetters(_ context.Context, connectorName, topic string) (int64, error) {
	mgr, err := s.deadLetterManager(connectorName)
	if err != nil {
		return 0, err
	}
	n, err := mgr.ReplayAllDLQ(topic)
	if err != nil {
		return n, err
	}
	s.deadLetters.RecordReplayed(topic, n)
	return n, nil
}

// PurgeDeadLetters drops every dead letter of topic.
func (s *Service) PurgeDeadLetters(_ context.Context, connectorName, topic string) (int64, error) {
	mgr, err := s.deadLetterManager(connectorName)
	if err != nil {
		return 0, err
	}
	n, err := mgr.PurgeDLQ(topic)
	if err != nil {
		return n, err
	}
	s.deadLetters.RecordPurged(topic, n)
	return n, nil
}

// SyncDeadLetters reads the parked count of topic from the transport.
func (s *Service) SyncDeadLetters(_ context.Context, connectorName, topic string) (int64, error) {
	mgr, err := s.deadLetterManager(connectorName)
	if err != nil {
		return 0, err
	}
	n, err := mgr.GetDLQCount(topic)
	if err != nil {
		return 0, err
	}
	s.deadLetters.SetCurrent(topic, uint64(n))
	return n, nil
}
