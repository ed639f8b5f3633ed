package flow

import (
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	"github.com/drblury/flowmesh/internal/runtime/metrics"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// Outcome labels of the events counter.
const (
	OutcomeProcessed = "processed"
	OutcomeFiltered  = "filtered"
	OutcomeFailed    = "failed"
	OutcomeCaught    = "caught"
)

var (
	eventsTotal = metrics.NewCounterVec("flow", "events_total",
		"Events handled by a flow, by outcome.", "flow", "outcome")
	processingSeconds = metrics.NewHistogramVec("flow", "processing_seconds",
		"Time spent processing one event.", metrics.DurationBuckets, "flow")
	inFlightGauge = metrics.NewGaugeVec("flow", "in_flight",
		"Events currently being processed.", "flow")
)

// Stats is a point-in-time copy of a flow's statistics.
type Stats struct {
	Received            uint64    `json:"received"`
	Processed           uint64    `json:"processed"`
	Filtered            uint64    `json:"filtered"`
	Failed              uint64    `json:"failed"`
	Caught              uint64    `json:"caught"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Backlog    BacklogMetrics    `json:"backlog"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
}

// ErrorBreakdown counts failures by error type.
type ErrorBreakdown struct {
	ByType    map[string]uint64 `json:"by_type"`
	LastError string            `json:"last_error,omitempty"`
}

type BacklogMetrics struct {
	InFlight    uint64 `json:"in_flight"`
	MaxInFlight uint64 `json:"max_in_flight"`
}

// Statistics collects the processing statistics of one flow and mirrors
// them to Prometheus.
type Statistics struct {
	flow string

	mu    sync.Mutex
	stats Stats

	latency    *latencyWindow
	throughput *throughputWindow

	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
	inFlight *prometheus.GaugeVec
}

// NewStatistics creates the statistics of flow. Collectors are registered
// with reg, or the default registerer when reg is nil.
func NewStatistics(flow string, reg prometheus.Registerer) (*Statistics, error) {
	events, err := metrics.Register(reg, eventsTotal)
	if err != nil {
		return nil, err
	}
	duration, err := metrics.Register(reg, processingSeconds)
	if err != nil {
		return nil, err
	}
	inFlight, err := metrics.Register(reg, inFlightGauge)
	if err != nil {
		return nil, err
	}
	return &Statistics{
		flow:       flow,
		stats:      Stats{Errors: ErrorBreakdown{ByType: map[string]uint64{}}},
		latency:    newLatencyWindow(latencySampleSize),
		throughput: newThroughputWindow(throughputWindowSize),
		events:     events,
		duration:   duration,
		inFlight:   inFlight,
	}, nil
}

func (s *Statistics) received() {
	s.mu.Lock()
	s.stats.Received++
	s.stats.Backlog.InFlight++
	s.stats.Backlog.MaxInFlight = max(s.stats.Backlog.MaxInFlight, s.stats.Backlog.InFlight)
	s.mu.Unlock()
	s.inFlight.WithLabelValues(s.flow).Inc()
}

// finished records one completed event. cause is the original failure, also
// for events whose failure was caught.
func (s *Statistics) finished(outcome string, d time.Duration, cause error) {
	now := time.Now()

	s.mu.Lock()
	if s.stats.Backlog.InFlight > 0 {
		s.stats.Backlog.InFlight--
	}
	switch outcome {
	case OutcomeProcessed:
		s.stats.Processed++
	case OutcomeFiltered:
		s.stats.Filtered++
	case OutcomeFailed:
		s.stats.Failed++
	case OutcomeCaught:
		s.stats.Caught++
	}
	if cause != nil {
		s.stats.Errors.ByType[errspkg.Classify(cause).String()]++
		s.stats.Errors.LastError = cause.Error()
	}
	s.stats.TotalProcessingTime += int64(d)
	s.stats.LastProcessedAt = now.UTC()

	s.latency.Add(d)
	latency := s.latency.Snapshot()
	if completed := s.completedLocked(); completed > 0 {
		latency.AverageNs = s.stats.TotalProcessingTime / int64(completed)
	}
	s.stats.Latency = latency

	tp := s.throughput.AddAndSnapshot(now)
	s.stats.Throughput = ThroughputMetrics{
		CurrentRPS:       tp.CurrentRPS,
		WindowSeconds:    tp.WindowSeconds,
		MessagesInWindow: uint64(tp.Count),
	}
	s.mu.Unlock()

	s.inFlight.WithLabelValues(s.flow).Dec()
	s.events.WithLabelValues(s.flow, outcome).Inc()
	s.duration.WithLabelValues(s.flow).Observe(d.Seconds())
}

func (s *Statistics) completedLocked() uint64 {
	return s.stats.Processed + s.stats.Filtered + s.stats.Failed + s.stats.Caught
}

// Snapshot returns a copy of the current statistics.
func (s *Statistics) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.stats
	out.Errors.ByType = maps.Clone(s.stats.Errors.ByType)
	return out
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	out := LatencyMetrics{LastNs: lw.last}
	if lw.filled == 0 {
		return out
	}
	samples := make([]int64, lw.filled)
	for i := range lw.filled {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	slices.Sort(samples)
	out.SampleSize = lw.filled
	out.P50Ns = percentile(samples, 0.50)
	out.P95Ns = percentile(samples, 0.95)
	out.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	out.AverageNs = sum / int64(len(samples))
	return out
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{horizon: horizon, samples: make([]time.Time, 0, 64)}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	tw.samples = append(tw.samples, now)
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		tw.samples = slices.Delete(tw.samples, 0, idx)
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	return throughputSnapshot{
		Count:         len(tw.samples),
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(len(tw.samples)) / span.Seconds(),
	}
}
