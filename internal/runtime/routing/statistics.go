package routing

import (
	"maps"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/flowmesh/internal/runtime/metrics"
)

var routedTotal = metrics.NewCounterVec("router", "routed_total",
	"Events sent to a route, by router and route.", "router", "route")

// Statistics counts the events a router sent per route.
type Statistics struct {
	router string

	mu     sync.Mutex
	routed map[string]int64

	counter *prometheus.CounterVec
}

// NewStatistics creates statistics for router. The counters are mirrored to
// reg, or the default registerer when reg is nil.
func NewStatistics(router string, reg prometheus.Registerer) (*Statistics, error) {
	counter, err := metrics.Register(reg, routedTotal)
	if err != nil {
		return nil, err
	}
	return &Statistics{router: router, routed: make(map[string]int64), counter: counter}, nil
}

// Routed records one event sent to route.
func (s *Statistics) Routed(route string) {
	s.mu.Lock()
	s.routed[route]++
	s.mu.Unlock()
	s.counter.WithLabelValues(s.router, route).Inc()
}

// Snapshot returns the per-route counts.
func (s *Statistics) Snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.routed)
}

// Total returns the number of events routed.
func (s *Statistics) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	for _, n := range s.routed {
		total += n
	}
	return total
}
