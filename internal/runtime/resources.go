package runtime

import (
	"runtime/metrics"
	"sync"
)

// ResourceUsage is a coarse sample of the process footprint.
type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

const (
	metricCPUTotal   = "/cpu/classes/total:cpu-seconds"
	metricCPUIdle    = "/cpu/classes/idle:cpu-seconds"
	metricHeapBytes  = "/memory/classes/heap/objects:bytes"
	metricGoroutines = "/sched/goroutines:goroutines"
)

// resourceTracker samples the runtime for the status API. CPU usage is the
// busy share of the CPU time available to the process since the previous
// sample; the runtime refreshes these estimates at every GC cycle.
type resourceTracker struct {
	mu        sync.Mutex
	samples   []metrics.Sample
	lastTotal float64
	lastIdle  float64
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{samples: []metrics.Sample{
		{Name: metricCPUTotal},
		{Name: metricCPUIdle},
		{Name: metricHeapBytes},
		{Name: metricGoroutines},
	}}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	metrics.Read(r.samples)
	total := float64Value(r.samples[0])
	idle := float64Value(r.samples[1])

	var usage ResourceUsage
	if r.lastTotal > 0 {
		if span := total - r.lastTotal; span > 0 {
			busy := span - (idle - r.lastIdle)
			usage.CPUPercent = max(0, busy/span*100)
		}
	}
	r.lastTotal, r.lastIdle = total, idle

	usage.MemoryBytes = uint64Value(r.samples[2])
	usage.Goroutines = int(uint64Value(r.samples[3]))
	return usage
}

func float64Value(s metrics.Sample) float64 {
	if s.Value.Kind() != metrics.KindFloat64 {
		return 0
	}
	return s.Value.Float64()
}

func uint64Value(s metrics.Sample) uint64 {
	if s.Value.Kind() != metrics.KindUint64 {
		return 0
	}
	return s.Value.Uint64()
}
