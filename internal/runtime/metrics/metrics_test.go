package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterReturnsExistingCollector(t *testing.T) {
	reg := prometheus.NewRegistry()

	first, err := Register(reg, NewCounterVec("test", "events_total", "events", "flow"))
	require.NoError(t, err)
	second, err := Register(reg, NewCounterVec("test", "events_total", "events", "flow"))
	require.NoError(t, err)

	assert.Same(t, first, second)

	second.WithLabelValues("orders").Inc()
	assert.Equal(t, 1.0, testutil.ToFloat64(first.WithLabelValues("orders")))
}

func TestRegisterReportsConflicts(t *testing.T) {
	reg := prometheus.NewRegistry()

	_, err := Register(reg, NewCounterVec("test", "conflict", "a", "x"))
	require.NoError(t, err)
	_, err = Register(reg, NewGaugeVec("test", "conflict", "a", "x"))
	assert.Error(t, err)
}

func TestCollectorNames(t *testing.T) {
	reg := prometheus.NewRegistry()
	h, err := Register(reg, NewHistogramVec("flow", "processing_seconds", "latency", DurationBuckets, "flow"))
	require.NoError(t, err)
	h.WithLabelValues("orders").Observe(0.01)

	families, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, families, 1)
	assert.Equal(t, "flowmesh_flow_processing_seconds", families[0].GetName())
}
