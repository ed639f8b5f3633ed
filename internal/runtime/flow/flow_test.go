package flow

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/flowmesh/internal/runtime/connector"
	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	eventpkg "github.com/drblury/flowmesh/internal/runtime/event"
	"github.com/drblury/flowmesh/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
	"github.com/drblury/flowmesh/internal/runtime/processor"
	"github.com/drblury/flowmesh/internal/runtime/work"
	"github.com/drblury/flowmesh/transport"
	"github.com/drblury/flowmesh/transport/transporttest"
	"github.com/drblury/flowmesh/transport/vm"
)

type journal struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (j *journal) write(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.buf.WriteString(s + " ")
}

func (j *journal) String() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.buf.String()
}

type journalSource struct {
	log      *journal
	listener processor.Processor
}

func (s *journalSource) SetListener(p processor.Processor) { s.listener = p }
func (s *journalSource) Initialise(context.Context) error  { s.log.write("source-init"); return nil }
func (s *journalSource) Start(context.Context) error       { s.log.write("source-start"); return nil }
func (s *journalSource) Stop(context.Context) error        { s.log.write("source-stop"); return nil }
func (s *journalSource) Dispose(context.Context)           { s.log.write("source-dispose") }

type journalStep struct {
	processor.Processor
	log *journal
}

func (p *journalStep) Initialise(context.Context) error { p.log.write("chain-init"); return nil }
func (p *journalStep) Start(context.Context) error      { p.log.write("chain-start"); return nil }
func (p *journalStep) Stop(context.Context) error       { p.log.write("chain-stop"); return nil }
func (p *journalStep) Dispose(context.Context)          { p.log.write("chain-dispose") }

func passThrough() processor.Processor {
	return processor.Func(func(_ context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) { return ev, nil })
}

func failing(err error) processor.Processor {
	return processor.Func(func(context.Context, *eventpkg.Event) (*eventpkg.Event, error) { return nil, err })
}

func newStartedFlow(t *testing.T, cfg Config) *Flow {
	t.Helper()
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	f, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, f.Initialise(context.Background()))
	require.NoError(t, f.Start(context.Background()))
	t.Cleanup(func() { f.Dispose(context.Background()) })
	return f
}

func TestNewRequiresName(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, errspkg.ErrNameRequired)
}

func TestFlowLifecycleOrder(t *testing.T) {
	log := &journal{}
	src := &journalSource{log: log}
	ctx := context.Background()
	f, err := New(Config{
		Name:       "ordered",
		Source:     src,
		Processors: []processor.Processor{&journalStep{Processor: passThrough(), log: log}},
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	assert.Same(t, f, src.listener)

	require.NoError(t, f.Initialise(ctx))
	require.NoError(t, f.Start(ctx))
	require.NoError(t, f.Start(ctx))
	require.NoError(t, f.Stop(ctx))
	require.NoError(t, f.Start(ctx))
	f.Dispose(ctx)

	assert.Equal(t, "chain-init source-init chain-start source-start source-stop chain-stop "+
		"chain-start source-start source-stop chain-stop source-dispose chain-dispose ", log.String())
	assert.Equal(t, lifecycle.StateDisposed, f.State())
	assert.ErrorIs(t, f.Start(ctx), lifecycle.ErrInvalidTransition)
}

func TestFlowRejectsEventsUntilStarted(t *testing.T) {
	f, err := New(Config{Name: "idle", Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	ev := eventpkg.New("x").Build()

	_, err = f.Process(context.Background(), ev)

	assert.ErrorIs(t, err, errspkg.ErrFlowNotStarted)
	me, ok := eventpkg.AsMessagingError(err)
	require.True(t, ok)
	assert.Same(t, ev, me.Event)
}

func TestFlowRunsChain(t *testing.T) {
	f := newStartedFlow(t, Config{
		Name: "enrich",
		Processors: []processor.Processor{
			processor.SetVariable("seen", func(*eventpkg.Event) any { return true }),
			processor.Transformer("upper", func(_ context.Context, p any) (any, error) {
				return strings.ToUpper(p.(string)), nil
			}),
		},
	})
	in := eventpkg.New("order").Build()

	out, err := f.Process(context.Background(), in)

	require.NoError(t, err)
	assert.Equal(t, "ORDER", out.Payload())
	seen, _ := out.Variable("seen")
	assert.Equal(t, true, seen)
	assert.Equal(t, in.ID(), out.ID())
	assert.Equal(t, "order", in.Payload())
	_, ok := in.Variable("seen")
	assert.False(t, ok)
}

func TestDefaultExceptionHandlerPropagates(t *testing.T) {
	rec := loggingpkg.NewRecorder()
	boom := errors.New("boom")
	f := newStartedFlow(t, Config{Name: "fails", Processors: []processor.Processor{failing(boom)}, Logger: rec})

	_, err := f.Process(context.Background(), eventpkg.New("x").Build())

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, rec.Count("error"))
	stats := f.Statistics().Snapshot()
	assert.Equal(t, uint64(1), stats.Failed)
	assert.Equal(t, uint64(1), stats.Errors.ByType[errspkg.Unknown.String()])
	assert.Contains(t, stats.Errors.LastError, "boom")
}

type downConnector struct {
	stops, starts atomic.Int32
}

func (c *downConnector) Name() string                     { return "down" }
func (c *downConnector) Connect(context.Context) error    { return nil }
func (c *downConnector) Disconnect(context.Context) error { return nil }
func (c *downConnector) IsConnected() bool                { return false }
func (c *downConnector) Start(context.Context) error      { c.starts.Add(1); return nil }
func (c *downConnector) Stop(context.Context) error       { c.stops.Add(1); return nil }
func (c *downConnector) IsStarted() bool                  { return false }
func (c *downConnector) IsConnecting() bool               { return false }

func TestDefaultExceptionHandlerReconnects(t *testing.T) {
	var scheduled atomic.Int32
	reconnection := connector.NewReconnectionHandler(work.SchedulerFunc(func(ctx context.Context, _ string, w work.Work) error {
		scheduled.Add(1)
		go func() { _ = w(ctx) }()
		return nil
	}), nil)
	conn := &downConnector{}
	f := newStartedFlow(t, Config{
		Name:         "reconnecting",
		Processors:   []processor.Processor{failing(connector.NewConnectError(conn, errors.New("refused")))},
		Reconnection: reconnection,
	})

	_, err := f.Process(context.Background(), eventpkg.New("x").Build())

	_, ok := connector.AsConnectError(err)
	assert.True(t, ok)
	assert.Equal(t, errspkg.Connectivity, errspkg.Classify(err))
	assert.Equal(t, int32(1), scheduled.Load())
	assert.Equal(t, int32(1), conn.stops.Load())
	assert.Eventually(t, func() bool { return conn.starts.Load() == 1 }, time.Second, time.Millisecond)
}

func TestCatchExceptionHandler(t *testing.T) {
	boom := errors.New("boom")
	f := newStartedFlow(t, Config{
		Name: "catching",
		Processors: []processor.Processor{
			processor.SetProperty("step", "one"),
			failing(boom),
		},
		ExceptionHandler: NewCatchExceptionHandler(nil),
	})

	out, err := f.Process(context.Background(), eventpkg.New("x").Build())

	require.NoError(t, err)
	require.True(t, out.HasError())
	assert.ErrorIs(t, out.Error().Cause, boom)
	assert.Equal(t, "one", out.Property("step"))
	assert.Equal(t, uint64(1), f.Statistics().Snapshot().Caught)
}

func TestDeadLetterHandler(t *testing.T) {
	var dead []*eventpkg.Event
	dlq := processor.WithName("dlq", processor.Func(func(_ context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
		dead = append(dead, ev)
		return ev, nil
	}))
	boom := errors.New("boom")
	f := newStartedFlow(t, Config{
		Name:             "dead-letter",
		Processors:       []processor.Processor{failing(boom)},
		ExceptionHandler: NewDeadLetterHandler(dlq, nil),
	})
	in := eventpkg.New("x").Build()

	out, err := f.Process(context.Background(), in)

	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, in.ID(), dead[0].ID())
	assert.ErrorIs(t, dead[0].Error().Cause, boom)
	assert.Same(t, dead[0], out)

	broken := NewDeadLetterHandler(failing(errors.New("dlq down")), nil)
	_, err = broken.HandleException(context.Background(), in, boom)
	assert.ErrorIs(t, err, boom)
	assert.ErrorContains(t, err, "dlq down")

	_, err = NewDeadLetterHandler(nil, nil).HandleException(context.Background(), in, boom)
	assert.ErrorIs(t, err, errspkg.ErrProcessorRequired)
}

func TestStatisticsTrackOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newStartedFlow(t, Config{
		Name:       "stats-flow",
		Registerer: reg,
		Processors: []processor.Processor{
			processor.Filter("drop-empty", func(ev *eventpkg.Event) bool { return ev.Payload() != "" }),
		},
	})
	ctx := context.Background()

	for _, p := range []string{"a", "b", ""} {
		_, err := f.Process(ctx, eventpkg.New(p).Build())
		require.NoError(t, err)
	}

	stats := f.Statistics().Snapshot()
	assert.Equal(t, uint64(3), stats.Received)
	assert.Equal(t, uint64(2), stats.Processed)
	assert.Equal(t, uint64(1), stats.Filtered)
	assert.Zero(t, stats.Backlog.InFlight)
	assert.Equal(t, uint64(1), stats.Backlog.MaxInFlight)
	assert.Equal(t, 3, stats.Latency.SampleSize)
	assert.Equal(t, uint64(3), stats.Throughput.MessagesInWindow)
	assert.False(t, stats.LastProcessedAt.IsZero())

	assert.Equal(t, 2.0, testutil.ToFloat64(eventsTotal.WithLabelValues("stats-flow", OutcomeProcessed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(eventsTotal.WithLabelValues("stats-flow", OutcomeFiltered)))
	assert.Equal(t, 0.0, testutil.ToFloat64(inFlightGauge.WithLabelValues("stats-flow")))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(processingSeconds, "flowmesh_flow_processing_seconds"), 1)
}

func TestPercentile(t *testing.T) {
	samples := []int64{10, 20, 30, 40, 50}
	assert.Equal(t, int64(10), percentile(samples, 0))
	assert.Equal(t, int64(30), percentile(samples, 0.5))
	assert.Equal(t, int64(50), percentile(samples, 1))
	assert.Equal(t, int64(45), percentile(samples, 0.875))
	assert.Zero(t, percentile(nil, 0.5))
}

func TestFlowWithTransportSource(t *testing.T) {
	reg := transport.NewRegistry()
	reg.RegisterWithCapabilities(vm.TransportName, vm.Build, vm.Capabilities())
	conn := connector.NewTransportConnector("vm", &transporttest.Config{PubSubSystem: vm.TransportName}, connector.WithRegistry(reg))
	ctx := context.Background()
	t.Cleanup(func() { conn.Dispose(ctx) })

	received := make(chan *eventpkg.Event, 1)
	src := connector.NewSource("orders-in", conn, "orders", nil)
	newStartedFlow(t, Config{
		Name:   "orders",
		Source: src,
		Processors: []processor.Processor{processor.Func(func(_ context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
			received <- ev
			return ev, nil
		})},
	})
	require.NoError(t, conn.Start(ctx))
	require.True(t, src.Subscribed())

	sent := eventpkg.New("hello").Property("tenant", "acme").Build()
	_, err := connector.NewDispatcher("orders-out", conn, "orders", nil).Process(ctx, sent)
	require.NoError(t, err)

	select {
	case ev := <-received:
		assert.Equal(t, sent.ID(), ev.ID())
		assert.Equal(t, "acme", ev.Property("tenant"))
		assert.Equal(t, []byte("hello"), ev.Payload())
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}
