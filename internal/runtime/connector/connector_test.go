package connector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
	"github.com/drblury/flowmesh/internal/runtime/retry"
	"github.com/drblury/flowmesh/internal/runtime/work"
)

var errRefused = errors.New("connection refused")

type flakyDialer struct {
	failures atomic.Int32
	dials    atomic.Int32
	closes   atomic.Int32
}

func (d *flakyDialer) Dial(context.Context) error {
	d.dials.Add(1)
	if d.failures.Add(-1) >= 0 {
		return errRefused
	}
	return nil
}

func (d *flakyDialer) Close(context.Context) error {
	d.closes.Add(1)
	return nil
}

type recordingReceiver struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingReceiver) ConnectorStarted(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "started")
	return nil
}

func (r *recordingReceiver) ConnectorStopped(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "stopped")
	return nil
}

func (r *recordingReceiver) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func startedPool(t *testing.T) *work.Pool {
	t.Helper()
	pool := work.NewPool("test", 2, 16)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })
	return pool
}

func TestBaseStartRetriesConnect(t *testing.T) {
	dialer := &flakyDialer{}
	dialer.failures.Store(2)
	recv := &recordingReceiver{}
	b := NewBase("orders-db", dialer, WithRetry(retry.NewSimpleTemplate(3, 0)))
	require.NoError(t, b.AddReceiver(context.Background(), recv))

	require.NoError(t, b.Start(context.Background()))

	assert.Equal(t, int32(3), dialer.dials.Load())
	assert.True(t, b.IsConnected())
	assert.True(t, b.IsStarted())
	assert.False(t, b.IsConnecting())
	assert.Equal(t, []string{"started"}, recv.Events())

	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, int32(3), dialer.dials.Load())
}

func TestBaseStartExhausted(t *testing.T) {
	dialer := &flakyDialer{}
	dialer.failures.Store(100)
	b := NewBase("orders-db", dialer, WithRetry(retry.NewSimpleTemplate(2, 0)))

	err := b.Start(context.Background())

	var exhausted *errspkg.RetryPolicyExhaustedError
	require.ErrorAs(t, err, &exhausted)
	ce, ok := AsConnectError(err)
	require.True(t, ok)
	assert.Same(t, b, ce.Connector)
	assert.ErrorIs(t, err, errRefused)
	assert.Equal(t, StatusDisconnected, b.Status())
	assert.False(t, b.IsStarted())
	assert.Equal(t, int32(3), dialer.dials.Load())
}

func TestBaseStartAsync(t *testing.T) {
	pool := startedPool(t)
	dialer := &flakyDialer{}
	dialer.failures.Store(1)
	b := NewBase("broker", dialer,
		WithRetry(retry.NewAsyncTemplate(retry.NewSimpleTemplate(2, 5*time.Millisecond))),
		WithScheduler(pool),
	)

	require.NoError(t, b.Start(context.Background()))
	assert.Eventually(t, b.IsStarted, time.Second, time.Millisecond)
	assert.Eventually(t, func() bool { return b.Status() == StatusConnected }, time.Second, time.Millisecond)
}

func TestBaseStopAndDispose(t *testing.T) {
	dialer := &flakyDialer{}
	recv := &recordingReceiver{}
	b := NewBase("broker", dialer)
	require.NoError(t, b.AddReceiver(context.Background(), recv))
	require.NoError(t, b.Start(context.Background()))

	require.NoError(t, b.Stop(context.Background()))
	assert.False(t, b.IsStarted())
	assert.True(t, b.IsConnected())

	b.Dispose(context.Background())
	assert.False(t, b.IsConnected())
	assert.Equal(t, int32(1), dialer.closes.Load())
	assert.Equal(t, []string{"started", "stopped"}, recv.Events())

	b.RemoveReceiver(recv)
	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, []string{"started", "stopped"}, recv.Events())
}

func TestConnectErrorClassification(t *testing.T) {
	b := NewBase("broker", DialerFuncs{})
	err := NewConnectError(b, errRefused)

	assert.Equal(t, errspkg.Connectivity, errspkg.Classify(err))
	assert.ErrorIs(t, err, errRefused)
	assert.EqualError(t, err, "flowmesh: connector broker: connection refused")
	assert.Contains(t, NewConnectError(nil, errRefused).Error(), "connection failure")
}

// fakeConnector counts lifecycle calls made by the reconnection handler.
type fakeConnector struct {
	name        string
	connecting  atomic.Bool
	stops       atomic.Int32
	disconnects atomic.Int32
	starts      atomic.Int32
	stopErr     error
}

func (f *fakeConnector) Name() string                    { return f.name }
func (f *fakeConnector) Connect(context.Context) error   { return nil }
func (f *fakeConnector) IsConnected() bool               { return true }
func (f *fakeConnector) IsStarted() bool                 { return true }
func (f *fakeConnector) IsConnecting() bool              { return f.connecting.Load() }
func (f *fakeConnector) Start(context.Context) error     { f.starts.Add(1); return nil }
func (f *fakeConnector) Stop(context.Context) error      { f.stops.Add(1); return f.stopErr }
func (f *fakeConnector) Disconnect(context.Context) error { f.disconnects.Add(1); return nil }

func TestReconnectionIsIdempotentUnderConcurrency(t *testing.T) {
	conn := &fakeConnector{name: "broker"}
	var scheduled atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	scheduler := work.SchedulerFunc(func(_ context.Context, _ string, w work.Work) error {
		scheduled.Add(1)
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-release
			_ = w(context.Background())
		}()
		return nil
	})
	h := NewReconnectionHandler(scheduler, nil)
	ce := NewConnectError(conn, errRefused)

	const callers = 50
	var start, done sync.WaitGroup
	start.Add(1)
	for range callers {
		done.Add(1)
		go func() {
			defer done.Done()
			start.Wait()
			h.HandleReconnection(context.Background(), ce)
		}()
	}
	start.Done()
	done.Wait()

	assert.Equal(t, int32(1), scheduled.Load())
	assert.Equal(t, int32(1), conn.stops.Load())
	assert.Equal(t, int32(1), conn.disconnects.Load())
	assert.True(t, h.Pending(conn))

	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), conn.starts.Load())
	assert.False(t, h.Pending(conn))

	assert.True(t, h.HandleReconnection(context.Background(), ce))
}

func TestReconnectionSkipsConnectingConnector(t *testing.T) {
	conn := &fakeConnector{name: "broker"}
	conn.connecting.Store(true)
	var scheduled atomic.Int32
	h := NewReconnectionHandler(work.SchedulerFunc(func(context.Context, string, work.Work) error {
		scheduled.Add(1)
		return nil
	}), nil)

	assert.False(t, h.HandleReconnection(context.Background(), NewConnectError(conn, errRefused)))
	assert.False(t, h.HandleReconnection(context.Background(), nil))
	assert.Zero(t, scheduled.Load())
	assert.Zero(t, conn.stops.Load())
}

func TestReconnectionLogsAndSwallowsFailures(t *testing.T) {
	rec := loggingpkg.NewRecorder()
	conn := &fakeConnector{name: "broker", stopErr: errors.New("stop failed")}
	h := NewReconnectionHandler(work.SchedulerFunc(func(context.Context, string, work.Work) error {
		return work.ErrQueueFull
	}), rec)

	assert.False(t, h.HandleReconnection(context.Background(), NewConnectError(conn, errRefused)))

	assert.Equal(t, 2, rec.Count("error"))
	assert.Equal(t, int32(1), conn.disconnects.Load())
	assert.Zero(t, conn.starts.Load())
	assert.False(t, h.Pending(conn))

	assert.False(t, NewReconnectionHandler(nil, rec).HandleReconnection(context.Background(), NewConnectError(conn, errRefused)))
	assert.Equal(t, 4, rec.Count("error"))
}

func TestReconnectionRestartsBase(t *testing.T) {
	pool := startedPool(t)
	dialer := &flakyDialer{}
	recv := &recordingReceiver{}
	b := NewBase("broker", dialer, WithRetry(retry.NewForeverTemplate(time.Millisecond)))
	require.NoError(t, b.AddReceiver(context.Background(), recv))
	require.NoError(t, b.Start(context.Background()))

	dialer.failures.Store(2)
	h := NewReconnectionHandler(pool, nil)
	require.True(t, h.HandleReconnection(context.Background(), NewConnectError(b, errRefused)))

	assert.Eventually(t, func() bool { return b.IsStarted() && !h.Pending(b) }, time.Second, time.Millisecond)
	assert.Equal(t, int32(4), dialer.dials.Load())
	assert.Equal(t, int32(1), dialer.closes.Load())
	assert.Equal(t, []string{"started", "stopped", "started"}, recv.Events())
}
