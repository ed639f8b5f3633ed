package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	"github.com/drblury/flowmesh/internal/runtime/lifecycle"
)

// journal records lifecycle calls in order.
type journal struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (j *journal) write(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.buf.WriteString(s + " ")
}

func (j *journal) reset() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.buf.String()
	j.buf.Reset()
	return out
}

type endpoint interface {
	Endpoint() string
}

type fakeConn struct {
	name string
	log  *journal
	fail error
}

func (c *fakeConn) Endpoint() string { return c.name }

func (c *fakeConn) Start(context.Context) error {
	c.log.write(c.name + "-start")
	return c.fail
}

func (c *fakeConn) Stop(context.Context) error {
	c.log.write(c.name + "-stop")
	return c.fail
}

type fakeFlow struct {
	name string
	log  *journal
}

func (f *fakeFlow) Initialise(context.Context) error {
	f.log.write(f.name + "-init")
	return nil
}

func (f *fakeFlow) Start(context.Context) error {
	f.log.write(f.name + "-start")
	return nil
}

func (f *fakeFlow) Stop(context.Context) error {
	f.log.write(f.name + "-stop")
	return nil
}

func (f *fakeFlow) Dispose(context.Context) {
	f.log.write(f.name + "-dispose")
}

func newOrderedBroker() *Broker {
	return NewBroker(WithKinds(KindOf[endpoint](), KindOf[*fakeFlow]()))
}

func TestBrokerLifecycleOrder(t *testing.T) {
	log := &journal{}
	ctx := context.Background()
	b := newOrderedBroker()

	first := NewTransientRegistry("first")
	require.NoError(t, first.RegisterObject("flow", &fakeFlow{name: "flow", log: log}))
	require.NoError(t, first.RegisterObject("conn", &fakeConn{name: "conn", log: log}))
	second := NewTransientRegistry("second")
	require.NoError(t, second.RegisterObject("flow2", &fakeFlow{name: "flow2", log: log}))
	require.NoError(t, second.RegisterObject("conn2", &fakeConn{name: "conn2", log: log}))
	b.AddRegistry(first)
	b.AddRegistry(second)

	require.NoError(t, b.Initialise(ctx))
	assert.Equal(t, "flow2-init flow-init ", log.reset())

	require.NoError(t, b.Start(ctx))
	assert.Equal(t, "conn2-start conn-start flow2-start flow-start ", log.reset())

	require.NoError(t, b.Stop(ctx))
	assert.Equal(t, "flow2-stop flow-stop conn2-stop conn-stop ", log.reset())

	b.Dispose(ctx)
	assert.Equal(t, "flow2-dispose flow-dispose ", log.reset())
	assert.Equal(t, lifecycle.StateDisposed, b.State())
	assert.ErrorIs(t, b.Start(ctx), lifecycle.ErrInvalidTransition)
}

func TestBrokerUnmatchedKindsComeLast(t *testing.T) {
	log := &journal{}
	b := newOrderedBroker()
	ctx := context.Background()
	require.NoError(t, b.RegisterObject(ctx, "other", &struct{ fakeFlowLike }{fakeFlowLike{name: "other", log: log}}))
	require.NoError(t, b.RegisterObject(ctx, "flow", &fakeFlow{name: "flow", log: log}))
	require.NoError(t, b.RegisterObject(ctx, "conn", &fakeConn{name: "conn", log: log}))

	require.NoError(t, b.Initialise(ctx))
	log.reset()
	require.NoError(t, b.Start(ctx))
	assert.Equal(t, "conn-start flow-start other-start ", log.reset())
	require.NoError(t, b.Stop(ctx))
	assert.Equal(t, "other-stop flow-stop conn-stop ", log.reset())
}

type fakeFlowLike struct {
	name string
	log  *journal
}

func (f fakeFlowLike) Start(context.Context) error {
	f.log.write(f.name + "-start")
	return nil
}

func (f fakeFlowLike) Stop(context.Context) error {
	f.log.write(f.name + "-stop")
	return nil
}

func TestBrokerStartStopsAtFirstFailure(t *testing.T) {
	log := &journal{}
	ctx := context.Background()
	b := newOrderedBroker()
	require.NoError(t, b.RegisterObject(ctx, "flow", &fakeFlow{name: "flow", log: log}))
	boom := errors.New("boom")
	require.NoError(t, b.RegisterObject(ctx, "conn", &fakeConn{name: "conn", log: log, fail: boom}))
	require.NoError(t, b.Initialise(ctx))
	log.reset()

	err := b.Start(ctx)

	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "start conn")
	assert.Equal(t, "conn-start ", log.reset())
	assert.Equal(t, lifecycle.StateInitialised, b.State())
}

func TestBrokerStopJoinsFailures(t *testing.T) {
	log := &journal{}
	ctx := context.Background()
	boom := errors.New("boom")
	b := newOrderedBroker()
	require.NoError(t, b.RegisterObject(ctx, "conn", &fakeConn{name: "conn", log: log}))
	require.NoError(t, b.RegisterObject(ctx, "flow", &fakeFlow{name: "flow", log: log}))
	require.NoError(t, b.Initialise(ctx))
	require.NoError(t, b.Start(ctx))
	conn, ok := LookupKey[*fakeConn](b, "conn")
	require.True(t, ok)
	conn.fail = boom
	log.reset()

	err := b.Stop(ctx)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "flow-stop conn-stop ", log.reset())
	assert.Equal(t, lifecycle.StateStopped, b.State())
}

func TestBrokerStartsObjectsRegisteredWhileStarted(t *testing.T) {
	log := &journal{}
	ctx := context.Background()
	b := newOrderedBroker()
	require.NoError(t, b.Initialise(ctx))
	require.NoError(t, b.Start(ctx))

	require.NoError(t, b.RegisterObject(ctx, "late", &fakeFlow{name: "late", log: log}))

	assert.Equal(t, "late-init late-start ", log.reset())
}

// gatedFlow blocks in Start until released.
type gatedFlow struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedFlow) Start(context.Context) error {
	close(g.entered)
	<-g.release
	return nil
}

func TestBrokerRegistrationWaitsForRunningStart(t *testing.T) {
	log := &journal{}
	ctx := context.Background()
	b := newOrderedBroker()
	gate := &gatedFlow{entered: make(chan struct{}), release: make(chan struct{})}
	require.NoError(t, b.RegisterObject(ctx, "gate", gate))
	require.NoError(t, b.Initialise(ctx))

	started := make(chan error, 1)
	go func() { started <- b.Start(ctx) }()
	<-gate.entered

	registered := make(chan error, 1)
	go func() { registered <- b.RegisterObject(ctx, "late", &fakeFlow{name: "late", log: log}) }()

	select {
	case err := <-registered:
		t.Fatalf("registration finished during start: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	close(gate.release)

	require.NoError(t, <-started)
	require.NoError(t, <-registered)
	assert.Equal(t, lifecycle.StateStarted, b.State())
	assert.Equal(t, "late-init late-start ", log.reset())
}

func TestBrokerRejectsDuplicateBeforeStarting(t *testing.T) {
	log := &journal{}
	ctx := context.Background()
	b := newOrderedBroker()
	require.NoError(t, b.Initialise(ctx))
	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.RegisterObject(ctx, "flow", &fakeFlow{name: "first", log: log}))
	log.reset()

	err := b.RegisterObject(ctx, "flow", &fakeFlow{name: "second", log: log})
	assert.ErrorIs(t, err, errspkg.ErrDuplicateName)
	assert.Empty(t, log.reset())

	v, ok := b.Get("flow")
	require.True(t, ok)
	assert.Equal(t, "first", v.(*fakeFlow).name)
}

// refusingRegistry rejects every registration.
type refusingRegistry struct {
	*TransientRegistry
}

func (refusingRegistry) RegisterObject(string, any) error {
	return errors.New("read only")
}

func TestBrokerRollsBackRefusedRegistration(t *testing.T) {
	log := &journal{}
	ctx := context.Background()
	b := newOrderedBroker()
	b.AddRegistry(refusingRegistry{NewTransientRegistry("frozen")})
	require.NoError(t, b.Initialise(ctx))
	require.NoError(t, b.Start(ctx))

	err := b.RegisterObject(ctx, "flow", &fakeFlow{name: "flow", log: log})
	assert.EqualError(t, err, "read only")
	assert.Equal(t, "flow-init flow-start flow-stop flow-dispose ", log.reset())
}

func TestBrokerLookups(t *testing.T) {
	log := &journal{}
	ctx := context.Background()
	b := newOrderedBroker()

	require.NoError(t, b.RegisterObject(ctx, "conn", &fakeConn{name: "conn", log: log}))
	require.Len(t, b.Registries(), 1)
	assert.Equal(t, DefaultRegistryName, b.Registries()[0].Name())

	extra := NewTransientRegistry("extra")
	require.NoError(t, extra.RegisterObject("conn", &fakeConn{name: "shadow", log: log}))
	require.NoError(t, extra.RegisterObject("flow", &fakeFlow{name: "flow", log: log}))
	b.AddRegistry(extra)

	v, ok := b.Get("conn")
	require.True(t, ok)
	assert.Equal(t, "shadow", v.(*fakeConn).name)

	conns := Lookup[endpoint](b)
	require.Len(t, conns, 2)
	assert.Equal(t, "shadow", conns[0].Endpoint())
	assert.Equal(t, "conn", conns[1].Endpoint())
	assert.Len(t, Lookup[*fakeFlow](b), 1)

	_, ok = LookupKey[*fakeFlow](b, "conn")
	assert.False(t, ok)

	removed, ok := b.RemoveRegistry("extra")
	require.True(t, ok)
	assert.Same(t, extra, removed)
	_, ok = b.RemoveRegistry("extra")
	assert.False(t, ok)

	v, ok = b.Unregister("conn")
	require.True(t, ok)
	assert.Equal(t, "conn", v.(*fakeConn).name)
	_, ok = b.Get("conn")
	assert.False(t, ok)
}

func TestTransientRegistry(t *testing.T) {
	r := NewTransientRegistry("local")

	require.NoError(t, r.RegisterObject("a", 1))
	require.NoError(t, r.RegisterObject("b", "two"))
	require.NoError(t, r.RegisterObject("c", 3))
	assert.ErrorIs(t, r.RegisterObject("a", 4), errspkg.ErrDuplicateName)
	assert.ErrorIs(t, r.RegisterObject("", 4), errspkg.ErrNameRequired)

	v, ok := r.Unregister("b")
	require.True(t, ok)
	assert.Equal(t, "two", v)
	_, ok = r.Unregister("b")
	assert.False(t, ok)

	assert.Equal(t, []Entry{{Key: "a", Value: 1}, {Key: "c", Value: 3}}, r.Entries())
	got, ok := r.Get("c")
	require.True(t, ok)
	assert.Equal(t, 3, got)
	assert.Equal(t, []any{1, 3}, r.LookupByType(KindOf[int]()))
	assert.Empty(t, r.LookupByType(KindOf[string]()))
}

func TestBrokerConcurrentRegistryMutation(t *testing.T) {
	log := &journal{}
	b := newOrderedBroker()
	const goroutines = 50

	var wg sync.WaitGroup
	for i := range goroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := NewTransientRegistry(fmt.Sprintf("r%d", i))
			name := fmt.Sprintf("conn%d", i)
			_ = r.RegisterObject(name, &fakeConn{name: name, log: log})
			b.AddRegistry(r)

			found := b.LookupByType(KindOf[endpoint]())
			assert.NotEmpty(t, found)
			_, ok := b.Get(name)
			assert.True(t, ok)
		}()
	}
	wg.Wait()

	assert.Len(t, b.Registries(), goroutines)
	assert.Len(t, Lookup[endpoint](b), goroutines)
	seen := map[string]bool{}
	for _, r := range b.Registries() {
		assert.False(t, seen[r.Name()], "registry %s listed twice", r.Name())
		seen[r.Name()] = true
	}
}
