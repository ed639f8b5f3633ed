package registry

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"sync/atomic"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	"github.com/drblury/flowmesh/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
)

// DefaultRegistryName names the registry the broker creates when an object
// is registered before any registry was added.
const DefaultRegistryName = "default"

// Broker composes registries. The most recently added registry is searched
// first. Readers work on an immutable snapshot of the registry list, so
// lookups never block and never observe a half-applied change.
//
// Lifecycle phases visit objects kind by kind in the configured order, and
// within a kind registry by registry. Objects matching none of the kinds
// come last. Stop and dispose visit the kinds in reverse.
type Broker struct {
	kinds  []reflect.Type
	logger loggingpkg.ServiceLogger

	// mu serialises writers of registries.
	mu         sync.Mutex
	registries atomic.Pointer[[]Registry]
	state      *lifecycle.Manager
}

// Option configures a Broker.
type Option func(*Broker)

// WithKinds sets the lifecycle order of object kinds.
func WithKinds(kinds ...reflect.Type) Option {
	return func(b *Broker) { b.kinds = kinds }
}

func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(b *Broker) { b.logger = loggingpkg.Component(log, "registry-broker", "broker") }
}

func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		logger: loggingpkg.Nop(),
		state:  lifecycle.NewManager("registry broker"),
	}
	empty := []Registry{}
	b.registries.Store(&empty)
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registries returns the registries, newest first.
func (b *Broker) Registries() []Registry {
	return slices.Clone(*b.registries.Load())
}

// AddRegistry puts r in front of the existing registries.
func (b *Broker) AddRegistry(r Registry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := *b.registries.Load()
	next := make([]Registry, 0, len(current)+1)
	next = append(next, r)
	next = append(next, current...)
	b.registries.Store(&next)
}

// RemoveRegistry removes the registry called name and returns it.
func (b *Broker) RemoveRegistry(name string) (Registry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := *b.registries.Load()
	i := slices.IndexFunc(current, func(r Registry) bool { return r.Name() == name })
	if i < 0 {
		return nil, false
	}
	removed := current[i]
	next := slices.Delete(slices.Clone(current), i, i+1)
	b.registries.Store(&next)
	return removed, true
}

// Get returns the first value registered under key.
func (b *Broker) Get(key string) (any, bool) {
	for _, r := range *b.registries.Load() {
		if v, ok := r.Get(key); ok {
			return v, true
		}
	}
	return nil, false
}

// RegisterObject registers value in the newest registry, creating the
// default registry when there is none. Objects registered while the broker
// is initialised or started are brought to the same phase before they become
// visible. Registration waits for a running phase to finish. A duplicate key
// is rejected before the object is touched.
func (b *Broker) RegisterObject(ctx context.Context, key string, value any) error {
	return b.state.Hold(func(state lifecycle.State) error {
		target := b.newest()
		if _, ok := target.Get(key); ok {
			return fmt.Errorf("%w: %q in registry %s", errspkg.ErrDuplicateName, key, target.Name())
		}
		if err := catchUp(ctx, state, key, value); err != nil {
			return err
		}
		if err := target.RegisterObject(key, value); err != nil {
			rollBack(ctx, state, value)
			return err
		}
		return nil
	})
}

// newest returns the registry new objects go to.
func (b *Broker) newest() Registry {
	b.mu.Lock()
	defer b.mu.Unlock()
	current := *b.registries.Load()
	if len(current) == 0 {
		def := NewTransientRegistry(DefaultRegistryName)
		next := []Registry{def}
		b.registries.Store(&next)
		return def
	}
	return current[0]
}

// catchUp brings value to the phase the broker is in.
func catchUp(ctx context.Context, state lifecycle.State, key string, value any) error {
	switch state {
	case lifecycle.StateInitialised, lifecycle.StateStarted, lifecycle.StateStopped:
		if err := lifecycle.Apply(ctx, lifecycle.PhaseInitialise, value); err != nil {
			return fmt.Errorf("initialise %s: %w", key, err)
		}
	default:
		return nil
	}
	if state != lifecycle.StateStarted {
		return nil
	}
	if err := lifecycle.Apply(ctx, lifecycle.PhaseStart, value); err != nil {
		rollBack(ctx, lifecycle.StateInitialised, value)
		return fmt.Errorf("start %s: %w", key, err)
	}
	return nil
}

// rollBack undoes catchUp for an object that did not get registered.
func rollBack(ctx context.Context, state lifecycle.State, value any) {
	switch state {
	case lifecycle.StateStarted:
		_ = lifecycle.Apply(ctx, lifecycle.PhaseStop, value)
		_ = lifecycle.Apply(ctx, lifecycle.PhaseDispose, value)
	case lifecycle.StateInitialised, lifecycle.StateStopped:
		_ = lifecycle.Apply(ctx, lifecycle.PhaseDispose, value)
	}
}

// Unregister removes key from the first registry holding it.
func (b *Broker) Unregister(key string) (any, bool) {
	for _, r := range *b.registries.Load() {
		if v, ok := r.Unregister(key); ok {
			return v, true
		}
	}
	return nil, false
}

// LookupByType returns the values assignable to t across all registries,
// newest registry first.
func (b *Broker) LookupByType(t reflect.Type) []any {
	var out []any
	for _, r := range *b.registries.Load() {
		out = append(out, r.LookupByType(t)...)
	}
	return out
}

// Lookup returns the values of type T across all registries.
func Lookup[T any](b *Broker) []T {
	var out []T
	for _, v := range b.LookupByType(KindOf[T]()) {
		if typed, ok := v.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

// LookupKey returns the value under key when it has type T.
func LookupKey[T any](b *Broker, key string) (T, bool) {
	v, ok := b.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	typed, ok := v.(T)
	return typed, ok
}

func (b *Broker) State() lifecycle.State { return b.state.State() }

func (b *Broker) Initialise(ctx context.Context) error {
	return b.state.Initialise(func() error { return b.apply(ctx, lifecycle.PhaseInitialise) })
}

func (b *Broker) Start(ctx context.Context) error {
	return b.state.Start(func() error { return b.apply(ctx, lifecycle.PhaseStart) })
}

func (b *Broker) Stop(ctx context.Context) error {
	return b.state.Stop(func() error { return b.apply(ctx, lifecycle.PhaseStop) })
}

// Dispose stops the broker when needed and disposes every object.
func (b *Broker) Dispose(ctx context.Context) {
	if err := b.Stop(ctx); err != nil {
		b.logger.Error("Stop failed during dispose", err, nil)
	}
	b.state.Dispose(func() {
		_ = b.apply(ctx, lifecycle.PhaseDispose)
	})
}

// apply visits the objects in lifecycle order. Forward phases stop at the
// first failure. Reverse phases visit everything and join the failures.
func (b *Broker) apply(ctx context.Context, p lifecycle.Phase) error {
	var errs []error
	for _, obj := range b.ordered(p.Reversed()) {
		err := lifecycle.Apply(ctx, p, obj.Value)
		if err == nil {
			continue
		}
		err = fmt.Errorf("%s %s: %w", p, obj.Key, err)
		if !p.Reversed() {
			return err
		}
		b.logger.Error("Lifecycle phase failed", err, loggingpkg.LogFields{"phase": p.String(), "object": obj.Key})
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// ordered lists the objects kind by kind. Registries keep their order in
// both directions.
func (b *Broker) ordered(reverse bool) []Entry {
	buckets := make([][]Entry, len(b.kinds)+1)
	for _, r := range *b.registries.Load() {
		for _, e := range r.Entries() {
			i := b.kindIndex(e.Value)
			buckets[i] = append(buckets[i], e)
		}
	}
	if reverse {
		slices.Reverse(buckets)
	}
	var out []Entry
	for _, bucket := range buckets {
		out = append(out, bucket...)
	}
	return out
}

func (b *Broker) kindIndex(value any) int {
	for i, k := range b.kinds {
		if matches(value, k) {
			return i
		}
	}
	return len(b.kinds)
}
