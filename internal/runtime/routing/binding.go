package routing

import (
	"context"
	"fmt"
	"sync"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	eventpkg "github.com/drblury/flowmesh/internal/runtime/event"
	"github.com/drblury/flowmesh/internal/runtime/lifecycle"
	"github.com/drblury/flowmesh/internal/runtime/processor"
)

// VariableMethod is the event variable Binding reads the method name from.
const VariableMethod = "method"

// Binding dispatches an event to the processor bound to its method name.
// Events for unknown methods go to the fallback processor when one is set.
type Binding struct {
	name     string
	method   func(ev *eventpkg.Event) string
	mu       sync.RWMutex
	table    map[string]processor.Processor
	order    []string
	fallback processor.Processor
}

// NewBinding creates a binding that reads the method from the "method"
// variable.
func NewBinding(name string) *Binding {
	return &Binding{
		name:   name,
		method: methodVariable,
		table:  make(map[string]processor.Processor),
	}
}

func methodVariable(ev *eventpkg.Event) string {
	v, _ := ev.Variable(VariableMethod)
	s, _ := v.(string)
	return s
}

// WithMethod replaces the method resolver.
func (b *Binding) WithMethod(fn func(ev *eventpkg.Event) string) *Binding {
	b.method = fn
	return b
}

// Bind maps method to p.
func (b *Binding) Bind(method string, p processor.Processor) *Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.table[method]; !ok {
		b.order = append(b.order, method)
	}
	b.table[method] = p
	return b
}

// Fallback handles methods without a binding.
func (b *Binding) Fallback(p processor.Processor) *Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fallback = p
	return b
}

func (b *Binding) Name() string { return b.name }

func (b *Binding) Process(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
	method := b.method(ev)
	b.mu.RLock()
	p, ok := b.table[method]
	if !ok {
		p = b.fallback
	}
	b.mu.RUnlock()
	if p == nil {
		return nil, eventpkg.NewDispatchError(ev, fmt.Errorf("%w %q on %s", errspkg.ErrUnknownMethod, method, b.name))
	}
	out, err := p.Process(ctx, ev)
	if err != nil {
		return nil, eventpkg.Wrap(ev, err)
	}
	return out, nil
}

func (b *Binding) processors() []processor.Processor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]processor.Processor, 0, len(b.order)+1)
	for _, method := range b.order {
		out = append(out, b.table[method])
	}
	if b.fallback != nil {
		out = append(out, b.fallback)
	}
	return out
}

func (b *Binding) Initialise(ctx context.Context) error {
	return lifecycle.ApplyAll(ctx, lifecycle.PhaseInitialise, b.processors())
}

func (b *Binding) Start(ctx context.Context) error {
	return lifecycle.ApplyAll(ctx, lifecycle.PhaseStart, b.processors())
}

func (b *Binding) Stop(ctx context.Context) error {
	return lifecycle.ApplyAll(ctx, lifecycle.PhaseStop, b.processors())
}

func (b *Binding) Dispose(ctx context.Context) {
	_ = lifecycle.ApplyAll(ctx, lifecycle.PhaseDispose, b.processors())
}
