package processor

import (
	"context"
	"fmt"

	eventpkg "github.com/drblury/flowmesh/internal/runtime/event"
	"github.com/drblury/flowmesh/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
)

// Processor is one step of a flow. Returning a nil event with a nil error
// stops propagation.
type Processor interface {
	Process(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error)
}

// Named is implemented by processors that report a name for logs and spans.
type Named interface {
	Name() string
}

// NameOf returns p's name, or its type when p is not Named.
func NameOf(p Processor) string {
	if n, ok := p.(Named); ok && n.Name() != "" {
		return n.Name()
	}
	return fmt.Sprintf("%T", p)
}

// Func adapts a function to Processor.
type Func func(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error)

func (f Func) Process(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
	return f(ctx, ev)
}

type named struct {
	Processor
	name string
}

func (n named) Name() string { return n.name }

func (n named) Initialise(ctx context.Context) error {
	return lifecycle.Apply(ctx, lifecycle.PhaseInitialise, n.Processor)
}

func (n named) Start(ctx context.Context) error {
	return lifecycle.Apply(ctx, lifecycle.PhaseStart, n.Processor)
}

func (n named) Stop(ctx context.Context) error {
	return lifecycle.Apply(ctx, lifecycle.PhaseStop, n.Processor)
}

func (n named) Dispose(ctx context.Context) {
	_ = lifecycle.Apply(ctx, lifecycle.PhaseDispose, n.Processor)
}

// WithName attaches a name to p.
func WithName(name string, p Processor) Processor {
	return named{Processor: p, name: name}
}

// Transformer replaces the payload with the result of fn.
func Transformer(name string, fn func(ctx context.Context, payload any) (any, error)) Processor {
	return WithName(name, Func(func(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
		out, err := fn(ctx, ev.Payload())
		if err != nil {
			return nil, err
		}
		return eventpkg.From(ev).Payload(out).Build(), nil
	}))
}

// Filter passes events for which accept returns true and drops the rest.
func Filter(name string, accept func(ev *eventpkg.Event) bool) Processor {
	return WithName(name, Func(func(_ context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
		if !accept(ev) {
			return nil, nil
		}
		return ev, nil
	}))
}

// SetVariable stores the result of value under name.
func SetVariable(name string, value func(ev *eventpkg.Event) any) Processor {
	return WithName("set-variable:"+name, Func(func(_ context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
		return eventpkg.From(ev).Variable(name, value(ev)).Build(), nil
	}))
}

// SetProperty stores a transport property.
func SetProperty(name, value string) Processor {
	return WithName("set-property:"+name, Func(func(_ context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
		return eventpkg.From(ev).Property(name, value).Build(), nil
	}))
}

// Log writes one info entry per event and passes it on unchanged.
func Log(log loggingpkg.ServiceLogger, msg string) Processor {
	log = loggingpkg.OrNop(log)
	return WithName("logger", Func(func(_ context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
		log.Info(msg, loggingpkg.LogFields{
			"event_id":       ev.ID(),
			"correlation_id": ev.CorrelationID(),
			"payload_type":   fmt.Sprintf("%T", ev.Payload()),
		})
		return ev, nil
	}))
}
