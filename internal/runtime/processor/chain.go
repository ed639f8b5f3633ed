package processor

import (
	"context"
	"slices"

	"go.opentelemetry.io/otel/trace"

	eventpkg "github.com/drblury/flowmesh/internal/runtime/event"
	"github.com/drblury/flowmesh/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
)

// Chain runs processors strictly in order. Each step receives exactly the
// event returned by the previous one. A Chain is itself a Processor, so
// chains nest.
type Chain struct {
	name       string
	processors []Processor
	logger     loggingpkg.ServiceLogger
	tracer     trace.Tracer
}

// NewChain builds a chain. Nil processors are skipped.
func NewChain(name string, processors ...Processor) *Chain {
	c := &Chain{name: name, logger: loggingpkg.Nop()}
	for _, p := range processors {
		if p != nil {
			c.processors = append(c.processors, p)
		}
	}
	return c
}

// WithLogger logs every step at debug level.
func (c *Chain) WithLogger(log loggingpkg.ServiceLogger) *Chain {
	c.logger = loggingpkg.Component(log, "chain", c.name)
	return c
}

// WithTracer opens one span per step.
func (c *Chain) WithTracer(tracer trace.Tracer) *Chain {
	c.tracer = tracer
	return c
}

func (c *Chain) Name() string { return c.name }

func (c *Chain) Len() int { return len(c.processors) }

// Processors returns a copy of the steps.
func (c *Chain) Processors() []Processor {
	return slices.Clone(c.processors)
}

// Process runs the steps. A failure aborts the chain with a MessagingError
// carrying the event handed to the failing step. Errors that already carry
// an event are returned unchanged.
func (c *Chain) Process(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
	current := ev
	for i, p := range c.processors {
		out, err := c.step(ctx, i, p, current)
		if err != nil {
			return nil, eventpkg.Wrap(current, err)
		}
		if out == nil {
			c.logger.Debug("Chain stopped by processor", loggingpkg.LogFields{
				"step":      i,
				"processor": NameOf(p),
				"event_id":  current.ID(),
			})
			return nil, nil
		}
		current = out
	}
	return current, nil
}

func (c *Chain) step(ctx context.Context, i int, p Processor, ev *eventpkg.Event) (*eventpkg.Event, error) {
	if c.tracer == nil {
		return p.Process(ctx, ev)
	}
	return traced(ctx, c.tracer, c.name, i, p, ev)
}

func (c *Chain) Initialise(ctx context.Context) error {
	return lifecycle.ApplyAll(ctx, lifecycle.PhaseInitialise, c.processors)
}

func (c *Chain) Start(ctx context.Context) error {
	return lifecycle.ApplyAll(ctx, lifecycle.PhaseStart, c.processors)
}

func (c *Chain) Stop(ctx context.Context) error {
	return lifecycle.ApplyAll(ctx, lifecycle.PhaseStop, c.processors)
}

func (c *Chain) Dispose(ctx context.Context) {
	_ = lifecycle.ApplyAll(ctx, lifecycle.PhaseDispose, c.processors)
}
