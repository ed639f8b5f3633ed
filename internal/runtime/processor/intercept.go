package processor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	eventpkg "github.com/drblury/flowmesh/internal/runtime/event"
	"github.com/drblury/flowmesh/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
)

// TracerName is the instrumentation scope used for processor spans.
const TracerName = "github.com/drblury/flowmesh/processor"

// DefaultTracer returns the tracer of the global OpenTelemetry provider.
func DefaultTracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// Interceptor decorates a processor.
type Interceptor func(next Processor) Processor

// Intercept wraps p with interceptors; the first one is outermost. The result
// forwards lifecycle calls to p and keeps p's name.
func Intercept(p Processor, interceptors ...Interceptor) Processor {
	wrapped := p
	for i := len(interceptors) - 1; i >= 0; i-- {
		wrapped = interceptors[i](wrapped)
	}
	return &intercepted{inner: p, outer: wrapped}
}

type intercepted struct {
	inner Processor
	outer Processor
}

func (i *intercepted) Process(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
	return i.outer.Process(ctx, ev)
}

func (i *intercepted) Name() string { return NameOf(i.inner) }

func (i *intercepted) Initialise(ctx context.Context) error {
	return lifecycle.Apply(ctx, lifecycle.PhaseInitialise, i.inner)
}

func (i *intercepted) Start(ctx context.Context) error {
	return lifecycle.Apply(ctx, lifecycle.PhaseStart, i.inner)
}

func (i *intercepted) Stop(ctx context.Context) error {
	return lifecycle.Apply(ctx, lifecycle.PhaseStop, i.inner)
}

func (i *intercepted) Dispose(ctx context.Context) {
	_ = lifecycle.Apply(ctx, lifecycle.PhaseDispose, i.inner)
}

// Traced opens a span around every invocation.
func Traced(tracer trace.Tracer) Interceptor {
	if tracer == nil {
		tracer = DefaultTracer()
	}
	return func(next Processor) Processor {
		return Func(func(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
			return traced(ctx, tracer, "", -1, next, ev)
		})
	}
}

// Logged writes a debug entry with the outcome and duration of every call.
func Logged(log loggingpkg.ServiceLogger) Interceptor {
	log = loggingpkg.OrNop(log)
	return func(next Processor) Processor {
		name := NameOf(next)
		return Func(func(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
			start := time.Now()
			out, err := next.Process(ctx, ev)
			fields := loggingpkg.LogFields{
				"processor": name,
				"event_id":  ev.ID(),
				"duration":  time.Since(start),
			}
			if err != nil {
				log.Error("Processor failed", err, fields)
				return out, err
			}
			fields["filtered"] = out == nil
			log.Debug("Processor completed", fields)
			return out, nil
		})
	}
}

func traced(ctx context.Context, tracer trace.Tracer, chain string, step int, p Processor, ev *eventpkg.Event) (*eventpkg.Event, error) {
	name := NameOf(p)
	ctx, span := tracer.Start(ctx, "process "+name)
	defer span.End()

	attrs := []attribute.KeyValue{
		attribute.String("flowmesh.processor", name),
		attribute.String("flowmesh.event.id", ev.ID()),
		attribute.String("flowmesh.event.correlation_id", ev.CorrelationID()),
	}
	if chain != "" {
		attrs = append(attrs, attribute.String("flowmesh.chain", chain), attribute.Int("flowmesh.chain.step", step))
	}
	span.SetAttributes(attrs...)

	out, err := p.Process(ctx, ev)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("flowmesh.filtered", out == nil))
	return out, nil
}
