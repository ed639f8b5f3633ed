package retry

import (
	"context"
	"fmt"
	"maps"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
	"github.com/drblury/flowmesh/internal/runtime/work"
)

// TracerName is the instrumentation scope used for retry spans.
const TracerName = "github.com/drblury/flowmesh/retry"

// Factory creates the policy instance for one Execute call.
type Factory interface {
	CreateRetryInstance() Policy
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc func() Policy

func (f FactoryFunc) CreateRetryInstance() Policy { return f() }

// Executor runs a callback under some retry strategy. Template and
// AsyncTemplate implement it.
type Executor interface {
	Execute(ctx context.Context, cb Callback, scheduler work.Scheduler) (*Context, error)
}

// Template runs work under a fresh policy per invocation. A Template is safe
// for concurrent use; attempt counters never leak between invocations.
type Template struct {
	factory  Factory
	notifier Notifier
	metadata map[string]any
	logger   loggingpkg.ServiceLogger
	tracer   trace.Tracer
}

// Option configures a Template.
type Option func(*Template)

func WithNotifier(n Notifier) Option {
	return func(t *Template) { t.notifier = n }
}

func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(t *Template) { t.logger = loggingpkg.OrNop(log) }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(t *Template) { t.tracer = tracer }
}

// WithMetadata adds a value copied into every Context the template creates.
func WithMetadata(key string, value any) Option {
	return func(t *Template) {
		if t.metadata == nil {
			t.metadata = make(map[string]any)
		}
		t.metadata[key] = value
	}
}

func NewTemplate(factory Factory, opts ...Option) *Template {
	t := &Template{
		factory:  factory,
		notifier: Listeners{},
		logger:   loggingpkg.Nop(),
		tracer:   otel.Tracer(TracerName),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewSimpleTemplate retries up to count times, waiting frequency between
// attempts.
func NewSimpleTemplate(count int, frequency time.Duration, opts ...Option) *Template {
	return NewTemplate(FactoryFunc(func() Policy {
		return NewSimplePolicy(count, frequency, nil)
	}), opts...)
}

// NewForeverTemplate retries until the work succeeds or ctx is done.
func NewForeverTemplate(frequency time.Duration, opts ...Option) *Template {
	return NewSimpleTemplate(Forever, frequency, opts...)
}

// NewNoRetryTemplate runs the work once.
func NewNoRetryTemplate(opts ...Option) *Template {
	return NewTemplate(FactoryFunc(func() Policy { return NoRetryPolicy{} }), opts...)
}

func NewExponentialTemplate(cfg ExponentialConfig, opts ...Option) *Template {
	return NewTemplate(FactoryFunc(func() Policy {
		return NewExponentialPolicy(cfg)
	}), opts...)
}

// Metadata returns a copy of the metadata given to new contexts.
func (t *Template) Metadata() map[string]any { return maps.Clone(t.metadata) }

// Execute runs cb until it succeeds or the policy is exhausted. Exhaustion
// returns a *errors.RetryPolicyExhaustedError. Cancellation of ctx, or work
// failing with a cancellation error, stops immediately with
// errors.ErrRetryInterrupted. The returned Context is never nil.
func (t *Template) Execute(ctx context.Context, cb Callback, scheduler work.Scheduler) (*Context, error) {
	policy := t.factory.CreateRetryInstance()
	rc := newContext(cb, t.metadata, scheduler)

	ctx, span := t.tracer.Start(ctx, "retry "+cb.WorkDescription(), trace.WithAttributes(
		attribute.String("flowmesh.retry.id", rc.ID()),
		attribute.String("flowmesh.retry.owner", cb.WorkOwner()),
	))
	defer span.End()

	for {
		err := cb.DoWork(ctx, rc)
		if err == nil {
			t.notifier.OnSuccess(ctx, rc)
			rc.finish(nil)
			span.SetAttributes(attribute.Int("flowmesh.retry.attempts", rc.Attempts()))
			return rc, nil
		}

		rc.recordFailure(err)
		t.notifier.OnFailure(ctx, rc, err)
		if errspkg.IsInterruption(err) || ctx.Err() != nil {
			return rc, t.interrupted(ctx, span, rc, err)
		}

		status := policy.ApplyPolicy(ctx, err)
		if status.IsExhausted() {
			if ctx.Err() != nil {
				return rc, t.interrupted(ctx, span, rc, err)
			}
			cause := status.Cause()
			if cause == nil {
				cause = err
			}
			exhausted := &errspkg.RetryPolicyExhaustedError{
				Cause:    cause,
				Owner:    cb.WorkOwner(),
				Attempts: rc.Attempts(),
			}
			rc.finish(exhausted)
			span.RecordError(exhausted)
			span.SetStatus(codes.Error, "retry policy exhausted")
			return rc, exhausted
		}
		rc.retried()
	}
}

func (t *Template) interrupted(ctx context.Context, span trace.Span, rc *Context, cause error) error {
	err := fmt.Errorf("%w: %w", errspkg.ErrRetryInterrupted, cause)
	if ctxErr := ctx.Err(); ctxErr != nil && ctxErr != cause {
		err = fmt.Errorf("%w: %w (%w)", errspkg.ErrRetryInterrupted, cause, ctxErr)
	}
	t.logger.Error("Retry interrupted", err, loggingpkg.LogFields{
		"owner":    rc.Owner(),
		"work":     rc.Description(),
		"retry_id": rc.ID(),
		"attempts": rc.Attempts(),
	})
	rc.finish(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, "retry interrupted")
	return err
}
