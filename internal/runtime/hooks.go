package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/drblury/flowmesh/internal/runtime/connector"
	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
)

// JobContext describes the delivery of one message to a flow.
type JobContext struct {
	// Flow is the name of the flow receiving the message.
	Flow string
	// Topic is the topic the message was received from.
	Topic         string
	MessageUUID   string
	EventID       string
	CorrelationID string
	Metadata      message.Metadata
	Context       context.Context
	StartedAt     time.Time
	// Duration is only set in OnJobDone and OnJobError.
	Duration time.Duration
}

// JobHooks defines callbacks around message delivery.
// All hooks are optional; nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the flow sees the message.
	OnJobStart func(ctx JobContext)
	// OnJobDone is called when the flow accepted the message.
	OnJobDone func(ctx JobContext)
	// OnJobError is called when the flow rejected the message.
	OnJobError func(ctx JobContext, err error)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from other are called after the hooks from h.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart: chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:  chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError: chainErrorHooks(h.OnJobError, other.OnJobError),
	}
}

func (h JobHooks) empty() bool {
	return h.OnJobStart == nil && h.OnJobDone == nil && h.OnJobError == nil
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// JobHooksMiddleware invokes hooks around every delivery to a flow.
func JobHooksMiddleware(hooks JobHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "job_hooks",
		Builder: func(_ *Service, src SourceInfo) (message.HandlerMiddleware, error) {
			return jobHooksMiddleware(src, hooks), nil
		},
	}
}

func jobHooksMiddleware(src SourceInfo, hooks JobHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			jobCtx := JobContext{
				Flow:          src.Flow,
				Topic:         src.Topic,
				MessageUUID:   msg.UUID,
				EventID:       msg.Metadata.Get(connector.MetadataEventID),
				CorrelationID: middleware.MessageCorrelationID(msg),
				Metadata:      msg.Metadata,
				Context:       msg.Context(),
				StartedAt:     time.Now(),
			}
			if hooks.OnJobStart != nil {
				hooks.OnJobStart(jobCtx)
			}

			msgs, err := h(msg)

			jobCtx.Duration = time.Since(jobCtx.StartedAt)
			if err != nil {
				if hooks.OnJobError != nil {
					hooks.OnJobError(jobCtx, err)
				}
			} else if hooks.OnJobDone != nil {
				hooks.OnJobDone(jobCtx)
			}
			return msgs, err
		}
	}
}

// LoggingHooks returns hooks that log every delivery.
func LoggingHooks(log loggingpkg.ServiceLogger) JobHooks {
	log = loggingpkg.OrNop(log)
	fields := func(ctx JobContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"flow":           ctx.Flow,
			"topic":          ctx.Topic,
			"message_uuid":   ctx.MessageUUID,
			"correlation_id": ctx.CorrelationID,
		}
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			log.Debug("Job started", fields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			log.Info("Job completed", f)
		},
		OnJobError: func(ctx JobContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			log.Error("Job failed", err, f)
		},
	}
}

// MetricsHooks returns hooks that report deliveries per flow and topic.
func MetricsHooks(onStart, onDone, onError func(flow, topic string)) JobHooks {
	call := func(fn func(string, string)) func(JobContext) {
		if fn == nil {
			return nil
		}
		return func(ctx JobContext) { fn(ctx.Flow, ctx.Topic) }
	}
	hooks := JobHooks{
		OnJobStart: call(onStart),
		OnJobDone:  call(onDone),
	}
	if onError != nil {
		hooks.OnJobError = func(ctx JobContext, _ error) { onError(ctx.Flow, ctx.Topic) }
	}
	return hooks
}

// AlertingHooks returns hooks that call alert for every rejected message.
func AlertingHooks(alert func(ctx JobContext, err error)) JobHooks {
	return JobHooks{OnJobError: alert}
}
