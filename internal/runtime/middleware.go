package runtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/flowmesh/internal/runtime/connector"
	idspkg "github.com/drblury/flowmesh/internal/runtime/ids"
	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
)

// TracerName is the instrumentation scope of the delivery spans.
const TracerName = "github.com/drblury/flowmesh/runtime"

// SourceInfo identifies the source a middleware is built for.
type SourceInfo struct {
	Flow      string
	Connector string
	Topic     string
}

// MiddlewareBuilder constructs a delivery middleware for one source.
type MiddlewareBuilder func(*Service, SourceInfo) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware wraps message delivery to
// the flows the service registers. Builders returning nil are skipped.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	return cfg
}

// DefaultMiddlewares returns the middlewares every service source gets.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
	}
}

// CorrelationIDMiddleware gives messages without a correlation id a fresh one.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "correlation_id",
		Middleware: func(h message.HandlerFunc) message.HandlerFunc {
			return func(msg *message.Message) ([]*message.Message, error) {
				if middleware.MessageCorrelationID(msg) == "" {
					middleware.SetCorrelationID(idspkg.CreateULID(), msg)
				}
				return h(msg)
			}
		},
	}
}

// LogMessagesMiddleware logs payload and metadata of delivered messages at
// trace level. A nil logger uses the service logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service, src SourceInfo) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			l = l.With(loggingpkg.LogFields{"flow": src.Flow, "topic": src.Topic})
			return func(h message.HandlerFunc) message.HandlerFunc {
				return func(msg *message.Message) ([]*message.Message, error) {
					l.Trace("Delivering message", loggingpkg.LogFields{
						"message_uuid": msg.UUID,
						"payload":      string(msg.Payload),
						"metadata":     msg.Metadata,
					})
					return h(msg)
				}
			}, nil
		},
	}
}

// TracerMiddleware wraps each delivery in a consumer span. The service
// tracer is used when set, the global provider otherwise.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "tracer",
		Builder: func(s *Service, src SourceInfo) (message.HandlerMiddleware, error) {
			tracer := s.tracer
			if tracer == nil {
				tracer = otel.Tracer(TracerName)
			}
			return tracerMiddleware(tracer, src), nil
		},
	}
}

func tracerMiddleware(tracer trace.Tracer, src SourceInfo) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx, span := tracer.Start(msg.Context(), "deliver "+src.Topic,
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(
					attribute.String("flowmesh.flow", src.Flow),
					attribute.String("flowmesh.connector", src.Connector),
					attribute.String("messaging.destination.name", src.Topic),
					attribute.String("messaging.message.id", msg.UUID),
					attribute.String("flowmesh.event_id", msg.Metadata.Get(connector.MetadataEventID)),
				),
			)
			defer span.End()
			msg.SetContext(ctx)

			msgs, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return msgs, err
		}
	}
}

// RetryMiddleware redelivers a failed message in place with exponential
// backoff before it is nacked.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Service, _ SourceInfo) (message.HandlerMiddleware, error) {
			return middleware.Retry{
				MaxRetries:      normalized.MaxRetries,
				InitialInterval: normalized.InitialInterval,
				MaxInterval:     normalized.MaxInterval,
				ShouldRetry: func(params middleware.RetryParams) bool {
					if normalized.RetryIf != nil {
						return normalized.RetryIf(params.Err)
					}
					return true
				},
				Logger: loggingpkg.NewWatermillAdapter(s.Logger),
			}.Middleware, nil
		},
	}
}

// TimeoutMiddleware cancels the delivery context after d.
func TimeoutMiddleware(d time.Duration) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "timeout",
		Middleware: middleware.Timeout(d),
	}
}

// ThrottleMiddleware limits deliveries of each source to count per duration.
func ThrottleMiddleware(count int64, duration time.Duration) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "throttle",
		Builder: func(*Service, SourceInfo) (message.HandlerMiddleware, error) {
			return middleware.NewThrottle(count, duration).Middleware, nil
		},
	}
}

// buildMiddlewares resolves the registrations for one source.
func (s *Service) buildMiddlewares(src SourceInfo, extra []MiddlewareRegistration) ([]message.HandlerMiddleware, error) {
	regs := make([]MiddlewareRegistration, 0, len(s.middlewares)+len(extra))
	regs = append(regs, s.middlewares...)
	regs = append(regs, extra...)

	out := make([]message.HandlerMiddleware, 0, len(regs))
	for _, reg := range regs {
		mw, err := reg.build(s, src)
		if err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return nil, fmt.Errorf("build middleware %s: %w", name, err)
		}
		if mw != nil {
			out = append(out, mw)
		}
	}
	return out, nil
}

func (reg MiddlewareRegistration) build(s *Service, src SourceInfo) (message.HandlerMiddleware, error) {
	switch {
	case reg.Middleware != nil:
		return reg.Middleware, nil
	case reg.Builder != nil:
		return reg.Builder(s, src)
	default:
		return nil, errors.New("middleware registration requires Middleware or Builder")
	}
}
