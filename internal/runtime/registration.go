package runtime

import (
	"context"
	"fmt"

	"github.com/drblury/flowmesh/internal/runtime/connector"
	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	eventpkg "github.com/drblury/flowmesh/internal/runtime/event"
	"github.com/drblury/flowmesh/internal/runtime/flow"
	"github.com/drblury/flowmesh/internal/runtime/processor"
	"github.com/drblury/flowmesh/internal/runtime/transaction"
)

// TopicFlowRegistration wires a flow that consumes a topic of one connector
// and optionally publishes its results to a topic of another.
type TopicFlowRegistration struct {
	Name string
	// Connector consumes ConsumeTopic. Defaults to DefaultConnectorName.
	Connector    string
	ConsumeTopic string
	Processors   []processor.Processor
	// PublishConnector defaults to Connector.
	PublishConnector string
	// PublishTopic, when set, receives every event the processors return.
	PublishTopic string
	// ExceptionHandler overrides the failure strategy. DeadLetter is ignored
	// when it is set.
	ExceptionHandler flow.ExceptionHandler
	// DeadLetter sends failed events to the configured DeadLetterTopic on
	// PublishConnector.
	DeadLetter  bool
	Transaction transaction.Config
	Middlewares []MiddlewareRegistration
}

// RegisterTopicFlow builds the source, dispatcher and exception handler
// described by cfg and registers the resulting flow.
func RegisterTopicFlow(ctx context.Context, svc *Service, cfg TopicFlowRegistration) (*flow.Flow, error) {
	if svc == nil {
		return nil, errspkg.ErrServiceRequired
	}
	if cfg.Name == "" {
		return nil, errspkg.ErrNameRequired
	}
	if cfg.ConsumeTopic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if cfg.Connector == "" {
		cfg.Connector = DefaultConnectorName
	}
	if cfg.PublishConnector == "" {
		cfg.PublishConnector = cfg.Connector
	}

	in, err := svc.TransportConnector(cfg.Connector)
	if err != nil {
		return nil, err
	}
	src := connector.NewSource(cfg.Name, in, cfg.ConsumeTopic, svc.Logger)
	mws, err := svc.buildMiddlewares(SourceInfo{Flow: cfg.Name, Connector: cfg.Connector, Topic: cfg.ConsumeTopic}, cfg.Middlewares)
	if err != nil {
		return nil, err
	}
	src.Use(mws...)

	processors := cfg.Processors
	if cfg.PublishTopic != "" || (cfg.DeadLetter && cfg.ExceptionHandler == nil) {
		out, err := svc.TransportConnector(cfg.PublishConnector)
		if err != nil {
			return nil, err
		}
		if cfg.PublishTopic != "" {
			processors = append(processors[:len(processors):len(processors)],
				connector.NewDispatcher(cfg.Name+"-publish", out, cfg.PublishTopic, svc.Logger))
		}
		if cfg.DeadLetter && cfg.ExceptionHandler == nil {
			dl, err := svc.deadLetterProcessor(cfg.Name, out)
			if err != nil {
				return nil, err
			}
			cfg.ExceptionHandler = flow.NewDeadLetterHandler(dl, svc.Logger)
		}
	}

	return svc.RegisterFlow(ctx, flow.Config{
		Name:             cfg.Name,
		Source:           src,
		Processors:       processors,
		ExceptionHandler: cfg.ExceptionHandler,
		Transaction:      cfg.Transaction,
	})
}

// deadLetterProcessor publishes to the dead-letter topic and records it.
func (s *Service) deadLetterProcessor(flowName string, c *connector.TransportConnector) (processor.Processor, error) {
	topic := s.Conf.DeadLetterTopic
	if topic == "" {
		return nil, fmt.Errorf("dead letter for flow %s: %w", flowName, errspkg.ErrTopicRequired)
	}
	dispatch := connector.NewDispatcher(flowName+"-dead-letter", c, topic, s.Logger)
	return processor.WithName(dispatch.Name(), processor.Func(func(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
		out, err := dispatch.Process(ctx, ev)
		if err != nil {
			return nil, err
		}
		s.deadLetters.RecordDeadLetter(topic, flowName, ev.CreatedAt())
		return out, nil
	})), nil
}
