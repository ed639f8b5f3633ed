package runtime

import (
	"context"

	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	"github.com/drblury/flowmesh/internal/runtime/flow"
	"github.com/drblury/flowmesh/internal/runtime/processor"
	"github.com/drblury/flowmesh/internal/runtime/transformers"
)

// ProtoFlowRegistration describes a topic flow whose single step decodes
// protojson payloads into T. A nil O filters the event.
type ProtoFlowRegistration[T, O proto.Message] struct {
	TopicFlowRegistration
	Handler transformers.Func[T, O]
	Options []transformers.Option
}

// RegisterProtoFlow converts the typed handler into a transformer and
// registers the flow.
func RegisterProtoFlow[T, O proto.Message](ctx context.Context, svc *Service, cfg ProtoFlowRegistration[T, O]) (*flow.Flow, error) {
	if svc == nil {
		return nil, errspkg.ErrServiceRequired
	}
	if cfg.Handler == nil {
		return nil, errspkg.ErrProcessorRequired
	}
	if _, err := transformers.NewProtoMessage[T](); err != nil {
		return nil, err
	}
	opts := append([]transformers.Option{transformers.WithLogger(svc.Logger)}, cfg.Options...)
	reg := cfg.TopicFlowRegistration
	reg.Processors = append([]processor.Processor{transformers.Proto(cfg.Name+"-proto", cfg.Handler, opts...)}, reg.Processors...)
	return RegisterTopicFlow(ctx, svc, reg)
}
