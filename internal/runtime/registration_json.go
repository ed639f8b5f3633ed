package runtime

import (
	"context"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	"github.com/drblury/flowmesh/internal/runtime/flow"
	"github.com/drblury/flowmesh/internal/runtime/processor"
	"github.com/drblury/flowmesh/internal/runtime/transformers"
)

// JSONFlowRegistration describes a topic flow whose single step decodes the
// payload as JSON into T and replaces it with the O returned by Handler.
type JSONFlowRegistration[T, O any] struct {
	TopicFlowRegistration
	Handler transformers.Func[T, O]
	Options []transformers.Option
}

// RegisterJSONFlow converts the typed JSON handler into a transformer and
// registers the flow. The transformer runs before any configured processors.
func RegisterJSONFlow[T, O any](ctx context.Context, svc *Service, cfg JSONFlowRegistration[T, O]) (*flow.Flow, error) {
	if svc == nil {
		return nil, errspkg.ErrServiceRequired
	}
	if cfg.Handler == nil {
		return nil, errspkg.ErrProcessorRequired
	}
	opts := append([]transformers.Option{transformers.WithLogger(svc.Logger)}, cfg.Options...)
	reg := cfg.TopicFlowRegistration
	reg.Processors = append([]processor.Processor{transformers.JSON(cfg.Name+"-json", cfg.Handler, opts...)}, reg.Processors...)
	return RegisterTopicFlow(ctx, svc, reg)
}
