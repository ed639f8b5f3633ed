package flow

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/flowmesh/internal/runtime/connector"
	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	eventpkg "github.com/drblury/flowmesh/internal/runtime/event"
	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
	"github.com/drblury/flowmesh/internal/runtime/processor"
)

// ExceptionHandler decides what happens to an event whose processing
// failed. ev is the event that was in flight when err occurred. Returning
// an error propagates the failure to the caller of the flow.
type ExceptionHandler interface {
	HandleException(ctx context.Context, ev *eventpkg.Event, err error) (*eventpkg.Event, error)
}

// ExceptionHandlerFunc adapts a function to ExceptionHandler.
type ExceptionHandlerFunc func(ctx context.Context, ev *eventpkg.Event, err error) (*eventpkg.Event, error)

func (f ExceptionHandlerFunc) HandleException(ctx context.Context, ev *eventpkg.Event, err error) (*eventpkg.Event, error) {
	return f(ctx, ev, err)
}

// DefaultExceptionHandler logs the failure and returns it. Connectivity
// failures also trigger a reconnection of the failing connector.
type DefaultExceptionHandler struct {
	logger       loggingpkg.ServiceLogger
	reconnection *connector.ReconnectionHandler
}

func NewDefaultExceptionHandler(log loggingpkg.ServiceLogger, reconnection *connector.ReconnectionHandler) *DefaultExceptionHandler {
	return &DefaultExceptionHandler{logger: loggingpkg.OrNop(log), reconnection: reconnection}
}

func (h *DefaultExceptionHandler) HandleException(ctx context.Context, ev *eventpkg.Event, err error) (*eventpkg.Event, error) {
	fields := loggingpkg.LogFields{
		"error_type":     errspkg.Classify(err).String(),
		"event_id":       ev.ID(),
		"correlation_id": ev.CorrelationID(),
	}
	h.logger.Error("Event processing failed", err, fields)

	if ce, ok := connector.AsConnectError(err); ok && h.reconnection != nil {
		h.reconnection.HandleReconnection(ctx, ce)
	}
	return nil, err
}

// CatchExceptionHandler swallows the failure and returns the event with the
// error recorded on it.
type CatchExceptionHandler struct {
	logger loggingpkg.ServiceLogger
}

func NewCatchExceptionHandler(log loggingpkg.ServiceLogger) *CatchExceptionHandler {
	return &CatchExceptionHandler{logger: loggingpkg.OrNop(log)}
}

func (h *CatchExceptionHandler) HandleException(_ context.Context, ev *eventpkg.Event, err error) (*eventpkg.Event, error) {
	h.logger.Debug("Event failure caught", loggingpkg.LogFields{
		"event_id":   ev.ID(),
		"error_type": errspkg.Classify(err).String(),
		"error":      err.Error(),
	})
	return eventpkg.From(ev).Error(err).Build(), nil
}

// DeadLetterHandler sends failed events, with their error recorded, to a
// dead-letter processor and then catches the failure. When the dead-letter
// processor fails too, both errors are returned.
type DeadLetterHandler struct {
	target processor.Processor
	catch  *CatchExceptionHandler
	logger loggingpkg.ServiceLogger
}

func NewDeadLetterHandler(target processor.Processor, log loggingpkg.ServiceLogger) *DeadLetterHandler {
	return &DeadLetterHandler{target: target, catch: NewCatchExceptionHandler(log), logger: loggingpkg.OrNop(log)}
}

func (h *DeadLetterHandler) HandleException(ctx context.Context, ev *eventpkg.Event, err error) (*eventpkg.Event, error) {
	failed, _ := h.catch.HandleException(ctx, ev, err)
	if h.target == nil {
		return nil, errors.Join(err, errspkg.ErrProcessorRequired)
	}
	if _, dlqErr := h.target.Process(ctx, failed); dlqErr != nil {
		h.logger.Error("Dead letter delivery failed", dlqErr, loggingpkg.LogFields{"event_id": ev.ID()})
		return nil, errors.Join(err, fmt.Errorf("dead letter: %w", dlqErr))
	}
	h.logger.Info("Event sent to dead letter", loggingpkg.LogFields{
		"event_id":    ev.ID(),
		"dead_letter": processor.NameOf(h.target),
	})
	return failed, nil
}
