package connector

import (
	"context"
	"fmt"
	"sync"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
	"github.com/drblury/flowmesh/internal/runtime/work"
)

// ReconnectionHandler restarts connectors that reported a ConnectError. The
// restart runs on the scheduler, never on the caller's goroutine.
type ReconnectionHandler struct {
	scheduler work.Scheduler
	logger    loggingpkg.ServiceLogger

	// pending holds connectors with a reconnection scheduled or running.
	pending sync.Map
}

func NewReconnectionHandler(scheduler work.Scheduler, log loggingpkg.ServiceLogger) *ReconnectionHandler {
	return &ReconnectionHandler{
		scheduler: scheduler,
		logger:    loggingpkg.OrNop(log).With(loggingpkg.LogFields{"component": "reconnection-handler"}),
	}
}

// HandleReconnection stops and disconnects the failed connector and schedules
// its restart. It is a no-op while the connector is already connecting, so
// concurrent callers schedule at most one reconnection. It reports whether a
// restart was scheduled.
func (h *ReconnectionHandler) HandleReconnection(ctx context.Context, ce *ConnectError) bool {
	if ce == nil || ce.Connector == nil {
		return false
	}
	c := ce.Connector
	if c.IsConnecting() {
		return false
	}
	if _, busy := h.pending.LoadOrStore(c, struct{}{}); busy {
		return false
	}

	// Stopping the connector cancels the delivery ctx may belong to.
	ctx = context.WithoutCancel(ctx)
	fields := loggingpkg.LogFields{"connector": c.Name()}
	h.logger.Info("Reconnecting", loggingpkg.LogFields{"connector": c.Name(), "cause": fmt.Sprint(ce.Err)})

	if err := c.Stop(ctx); err != nil {
		h.logger.Error("Stop before reconnection failed", err, fields)
	}
	if err := c.Disconnect(ctx); err != nil {
		h.logger.Error("Disconnect before reconnection failed", err, fields)
	}

	if h.scheduler == nil {
		h.pending.Delete(c)
		h.logger.Error("Cannot schedule reconnection", errspkg.ErrSchedulerRequired, fields)
		return false
	}
	err := h.scheduler.ScheduleWork(ctx, "reconnect:"+c.Name(), func(ctx context.Context) error {
		defer h.pending.Delete(c)
		return c.Start(ctx)
	})
	if err != nil {
		h.pending.Delete(c)
		h.logger.Error("Cannot schedule reconnection", err, fields)
		return false
	}
	return true
}

// Pending reports whether a reconnection of c is scheduled or running.
func (h *ReconnectionHandler) Pending(c Connector) bool {
	_, ok := h.pending.Load(c)
	return ok
}
