package retry

import (
	"context"
	"fmt"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	"github.com/drblury/flowmesh/internal/runtime/work"
)

// AsyncTemplate hands each execution to a work.Scheduler and returns at
// once. The returned Context reports the outcome through Done and Err.
type AsyncTemplate struct {
	delegate Executor
}

func NewAsyncTemplate(delegate Executor) *AsyncTemplate {
	return &AsyncTemplate{delegate: delegate}
}

// Execute schedules cb. Only a scheduling failure is returned; failures of
// the work itself surface through the Context.
func (a *AsyncTemplate) Execute(ctx context.Context, cb Callback, scheduler work.Scheduler) (*Context, error) {
	if scheduler == nil {
		return nil, fmt.Errorf("retry %s: %w", cb.WorkDescription(), errspkg.ErrSchedulerRequired)
	}
	placeholder := newContext(cb, nil, scheduler)

	err := scheduler.ScheduleWork(ctx, "retry:"+cb.WorkDescription(), func(workCtx context.Context) error {
		rc, err := a.delegate.Execute(workCtx, cb, scheduler)
		placeholder.mirror(rc, err)
		return err
	})
	if err != nil {
		return nil, err
	}
	return placeholder, nil
}

// mirror copies the outcome of a finished execution into c and completes it.
func (c *Context) mirror(from *Context, err error) {
	if from != nil {
		c.mu.Lock()
		c.attempts = from.Attempts()
		c.lastFailure = from.LastFailure()
		c.mu.Unlock()
	}
	c.finish(err)
}
