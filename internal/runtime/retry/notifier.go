package retry

import (
	"context"

	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
)

// Notifier observes every attempt of a retried work item.
type Notifier interface {
	OnSuccess(ctx context.Context, rc *Context)
	OnFailure(ctx context.Context, rc *Context, err error)
}

// Listeners is a Notifier built from optional callbacks. Nil callbacks are
// skipped.
type Listeners struct {
	Success func(ctx context.Context, rc *Context)
	Failure func(ctx context.Context, rc *Context, err error)
}

func (l Listeners) OnSuccess(ctx context.Context, rc *Context) {
	if l.Success != nil {
		l.Success(ctx, rc)
	}
}

func (l Listeners) OnFailure(ctx context.Context, rc *Context, err error) {
	if l.Failure != nil {
		l.Failure(ctx, rc, err)
	}
}

// Merge returns listeners calling l first and then other.
func (l Listeners) Merge(other Listeners) Listeners {
	return Listeners{
		Success: chainSuccess(l.Success, other.Success),
		Failure: chainFailure(l.Failure, other.Failure),
	}
}

func chainSuccess(a, b func(context.Context, *Context)) func(context.Context, *Context) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, rc *Context) {
		a(ctx, rc)
		b(ctx, rc)
	}
}

func chainFailure(a, b func(context.Context, *Context, error)) func(context.Context, *Context, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx context.Context, rc *Context, err error) {
		a(ctx, rc, err)
		b(ctx, rc, err)
	}
}

// ConnectNotifier logs reconnection progress.
func ConnectNotifier(log loggingpkg.ServiceLogger) Listeners {
	log = loggingpkg.OrNop(log)
	return Listeners{
		Success: func(_ context.Context, rc *Context) {
			log.Info("Successfully connected", loggingpkg.LogFields{
				"owner":    rc.Owner(),
				"work":     rc.Description(),
				"attempts": rc.Attempts(),
			})
		},
		Failure: func(_ context.Context, rc *Context, err error) {
			log.Error("Failed to connect", err, loggingpkg.LogFields{
				"owner":    rc.Owner(),
				"work":     rc.Description(),
				"attempts": rc.Attempts(),
			})
		},
	}
}
