package lifecycle

import (
	"context"
	"errors"
	"slices"
)

// Phase is one of the four lifecycle operations.
type Phase int

const (
	PhaseInitialise Phase = iota
	PhaseStart
	PhaseStop
	PhaseDispose
)

func (p Phase) String() string {
	switch p {
	case PhaseInitialise:
		return "initialise"
	case PhaseStart:
		return "start"
	case PhaseStop:
		return "stop"
	case PhaseDispose:
		return "dispose"
	default:
		return "unknown"
	}
}

// Reversed reports whether the phase walks objects in reverse order.
func (p Phase) Reversed() bool {
	return p == PhaseStop || p == PhaseDispose
}

// Apply invokes phase p on obj if obj implements it.
func Apply(ctx context.Context, p Phase, obj any) error {
	switch p {
	case PhaseInitialise:
		if o, ok := obj.(Initialisable); ok {
			return o.Initialise(ctx)
		}
	case PhaseStart:
		if o, ok := obj.(Startable); ok {
			return o.Start(ctx)
		}
	case PhaseStop:
		if o, ok := obj.(Stoppable); ok {
			return o.Stop(ctx)
		}
	case PhaseDispose:
		if o, ok := obj.(Disposable); ok {
			o.Dispose(ctx)
		}
	}
	return nil
}

// ApplyAll invokes p on every object. Initialise and start walk forward and
// stop at the first failure. Stop and dispose walk backwards, visit every
// object and join the failures.
func ApplyAll[T any](ctx context.Context, p Phase, objs []T) error {
	if !p.Reversed() {
		for _, obj := range objs {
			if err := Apply(ctx, p, obj); err != nil {
				return err
			}
		}
		return nil
	}

	var errs []error
	for _, obj := range slices.Backward(objs) {
		if err := Apply(ctx, p, obj); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
