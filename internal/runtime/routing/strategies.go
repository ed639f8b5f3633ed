package routing

import (
	"context"
	"sync/atomic"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	eventpkg "github.com/drblury/flowmesh/internal/runtime/event"
)

// FirstMatch sends the event to the first route whose condition matches.
func FirstMatch() Strategy {
	return StrategyFunc(func(ctx context.Context, r *Router, ev *eventpkg.Event) (*eventpkg.Event, error) {
		for _, route := range r.snapshot() {
			if route.Matches(ev) {
				return r.SendRequest(ctx, ev, route, r.AwaitsResponse())
			}
		}
		return nil, eventpkg.NewDispatchError(ev, errspkg.ErrNoRouteMatched)
	})
}

// Multicast sends the event to every matching route in order. A single
// result is returned as is. Several results are aggregated into one event
// whose payload is the slice of result payloads. Filtered results are
// skipped.
func Multicast() Strategy {
	return StrategyFunc(func(ctx context.Context, r *Router, ev *eventpkg.Event) (*eventpkg.Event, error) {
		var results []*eventpkg.Event
		matched := false
		for _, route := range r.snapshot() {
			if !route.Matches(ev) {
				continue
			}
			matched = true
			out, err := r.SendRequest(ctx, ev, route, r.AwaitsResponse())
			if err != nil {
				return nil, err
			}
			if out != nil {
				results = append(results, out)
			}
		}
		if !matched {
			return nil, eventpkg.NewDispatchError(ev, errspkg.ErrNoRouteMatched)
		}
		return aggregate(ev, results), nil
	})
}

func aggregate(ev *eventpkg.Event, results []*eventpkg.Event) *eventpkg.Event {
	switch len(results) {
	case 0:
		return nil
	case 1:
		return results[0]
	}
	payloads := make([]any, len(results))
	for i, res := range results {
		payloads[i] = res.Payload()
	}
	return eventpkg.From(ev).Payload(payloads).Build()
}

// RoundRobin sends each event to one route, rotating through the matching
// routes.
func RoundRobin() Strategy {
	var next atomic.Uint64
	return StrategyFunc(func(ctx context.Context, r *Router, ev *eventpkg.Event) (*eventpkg.Event, error) {
		routes := r.snapshot()
		n := len(routes)
		if n == 0 {
			return nil, eventpkg.NewDispatchError(ev, errspkg.ErrNoRouteMatched)
		}
		start := int((next.Add(1) - 1) % uint64(n))
		for i := range n {
			route := routes[(start+i)%n]
			if route.Matches(ev) {
				return r.SendRequest(ctx, ev, route, r.AwaitsResponse())
			}
		}
		return nil, eventpkg.NewDispatchError(ev, errspkg.ErrNoRouteMatched)
	})
}

// Chaining feeds the result of each matching route into the next one. The
// chain stops when a route filters the event.
func Chaining() Strategy {
	return StrategyFunc(func(ctx context.Context, r *Router, ev *eventpkg.Event) (*eventpkg.Event, error) {
		current := ev
		matched := false
		for _, route := range r.snapshot() {
			if !route.Matches(current) {
				continue
			}
			matched = true
			out, err := r.SendRequest(ctx, current, route, true)
			if err != nil {
				return nil, err
			}
			if out == nil {
				return nil, nil
			}
			current = out
		}
		if !matched {
			return nil, eventpkg.NewDispatchError(ev, errspkg.ErrNoRouteMatched)
		}
		if !r.AwaitsResponse() {
			return nil, nil
		}
		return current, nil
	})
}
