// Package routing dispatches events to one or more outbound routes.
package routing

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	eventpkg "github.com/drblury/flowmesh/internal/runtime/event"
	"github.com/drblury/flowmesh/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
	"github.com/drblury/flowmesh/internal/runtime/processor"
	"github.com/drblury/flowmesh/internal/runtime/transaction"
)

// Route is a named outbound target. A nil Condition matches every event.
type Route struct {
	Name      string
	Processor processor.Processor
	Condition func(ev *eventpkg.Event) bool

	// key identifies one registration of the route with a router.
	key *routeKey
}

type routeKey struct{ _ byte }

// Matches reports whether ev should be sent to the route.
func (r Route) Matches(ev *eventpkg.Event) bool {
	return r.Condition == nil || r.Condition(ev)
}

// Strategy decides which routes receive an event.
type Strategy interface {
	Route(ctx context.Context, r *Router, ev *eventpkg.Event) (*eventpkg.Event, error)
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(ctx context.Context, r *Router, ev *eventpkg.Event) (*eventpkg.Event, error)

func (f StrategyFunc) Route(ctx context.Context, r *Router, ev *eventpkg.Event) (*eventpkg.Event, error) {
	return f(ctx, r, ev)
}

// Router holds the routes and the state shared by every strategy.
//
// The route list is copy-on-write: Process works on the snapshot it loaded
// and never sees a list that is being changed. Route mutation and lifecycle
// transitions are serialised by the same lock, so a route added while the
// router is starting is either started by Start or by AddRoute, never twice.
type Router struct {
	name     string
	strategy Strategy
	tx       *transaction.Template
	stats    *Statistics
	logger   loggingpkg.ServiceLogger
	tracer   trace.Tracer
	oneWay   bool

	mu     sync.Mutex
	routes atomic.Pointer[[]Route]

	cacheMu sync.RWMutex
	chains  map[*routeKey]processor.Processor

	initialised atomic.Bool
	started     atomic.Bool
	disposed    atomic.Bool
}

// Option configures a Router.
type Option func(*Router)

// WithTransaction runs every Process call in the given transactional scope.
func WithTransaction(cfg transaction.Config) Option {
	return func(r *Router) { r.tx = transaction.NewTemplate(cfg) }
}

// WithStatistics enables routing statistics.
func WithStatistics(stats *Statistics) Option {
	return func(r *Router) { r.stats = stats }
}

func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(r *Router) { r.logger = loggingpkg.Component(log, "router", r.name) }
}

// WithTracer opens a span for every route invocation.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Router) { r.tracer = tracer }
}

// WithOneWay makes the strategies send without awaiting route results.
func WithOneWay() Option {
	return func(r *Router) { r.oneWay = true }
}

// WithRoutes adds routes at construction time.
func WithRoutes(routes ...Route) Option {
	return func(r *Router) {
		next := slices.Clone(*r.routes.Load())
		for _, route := range routes {
			route.key = new(routeKey)
			next = append(next, route)
		}
		r.routes.Store(&next)
	}
}

// NewRouter creates a router that dispatches with strategy.
func NewRouter(name string, strategy Strategy, opts ...Option) *Router {
	r := &Router{
		name:     name,
		strategy: strategy,
		logger:   loggingpkg.Nop(),
		chains:   make(map[*routeKey]processor.Processor),
	}
	empty := []Route{}
	r.routes.Store(&empty)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Router) Name() string { return r.name }

func (r *Router) Statistics() *Statistics { return r.stats }

// Routes returns a snapshot of the routes.
func (r *Router) Routes() []Route {
	return slices.Clone(*r.routes.Load())
}

func (r *Router) snapshot() []Route {
	return *r.routes.Load()
}

// Process dispatches ev through the strategy inside the router's
// transactional scope.
func (r *Router) Process(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
	if r.disposed.Load() {
		return nil, eventpkg.NewMessagingError(ev, errspkg.ErrRouterDisposed)
	}
	out, err := transaction.Execute(ctx, r.tx, func(ctx context.Context) (*eventpkg.Event, error) {
		return r.strategy.Route(ctx, r, ev)
	})
	if err != nil {
		return nil, eventpkg.Wrap(ev, err)
	}
	return out, nil
}

// AddRoute registers route. When the router is initialised or started the
// route is brought to the same phase before it becomes visible.
func (r *Router) AddRoute(ctx context.Context, route Route) error {
	if route.Name == "" {
		return errspkg.ErrNameRequired
	}
	if route.Processor == nil {
		return errspkg.ErrProcessorRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.snapshot()
	if slices.ContainsFunc(current, func(existing Route) bool { return existing.Name == route.Name }) {
		return fmt.Errorf("%w: route %q on router %s", errspkg.ErrDuplicateName, route.Name, r.name)
	}
	if r.initialised.Load() {
		if err := lifecycle.Apply(ctx, lifecycle.PhaseInitialise, route.Processor); err != nil {
			return fmt.Errorf("initialise route %s: %w", route.Name, err)
		}
	}
	if r.started.Load() {
		if err := lifecycle.Apply(ctx, lifecycle.PhaseStart, route.Processor); err != nil {
			return fmt.Errorf("start route %s: %w", route.Name, err)
		}
	}

	route.key = new(routeKey)
	next := make([]Route, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, route)
	r.routes.Store(&next)
	return nil
}

// RemoveRoute removes the route called name and returns it. The caller owns
// the removed route's lifecycle.
func (r *Router) RemoveRoute(name string) (Route, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current := r.snapshot()
	i := slices.IndexFunc(current, func(route Route) bool { return route.Name == name })
	if i < 0 {
		return Route{}, false
	}
	removed := current[i]
	next := slices.Delete(slices.Clone(current), i, i+1)
	r.routes.Store(&next)
	r.invalidate(removed.key)
	return removed, true
}

// SendRequest sends ev to route. With awaitResponse the route's result is
// returned, otherwise nil is returned once the route completed.
// Failures that carry an event are returned as is, anything else becomes a
// RoutingError.
func (r *Router) SendRequest(ctx context.Context, ev *eventpkg.Event, route Route, awaitResponse bool) (*eventpkg.Event, error) {
	if r.stats != nil {
		r.stats.Routed(route.Name)
	}
	out, err := r.chainFor(route).Process(ctx, ev)
	if err != nil {
		if _, ok := eventpkg.AsMessagingError(err); ok {
			return nil, err
		}
		return nil, eventpkg.NewRoutingError(ev, route.Name, err)
	}
	if !awaitResponse {
		return nil, nil
	}
	return out, nil
}

// AwaitsResponse reports whether strategies should request route results.
func (r *Router) AwaitsResponse() bool { return !r.oneWay }

// chainFor returns the processor that runs route. Chains run as they are;
// anything else is wrapped in a single step chain. The wrapper is cached
// per registration while the route is registered, so a route removed and
// added again under the same name never runs the earlier processor.
func (r *Router) chainFor(route Route) processor.Processor {
	if c, ok := route.Processor.(*processor.Chain); ok {
		return c
	}
	if route.key == nil {
		return r.newChain(route)
	}

	r.cacheMu.RLock()
	c, ok := r.chains[route.key]
	r.cacheMu.RUnlock()
	if ok {
		return c
	}

	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	if c, ok := r.chains[route.key]; ok {
		return c
	}
	chain := r.newChain(route)
	if r.registered(route.key) {
		r.chains[route.key] = chain
	}
	return chain
}

func (r *Router) newChain(route Route) *processor.Chain {
	chain := processor.NewChain(route.Name, routeStep{route: route}).WithLogger(r.logger)
	if r.tracer != nil {
		chain.WithTracer(r.tracer)
	}
	return chain
}

func (r *Router) registered(key *routeKey) bool {
	return slices.ContainsFunc(r.snapshot(), func(route Route) bool { return route.key == key })
}

func (r *Router) invalidate(key *routeKey) {
	r.cacheMu.Lock()
	defer r.cacheMu.Unlock()
	delete(r.chains, key)
}

// routeStep reports plain failures of a route as RoutingErrors before the
// surrounding chain sees them.
type routeStep struct {
	route Route
}

func (s routeStep) Name() string { return processor.NameOf(s.route.Processor) }

func (s routeStep) Process(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
	out, err := s.route.Processor.Process(ctx, ev)
	if err != nil {
		if _, ok := eventpkg.AsMessagingError(err); !ok {
			return nil, eventpkg.NewRoutingError(ev, s.route.Name, err)
		}
		return nil, err
	}
	return out, nil
}

func (r *Router) processors() []processor.Processor {
	routes := r.snapshot()
	out := make([]processor.Processor, len(routes))
	for i, route := range routes {
		out[i] = route.Processor
	}
	return out
}

func (r *Router) Initialise(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialised.Load() {
		return nil
	}
	if err := lifecycle.ApplyAll(ctx, lifecycle.PhaseInitialise, r.processors()); err != nil {
		return err
	}
	r.initialised.Store(true)
	return nil
}

func (r *Router) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started.Load() {
		return nil
	}
	if r.disposed.Load() {
		return fmt.Errorf("%w: cannot start router %s", lifecycle.ErrInvalidTransition, r.name)
	}
	if err := lifecycle.ApplyAll(ctx, lifecycle.PhaseStart, r.processors()); err != nil {
		return err
	}
	r.started.Store(true)
	return nil
}

func (r *Router) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started.Swap(false) {
		return nil
	}
	return lifecycle.ApplyAll(ctx, lifecycle.PhaseStop, r.processors())
}

// Dispose stops the router, disposes the routes and drops them.
func (r *Router) Dispose(ctx context.Context) {
	if err := r.Stop(ctx); err != nil {
		r.logger.Error("Stop failed during dispose", err, nil)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed.Swap(true) {
		return
	}
	_ = lifecycle.ApplyAll(ctx, lifecycle.PhaseDispose, r.processors())
	empty := []Route{}
	r.routes.Store(&empty)
	r.initialised.Store(false)

	r.cacheMu.Lock()
	clear(r.chains)
	r.cacheMu.Unlock()
}
