package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	configpkg "github.com/drblury/flowmesh/internal/runtime/config"
	"github.com/drblury/flowmesh/internal/runtime/connector"
	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	"github.com/drblury/flowmesh/internal/runtime/flow"
	"github.com/drblury/flowmesh/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
	"github.com/drblury/flowmesh/internal/runtime/registry"
	"github.com/drblury/flowmesh/internal/runtime/retry"
	"github.com/drblury/flowmesh/internal/runtime/routing"
	"github.com/drblury/flowmesh/internal/runtime/work"
	"github.com/drblury/flowmesh/transport"
)

// DefaultConnectorName names the connector every Service builds from its own
// configuration.
const DefaultConnectorName = "default"

const (
	connectorKeyPrefix = "connector/"
	flowKeyPrefix      = "flow/"
)

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to get the defaults.
type ServiceDependencies struct {
	// Transports builds connector transports. Defaults to transport.DefaultRegistry.
	Transports *transport.Registry
	// Registerer receives every collector of the service. Defaults to the
	// Prometheus default registerer.
	Registerer prometheus.Registerer
	// Gatherer backs the /metrics endpoint. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
	// Tracer adds a span per processor and per delivered message.
	Tracer trace.Tracer
	// Retry overrides the connect template built from the configuration.
	Retry                     retry.Executor
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	Hooks                     JobHooks
}

// Service is the platform context of a flowmesh runtime. It owns the registry
// broker holding connectors and flows, the work pool, the reconnection
// handler and the HTTP endpoints.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	broker       *registry.Broker
	pool         *work.Pool
	reconnection *connector.ReconnectionHandler
	retry        retry.Executor
	transports   *transport.Registry
	registerer   prometheus.Registerer
	gatherer     prometheus.Gatherer
	tracer       trace.Tracer
	middlewares  []MiddlewareRegistration
	deadLetters  *DeadLetterMetrics
	resources    *resourceTracker
	state        *lifecycle.Manager

	httpServers   map[int]*http.ServeMux
	running       []*http.Server
	httpServersMu sync.Mutex
}

// NewService is TryNewService that panics on invalid configuration.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService validates conf and builds a Service. Register connectors and
// flows on the returned Service before or after calling Start.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	resolved := conf.WithDefaults()
	if err := resolved.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	log.Info("Creating flowmesh service", loggingpkg.LogFields{
		"pubsub_system": resolved.PubSubSystem,
		"config":        resolved.String(),
	})

	s := &Service{
		Conf:        &resolved,
		Logger:      log,
		transports:  deps.Transports,
		registerer:  deps.Registerer,
		gatherer:    deps.Gatherer,
		tracer:      deps.Tracer,
		resources:   newResourceTracker(),
		state:       lifecycle.NewManager("service"),
		httpServers: make(map[int]*http.ServeMux),
	}
	if s.transports == nil {
		s.transports = transport.DefaultRegistry
	}
	if s.registerer == nil {
		s.registerer = prometheus.DefaultRegisterer
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}

	s.pool = work.NewPool("service", resolved.WorkerCount, resolved.WorkQueueSize,
		work.WithLogger(log), work.WithMetrics(s.registerer))
	s.reconnection = connector.NewReconnectionHandler(s.pool, log)
	s.retry = deps.Retry
	if s.retry == nil {
		s.retry = retry.FromConfig(s.Conf,
			retry.WithLogger(log),
			retry.WithNotifier(retry.ConnectNotifier(log)),
		)
	}
	s.broker = registry.NewBroker(
		registry.WithKinds(registry.KindOf[connector.Connector](), registry.KindOf[*flow.Flow]()),
		registry.WithLogger(log),
	)
	s.broker.AddRegistry(registry.NewTransientRegistry(registry.DefaultRegistryName))

	deadLetters, err := NewDeadLetterMetrics(s.registerer)
	if err != nil {
		return nil, err
	}
	s.deadLetters = deadLetters

	if !deps.DisableDefaultMiddlewares {
		s.middlewares = append(s.middlewares, DefaultMiddlewares()...)
	}
	if !deps.Hooks.empty() {
		s.middlewares = append(s.middlewares, JobHooksMiddleware(deps.Hooks))
	}
	s.middlewares = append(s.middlewares, deps.Middlewares...)

	if _, err := s.NewTransportConnector(context.Background(), DefaultConnectorName, s.Conf); err != nil {
		return nil, err
	}
	s.registerEndpoints()
	return s, nil
}

func (s *Service) Broker() *registry.Broker { return s.broker }

// Scheduler returns the work pool of the service.
func (s *Service) Scheduler() work.Scheduler { return s.pool }

func (s *Service) WorkStats() work.Stats { return s.pool.Stats() }

func (s *Service) Reconnection() *connector.ReconnectionHandler { return s.reconnection }

func (s *Service) DeadLetters() *DeadLetterMetrics { return s.deadLetters }

func (s *Service) State() lifecycle.State { return s.state.State() }

// RegisterConnector adds c to the broker. Connectors registered while the
// service runs are started right away.
func (s *Service) RegisterConnector(ctx context.Context, c connector.Connector) error {
	if c == nil || c.Name() == "" {
		return errspkg.ErrNameRequired
	}
	return s.broker.RegisterObject(ctx, connectorKeyPrefix+c.Name(), c)
}

// NewTransportConnector builds a connector for the transport selected by cfg
// and registers it. A nil cfg uses the service configuration.
func (s *Service) NewTransportConnector(ctx context.Context, name string, cfg transport.Config) (*connector.TransportConnector, error) {
	if cfg == nil {
		cfg = s.Conf
	}
	c := connector.NewTransportConnector(name, cfg,
		connector.WithRegistry(s.transports),
		connector.WithConnectorOptions(
			connector.WithRetry(s.retry),
			connector.WithScheduler(s.pool),
			connector.WithLogger(s.Logger),
		),
	)
	if err := s.RegisterConnector(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// Connector returns the connector registered under name.
func (s *Service) Connector(name string) (connector.Connector, bool) {
	return registry.LookupKey[connector.Connector](s.broker, connectorKeyPrefix+name)
}

// TransportConnector returns the transport connector registered under name.
func (s *Service) TransportConnector(name string) (*connector.TransportConnector, error) {
	c, ok := registry.LookupKey[*connector.TransportConnector](s.broker, connectorKeyPrefix+name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errspkg.ErrConnectorNotFound, name)
	}
	return c, nil
}

// RegisterFlow builds a flow from cfg and registers it. Unset collaborators
// default to the service logger, tracer, registerer and reconnection handler.
func (s *Service) RegisterFlow(ctx context.Context, cfg flow.Config) (*flow.Flow, error) {
	if cfg.Logger == nil {
		cfg.Logger = s.Logger
	}
	if cfg.Tracer == nil {
		cfg.Tracer = s.tracer
	}
	if cfg.Registerer == nil {
		cfg.Registerer = s.registerer
	}
	if cfg.Reconnection == nil {
		cfg.Reconnection = s.reconnection
	}
	f, err := flow.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.broker.RegisterObject(ctx, flowKeyPrefix+f.Name(), f); err != nil {
		return nil, err
	}
	return f, nil
}

// Flow returns the flow registered under name.
func (s *Service) Flow(name string) (*flow.Flow, bool) {
	return registry.LookupKey[*flow.Flow](s.broker, flowKeyPrefix+name)
}

// Flows returns every registered flow.
func (s *Service) Flows() []*flow.Flow {
	return registry.Lookup[*flow.Flow](s.broker)
}

// Connectors returns every registered connector.
func (s *Service) Connectors() []connector.Connector {
	return registry.Lookup[connector.Connector](s.broker)
}

// UnregisterFlow stops, disposes and removes the flow called name.
func (s *Service) UnregisterFlow(ctx context.Context, name string) error {
	v, ok := s.broker.Unregister(flowKeyPrefix + name)
	if !ok {
		return fmt.Errorf("%w: %s", errspkg.ErrFlowNotFound, name)
	}
	f := v.(*flow.Flow)
	f.Dispose(ctx)
	return nil
}

// NewRouter builds a router that logs and traces like the service and keeps
// statistics when StatisticsEnabled is set.
func (s *Service) NewRouter(name string, strategy routing.Strategy, opts ...routing.Option) (*routing.Router, error) {
	base := []routing.Option{routing.WithLogger(s.Logger)}
	if s.tracer != nil {
		base = append(base, routing.WithTracer(s.tracer))
	}
	if s.Conf.StatisticsEnabled {
		stats, err := routing.NewStatistics(name, s.registerer)
		if err != nil {
			return nil, err
		}
		base = append(base, routing.WithStatistics(stats))
	}
	return routing.NewRouter(name, strategy, append(base, opts...)...), nil
}

// Initialise initialises every registered connector and flow.
func (s *Service) Initialise(ctx context.Context) error {
	return s.state.Initialise(func() error {
		return s.broker.Initialise(ctx)
	})
}

// Start starts the work pool, then connectors, then flows, then the HTTP
// endpoints.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Initialise(ctx); err != nil {
		return err
	}
	return s.state.Start(func() error {
		if err := s.pool.Start(ctx); err != nil && !errors.Is(err, work.ErrPoolAlreadyStarted) {
			return err
		}
		if err := s.broker.Start(ctx); err != nil {
			_ = s.pool.Stop(ctx)
			return err
		}
		s.startHTTPServers()
		s.Logger.Info("Service started", loggingpkg.LogFields{"flows": len(s.Flows()), "connectors": len(s.Connectors())})
		return nil
	})
}

// Stop shuts the HTTP endpoints down, stops flows before connectors and
// drains the work pool.
func (s *Service) Stop(ctx context.Context) error {
	return s.state.Stop(func() error {
		httpErr := s.stopHTTPServers(ctx)
		brokerErr := s.broker.Stop(ctx)
		poolErr := s.pool.Stop(ctx)
		s.Logger.Info("Service stopped", nil)
		return errors.Join(httpErr, brokerErr, poolErr)
	})
}

// Dispose stops the service when needed and disposes every registered object.
func (s *Service) Dispose(ctx context.Context) {
	if err := s.Stop(ctx); err != nil {
		s.Logger.Error("Stop failed during dispose", err, nil)
	}
	s.state.Dispose(func() {
		s.broker.Dispose(ctx)
		_ = s.pool.Stop(ctx)
	})
}

// Run starts the service and blocks until ctx is done, then stops and
// disposes it within shutdownTimeout.
func (s *Service) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	err := s.Stop(stopCtx)
	s.Dispose(stopCtx)
	return err
}

func (s *Service) registerEndpoints() {
	if s.Conf.MetricsEnabled && s.Conf.MetricsPort > 0 {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	s.registerStatusAPI()
}

// RegisterHTTPHandler serves handler under pattern on port once the service
// starts. Handlers sharing a port share a server.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}
	mux.Handle(pattern, handler)
}

// HTTPHandler returns the handler served on port, or nil.
func (s *Service) HTTPHandler(port int) http.Handler {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()
	mux, ok := s.httpServers[port]
	if !ok {
		return nil
	}
	return mux
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.running = append(s.running, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
}

func (s *Service) stopHTTPServers(ctx context.Context) error {
	s.httpServersMu.Lock()
	running := s.running
	s.running = nil
	s.httpServersMu.Unlock()

	var errs []error
	for _, srv := range running {
		if err := srv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", srv.Addr, err))
		}
	}
	return errors.Join(errs...)
}
