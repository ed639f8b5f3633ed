// Package flow binds a message source to a processor chain.
package flow

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/flowmesh/internal/runtime/connector"
	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	eventpkg "github.com/drblury/flowmesh/internal/runtime/event"
	"github.com/drblury/flowmesh/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
	"github.com/drblury/flowmesh/internal/runtime/processor"
	"github.com/drblury/flowmesh/internal/runtime/transaction"
)

// MessageSource delivers inbound events to a listener.
type MessageSource interface {
	SetListener(p processor.Processor)
}

// lossReporter is implemented by sources that notice when their
// subscription breaks.
type lossReporter interface {
	OnConnectionLost(fn func(ctx context.Context, ce *connector.ConnectError))
}

// Config describes a flow.
type Config struct {
	Name string
	// Source is optional. Flows without one are driven through Process.
	Source     MessageSource
	Processors []processor.Processor
	// ExceptionHandler defaults to a DefaultExceptionHandler using
	// Reconnection.
	ExceptionHandler ExceptionHandler
	Reconnection     *connector.ReconnectionHandler
	Transaction      transaction.Config
	Logger           loggingpkg.ServiceLogger
	// Tracer enables one span per processor.
	Tracer trace.Tracer
	// Registerer receives the flow collectors. Nil means the default
	// Prometheus registerer.
	Registerer prometheus.Registerer
}

// Flow is a named processing pipeline. Events enter through the source or
// through Process, run through the chain, and failures go to the exception
// handler.
type Flow struct {
	name    string
	source  MessageSource
	chain   *processor.Chain
	handler ExceptionHandler
	tx      *transaction.Template
	stats   *Statistics
	logger  loggingpkg.ServiceLogger
	state   *lifecycle.Manager
}

var _ processor.Processor = (*Flow)(nil)

// New builds a flow and makes it the listener of its source.
func New(cfg Config) (*Flow, error) {
	if cfg.Name == "" {
		return nil, errspkg.ErrNameRequired
	}
	logger := loggingpkg.Component(cfg.Logger, "flow", cfg.Name)
	stats, err := NewStatistics(cfg.Name, cfg.Registerer)
	if err != nil {
		return nil, err
	}

	chain := processor.NewChain(cfg.Name, cfg.Processors...).WithLogger(logger)
	if cfg.Tracer != nil {
		chain.WithTracer(cfg.Tracer)
	}
	handler := cfg.ExceptionHandler
	if handler == nil {
		handler = NewDefaultExceptionHandler(logger, cfg.Reconnection)
	}

	f := &Flow{
		name:    cfg.Name,
		source:  cfg.Source,
		chain:   chain,
		handler: handler,
		tx:      transaction.NewTemplate(cfg.Transaction),
		stats:   stats,
		logger:  logger,
		state:   lifecycle.NewManager("flow " + cfg.Name),
	}
	if f.source != nil {
		f.source.SetListener(f)
		if lr, ok := f.source.(lossReporter); ok && cfg.Reconnection != nil {
			reconnection := cfg.Reconnection
			lr.OnConnectionLost(func(ctx context.Context, ce *connector.ConnectError) {
				reconnection.HandleReconnection(ctx, ce)
			})
		}
	}
	return f, nil
}

func (f *Flow) Name() string { return f.name }

func (f *Flow) Source() MessageSource { return f.source }

func (f *Flow) Chain() *processor.Chain { return f.chain }

func (f *Flow) Statistics() *Statistics { return f.stats }

func (f *Flow) State() lifecycle.State { return f.state.State() }

// Process runs ev through the chain. Failures are handed to the exception
// handler, whose result is returned.
func (f *Flow) Process(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
	if !f.state.IsStarted() {
		return nil, eventpkg.NewMessagingError(ev, errspkg.ErrFlowNotStarted)
	}

	f.stats.received()
	start := time.Now()
	out, err := transaction.Execute(ctx, f.tx, func(ctx context.Context) (*eventpkg.Event, error) {
		return f.chain.Process(ctx, ev)
	})
	if err == nil {
		outcome := OutcomeProcessed
		if out == nil {
			outcome = OutcomeFiltered
		}
		f.stats.finished(outcome, time.Since(start), nil)
		return out, nil
	}

	failed := ev
	if me, ok := eventpkg.AsMessagingError(err); ok && me.Event != nil {
		failed = me.Event
	}
	handled, herr := f.handler.HandleException(ctx, failed, err)
	if herr != nil {
		f.stats.finished(OutcomeFailed, time.Since(start), err)
		return nil, eventpkg.Wrap(failed, herr)
	}
	f.stats.finished(OutcomeCaught, time.Since(start), err)
	return handled, nil
}

// Initialise initialises the chain, then the source.
func (f *Flow) Initialise(ctx context.Context) error {
	return f.state.Initialise(func() error {
		if err := f.chain.Initialise(ctx); err != nil {
			return err
		}
		return lifecycle.Apply(ctx, lifecycle.PhaseInitialise, f.source)
	})
}

// Start starts the chain before the source, so the first delivered event
// finds a running chain.
func (f *Flow) Start(ctx context.Context) error {
	err := f.state.Start(func() error {
		if err := f.chain.Start(ctx); err != nil {
			return err
		}
		if err := lifecycle.Apply(ctx, lifecycle.PhaseStart, f.source); err != nil {
			_ = f.chain.Stop(ctx)
			return err
		}
		return nil
	})
	if err == nil {
		f.logger.Info("Flow started", nil)
	}
	return err
}

// Stop stops the source before the chain.
func (f *Flow) Stop(ctx context.Context) error {
	return f.state.Stop(func() error {
		srcErr := lifecycle.Apply(ctx, lifecycle.PhaseStop, f.source)
		chainErr := f.chain.Stop(ctx)
		if srcErr != nil {
			return srcErr
		}
		return chainErr
	})
}

func (f *Flow) Dispose(ctx context.Context) {
	if err := f.Stop(ctx); err != nil {
		f.logger.Error("Stop failed during dispose", err, nil)
	}
	f.state.Dispose(func() {
		_ = lifecycle.Apply(ctx, lifecycle.PhaseDispose, f.source)
		f.chain.Dispose(ctx)
	})
}
