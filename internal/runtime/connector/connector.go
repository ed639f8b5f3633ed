// Package connector owns the lifecycle of transport connections and recovers
// them after connectivity failures.
package connector

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
	"github.com/drblury/flowmesh/internal/runtime/retry"
	"github.com/drblury/flowmesh/internal/runtime/work"
)

// Connector is a managed connection to an external system.
type Connector interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsStarted() bool
	IsConnecting() bool
}

// ConnectError reports a connectivity failure of a connector. Flows hand it
// to a ReconnectionHandler.
type ConnectError struct {
	Connector Connector
	Err       error
}

func NewConnectError(c Connector, err error) *ConnectError {
	return &ConnectError{Connector: c, Err: err}
}

func (e *ConnectError) Error() string {
	if e.Connector == nil {
		return fmt.Sprintf("flowmesh: connection failure: %v", e.Err)
	}
	return fmt.Sprintf("flowmesh: connector %s: %v", e.Connector.Name(), e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

func (e *ConnectError) ErrorType() errspkg.ErrorType {
	return errspkg.Connectivity
}

// AsConnectError finds the first ConnectError in err's chain.
func AsConnectError(err error) (*ConnectError, bool) {
	var ce *ConnectError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// Dialer opens and closes the transport-specific resources of a connector.
type Dialer interface {
	Dial(ctx context.Context) error
	Close(ctx context.Context) error
}

// DialerFuncs adapts two functions to Dialer. A nil function is a no-op.
type DialerFuncs struct {
	DialFunc  func(ctx context.Context) error
	CloseFunc func(ctx context.Context) error
}

func (d DialerFuncs) Dial(ctx context.Context) error {
	if d.DialFunc == nil {
		return nil
	}
	return d.DialFunc(ctx)
}

func (d DialerFuncs) Close(ctx context.Context) error {
	if d.CloseFunc == nil {
		return nil
	}
	return d.CloseFunc(ctx)
}

// Receiver is notified when its connector starts or stops so it can
// subscribe again after a reconnection.
type Receiver interface {
	ConnectorStarted(ctx context.Context) error
	ConnectorStopped(ctx context.Context) error
}

// Status of a connector connection.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Option configures a Base.
type Option func(*Base)

// WithRetry sets the template Start connects through. The default does not
// retry.
func WithRetry(exec retry.Executor) Option {
	return func(b *Base) {
		if exec != nil {
			b.retry = exec
		}
	}
}

// WithScheduler sets the scheduler handed to asynchronous retry templates.
func WithScheduler(s work.Scheduler) Option {
	return func(b *Base) { b.scheduler = s }
}

func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(b *Base) { b.logger = loggingpkg.Component(log, "connector", b.name) }
}

// Base implements Connector on top of a Dialer. Start connects through the
// retry template and then resumes the registered receivers.
type Base struct {
	// self is the connector reported in ConnectErrors, the embedding type
	// when Base is embedded.
	self      Connector
	name      string
	dialer    Dialer
	retry     retry.Executor
	scheduler work.Scheduler
	logger    loggingpkg.ServiceLogger

	// mu serialises Start, Stop and Dispose.
	mu      sync.Mutex
	connMu  sync.Mutex
	status  atomic.Int32
	started atomic.Bool

	receiversMu sync.RWMutex
	receivers   []Receiver
}

var _ Connector = (*Base)(nil)

func NewBase(name string, dialer Dialer, opts ...Option) *Base {
	b := &Base{
		name:   name,
		dialer: dialer,
		retry:  retry.NewNoRetryTemplate(),
		logger: loggingpkg.Nop(),
	}
	b.self = b
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Base) Name() string { return b.name }

func (b *Base) Status() Status { return Status(b.status.Load()) }

func (b *Base) IsConnected() bool { return b.Status() == StatusConnected }

func (b *Base) IsConnecting() bool { return b.Status() == StatusConnecting }

func (b *Base) IsStarted() bool { return b.started.Load() }

// Connect dials once. Failures are returned as *ConnectError.
func (b *Base) Connect(ctx context.Context) error {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.IsConnected() {
		return nil
	}
	if err := b.dialer.Dial(ctx); err != nil {
		return NewConnectError(b.self, err)
	}
	b.status.Store(int32(StatusConnected))
	b.logger.Debug("Connected", nil)
	return nil
}

// Disconnect closes the connection. The connector counts as disconnected
// even when closing fails.
func (b *Base) Disconnect(ctx context.Context) error {
	b.connMu.Lock()
	defer b.connMu.Unlock()

	if b.Status() == StatusDisconnected {
		return nil
	}
	b.status.Store(int32(StatusDisconnected))
	if err := b.dialer.Close(ctx); err != nil {
		return NewConnectError(b.self, err)
	}
	b.logger.Debug("Disconnected", nil)
	return nil
}

// Start connects through the retry template and resumes receivers. The
// connector reports IsConnecting for the duration. With an asynchronous
// template Start returns once the attempt is scheduled.
func (b *Base) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started.Load() {
		return nil
	}
	if !b.status.CompareAndSwap(int32(StatusDisconnected), int32(StatusConnecting)) && !b.IsConnected() {
		return nil
	}

	cb := retry.NewCallback(b.name, "connect "+b.name, func(ctx context.Context, _ *retry.Context) error {
		return b.connectAndResume(ctx)
	})
	rc, err := b.retry.Execute(ctx, cb, b.scheduler)
	if err != nil {
		b.settle()
		return err
	}
	select {
	case <-rc.Done():
		b.settle()
	default:
		go func() {
			<-rc.Done()
			if err := rc.Err(); err != nil {
				b.logger.Error("Asynchronous connect failed", err, nil)
			}
			b.settle()
		}()
	}
	return nil
}

func (b *Base) connectAndResume(ctx context.Context) error {
	if err := b.Connect(ctx); err != nil {
		return err
	}
	if err := b.notify(ctx, true); err != nil {
		return NewConnectError(b.self, err)
	}
	b.started.Store(true)
	b.logger.Info("Started", nil)
	return nil
}

// settle leaves the connecting state after a failed start.
func (b *Base) settle() {
	b.status.CompareAndSwap(int32(StatusConnecting), int32(StatusDisconnected))
}

// Stop suspends the receivers. The connection stays open.
func (b *Base) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.started.Swap(false) {
		return nil
	}
	err := b.notify(ctx, false)
	b.logger.Info("Stopped", nil)
	return err
}

// Dispose stops and disconnects, logging failures.
func (b *Base) Dispose(ctx context.Context) {
	if err := b.Stop(ctx); err != nil {
		b.logger.Error("Stop failed during dispose", err, nil)
	}
	if err := b.Disconnect(ctx); err != nil {
		b.logger.Error("Disconnect failed during dispose", err, nil)
	}
}

// AddReceiver registers r. Receivers added while the connector is started
// are resumed immediately.
func (b *Base) AddReceiver(ctx context.Context, r Receiver) error {
	b.receiversMu.Lock()
	b.receivers = append(b.receivers, r)
	b.receiversMu.Unlock()
	if b.IsStarted() {
		return r.ConnectorStarted(ctx)
	}
	return nil
}

func (b *Base) RemoveReceiver(r Receiver) {
	b.receiversMu.Lock()
	defer b.receiversMu.Unlock()
	b.receivers = slices.DeleteFunc(b.receivers, func(other Receiver) bool { return other == r })
}

func (b *Base) notify(ctx context.Context, started bool) error {
	b.receiversMu.RLock()
	receivers := slices.Clone(b.receivers)
	b.receiversMu.RUnlock()

	var errs []error
	for _, r := range receivers {
		var err error
		if started {
			err = r.ConnectorStarted(ctx)
		} else {
			err = r.ConnectorStopped(ctx)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
