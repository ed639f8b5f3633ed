package work

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/flowmesh/internal/runtime/ids"
	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
	"github.com/drblury/flowmesh/internal/runtime/metrics"
)

var (
	ErrQueueFull          = errors.New("flowmesh: work queue is full")
	ErrPoolNotRunning     = errors.New("flowmesh: work pool is not running")
	ErrPoolAlreadyStarted = errors.New("flowmesh: work pool already started")
	ErrStopTimeout        = errors.New("flowmesh: work pool stop timed out")
	ErrNilWork            = errors.New("flowmesh: work is nil")
)

// Work is a unit of asynchronous work. The context is owned by the scheduler
// and is cancelled when the scheduler stops.
type Work func(ctx context.Context) error

// Scheduler runs work asynchronously, never on the caller's goroutine.
type Scheduler interface {
	ScheduleWork(ctx context.Context, name string, w Work) error
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(ctx context.Context, name string, w Work) error

func (f SchedulerFunc) ScheduleWork(ctx context.Context, name string, w Work) error {
	return f(ctx, name, w)
}

type item struct {
	id   string
	name string
	work Work
}

// Stats is a point-in-time view of a Pool.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Rejected   int64 `json:"rejected"`
}

// Pool is a bounded worker pool implementing Scheduler. Submission never
// blocks: a full queue rejects the work with ErrQueueFull.
type Pool struct {
	workers   int
	queueSize int
	logger    loggingpkg.ServiceLogger

	queue  chan item
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64

	outcomes *prometheus.CounterVec
	depth    *prometheus.GaugeVec
	name     string
}

// Option configures a Pool.
type Option func(*Pool)

func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(p *Pool) { p.logger = loggingpkg.Component(log, "work-pool", p.name) }
}

// WithMetrics exports pool counters through reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(p *Pool) {
		outcomes, err := metrics.Register(reg, metrics.NewCounterVec("work", "items_total", "Scheduled work items by outcome", "pool", "outcome"))
		if err == nil {
			p.outcomes = outcomes
		}
		depth, err := metrics.Register(reg, metrics.NewGaugeVec("work", "queue_depth", "Work items waiting in the queue", "pool"))
		if err == nil {
			p.depth = depth
		}
	}
}

// NewPool creates a pool. Non-positive sizes fall back to 4 workers and a
// queue of 64.
func NewPool(name string, workers, queueSize int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	p := &Pool{
		name:      name,
		workers:   workers,
		queueSize: queueSize,
		logger:    loggingpkg.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the workers. They run until Stop or until ctx is done.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return ErrPoolAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.queue = make(chan item, p.queueSize)
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(runCtx, p.queue)
	}
	p.running = true
	p.logger.Debug("Work pool started", loggingpkg.LogFields{"workers": p.workers, "queue_size": p.queueSize})
	return nil
}

// Stop cancels the context of running and queued work, then waits until
// the workers have drained the queue or ctx is done. Work waiting on its
// context, such as a retry sleeping between attempts, returns promptly.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	close(p.queue)
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Debug("Work pool stopped", nil)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrStopTimeout, ctx.Err())
	}
}

// ScheduleWork enqueues w. It returns ErrQueueFull when the queue is at
// capacity and ErrPoolNotRunning before Start or after Stop.
func (p *Pool) ScheduleWork(ctx context.Context, name string, w Work) error {
	if w == nil {
		return ErrNilWork
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.running {
		return ErrPoolNotRunning
	}
	it := item{id: ids.CreateUUID(), name: name, work: w}
	select {
	case p.queue <- it:
		p.submitted.Add(1)
		p.observeDepth(len(p.queue))
		return nil
	default:
		p.rejected.Add(1)
		p.count("rejected")
		return ErrQueueFull
	}
}

func (p *Pool) Stats() Stats {
	p.mu.RLock()
	depth := len(p.queue)
	p.mu.RUnlock()
	return Stats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: depth,
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Rejected:   p.rejected.Load(),
	}
}

func (p *Pool) worker(ctx context.Context, queue <-chan item) {
	defer p.wg.Done()
	for it := range queue {
		p.observeDepth(len(queue))
		p.run(ctx, it)
	}
}

func (p *Pool) run(ctx context.Context, it item) {
	fields := loggingpkg.LogFields{"work": it.name, "work_id": it.id}
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in work %s: %v", it.name, r)
			}
		}()
		return it.work(ctx)
	}()

	fields["duration"] = time.Since(start)
	if err != nil {
		p.failed.Add(1)
		p.count("failed")
		p.logger.Error("Scheduled work failed", err, fields)
		return
	}
	p.completed.Add(1)
	p.count("completed")
	p.logger.Trace("Scheduled work completed", fields)
}

func (p *Pool) count(outcome string) {
	if p.outcomes != nil {
		p.outcomes.WithLabelValues(p.name, outcome).Inc()
	}
}

func (p *Pool) observeDepth(depth int) {
	if p.depth != nil {
		p.depth.WithLabelValues(p.name).Set(float64(depth))
	}
}
