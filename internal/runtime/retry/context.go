package retry

import (
	"context"
	"maps"
	"sync"

	"github.com/drblury/flowmesh/internal/runtime/ids"
	"github.com/drblury/flowmesh/internal/runtime/work"
)

// Callback is the unit of work retried by a Template.
type Callback interface {
	DoWork(ctx context.Context, rc *Context) error
	// WorkDescription names the work in logs and spans.
	WorkDescription() string
	// WorkOwner identifies what the work belongs to, usually a connector.
	WorkOwner() string
}

type callback struct {
	owner       string
	description string
	fn          func(ctx context.Context, rc *Context) error
}

// NewCallback adapts fn to Callback.
func NewCallback(owner, description string, fn func(ctx context.Context, rc *Context) error) Callback {
	return &callback{owner: owner, description: description, fn: fn}
}

func (c *callback) DoWork(ctx context.Context, rc *Context) error { return c.fn(ctx, rc) }
func (c *callback) WorkDescription() string                      { return c.description }
func (c *callback) WorkOwner() string                            { return c.owner }

// Context is created for every Execute call and tracks that invocation only.
// It is safe to read while an asynchronous execution is still running.
type Context struct {
	id          string
	description string
	owner       string
	scheduler   work.Scheduler

	mu          sync.Mutex
	metadata    map[string]any
	attempts    int
	lastFailure error
	err         error
	done        chan struct{}
	finished    bool
}

func newContext(cb Callback, metadata map[string]any, scheduler work.Scheduler) *Context {
	return &Context{
		id:          ids.CreateUUID(),
		description: cb.WorkDescription(),
		owner:       cb.WorkOwner(),
		scheduler:   scheduler,
		metadata:    maps.Clone(metadata),
		done:        make(chan struct{}),
	}
}

func (c *Context) ID() string          { return c.id }
func (c *Context) Description() string { return c.description }
func (c *Context) Owner() string       { return c.owner }

// Scheduler is the scheduler handed to Execute. It may be nil.
func (c *Context) Scheduler() work.Scheduler { return c.scheduler }

// Metadata returns a copy of the context metadata.
func (c *Context) Metadata() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.metadata)
}

// SetMetadata stores a value visible to later attempts of the same
// invocation.
func (c *Context) SetMetadata(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.metadata == nil {
		c.metadata = make(map[string]any)
	}
	c.metadata[key] = value
}

// Attempts is the number of retries granted by the policy so far. The first
// run of the work is not a retry.
func (c *Context) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// LastFailure is the most recent error returned by the work.
func (c *Context) LastFailure() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFailure
}

// Err is the terminal error once the invocation has finished unsuccessfully.
func (c *Context) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Context) IsFailed() bool { return c.Err() != nil }

// Done is closed when the invocation finishes, successfully or not.
func (c *Context) Done() <-chan struct{} { return c.done }

func (c *Context) recordFailure(err error) {
	c.mu.Lock()
	c.lastFailure = err
	c.mu.Unlock()
}

func (c *Context) retried() {
	c.mu.Lock()
	c.attempts++
	c.mu.Unlock()
}

func (c *Context) finish(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finished {
		return
	}
	c.finished = true
	c.err = err
	close(c.done)
}
