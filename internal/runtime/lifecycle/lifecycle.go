package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrInvalidTransition is returned when a phase is requested from a state that
// does not allow it, for example starting a disposed flow.
var ErrInvalidTransition = errors.New("flowmesh: invalid lifecycle transition")

// State is the lifecycle state of a managed object.
type State int32

const (
	StateNew State = iota
	StateInitialising
	StateInitialised
	StateStarting
	StateStarted
	StateStopping
	StateStopped
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateInitialising:
		return "initialising"
	case StateInitialised:
		return "initialised"
	case StateStarting:
		return "starting"
	case StateStarted:
		return "started"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

type Initialisable interface {
	Initialise(ctx context.Context) error
}

type Startable interface {
	Start(ctx context.Context) error
}

type Stoppable interface {
	Stop(ctx context.Context) error
}

type Disposable interface {
	Dispose(ctx context.Context)
}

// Manager guards the state machine
//
//	new -> initialising -> initialised -> starting -> started
//	started -> stopping -> stopped -> starting ...
//	any -> disposed
//
// Transitions are serialized. Requesting the phase an object is already in
// is a no-op. Phase callbacks run while the transition lock is held and must
// not call back into the same Manager's phase methods; State is lock free.
type Manager struct {
	name  string
	mu    sync.Mutex
	state atomic.Int32
}

func NewManager(name string) *Manager {
	return &Manager{name: name}
}

func (m *Manager) State() State {
	return State(m.state.Load())
}

func (m *Manager) IsInitialised() bool {
	s := m.State()
	return s >= StateInitialised && s != StateDisposed
}

func (m *Manager) IsStarted() bool {
	return m.State() == StateStarted
}

func (m *Manager) IsDisposed() bool {
	return m.State() == StateDisposed
}

// Initialise runs fn once, moving new -> initialised.
func (m *Manager) Initialise(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case StateNew:
	case StateDisposed:
		return m.invalid("initialise")
	default:
		return nil
	}
	m.set(StateInitialising)
	if err := call(fn); err != nil {
		m.set(StateNew)
		return err
	}
	m.set(StateInitialised)
	return nil
}

// Start moves initialised or stopped -> started. A failed start leaves the
// manager in its previous state.
func (m *Manager) Start(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.State()
	switch prev {
	case StateInitialised, StateStopped:
	case StateStarted:
		return nil
	default:
		return m.invalid("start")
	}
	m.set(StateStarting)
	if err := call(fn); err != nil {
		m.set(prev)
		return err
	}
	m.set(StateStarted)
	return nil
}

// Stop moves started -> stopped. Stopping anything that is not started is a
// no-op. The manager ends up stopped even when fn fails.
func (m *Manager) Stop(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() != StateStarted {
		return nil
	}
	m.set(StateStopping)
	err := call(fn)
	m.set(StateStopped)
	return err
}

// Dispose runs fn once and makes the manager terminal. Callers stop the
// object first.
func (m *Manager) Dispose(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.State() == StateDisposed {
		return
	}
	if fn != nil {
		fn()
	}
	m.set(StateDisposed)
}

// Hold runs fn with the current state while no transition is in progress,
// so fn and the phase callbacks never overlap. fn must not call the phase
// methods of the same Manager.
func (m *Manager) Hold(fn func(State) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return fn(m.State())
}

func (m *Manager) set(s State) {
	m.state.Store(int32(s))
}

func (m *Manager) invalid(phase string) error {
	return fmt.Errorf("%w: cannot %s %s while %s", ErrInvalidTransition, phase, m.name, m.State())
}

func call(fn func() error) error {
	if fn == nil {
		return nil
	}
	return fn()
}
