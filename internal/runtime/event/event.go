package event

import (
	"fmt"
	"time"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	"github.com/drblury/flowmesh/internal/runtime/ids"
)

// ErrorInfo is the failure captured on an event.
type ErrorInfo struct {
	Cause       error
	Type        errspkg.ErrorType
	Description string
}

// Event is the immutable message envelope threaded through a flow. All
// changes go through a Builder and produce a new Event.
type Event struct {
	id            string
	correlationID string
	createdAt     time.Time
	payload       any
	variables     Variables
	properties    Properties
	err           *ErrorInfo
}

func (e *Event) ID() string            { return e.id }
func (e *Event) CorrelationID() string { return e.correlationID }
func (e *Event) CreatedAt() time.Time  { return e.createdAt }
func (e *Event) Payload() any          { return e.payload }

// Variable returns a single flow variable.
func (e *Event) Variable(name string) (any, bool) {
	v, ok := e.variables[name]
	return v, ok
}

// Variables returns a copy of all flow variables.
func (e *Event) Variables() Variables {
	return e.variables.Clone()
}

// Property returns a single transport property, or "" when absent.
func (e *Event) Property(name string) string {
	return e.properties[name]
}

// Properties returns a copy of all transport properties.
func (e *Event) Properties() Properties {
	return e.properties.Clone()
}

// Error returns the captured failure, or nil.
func (e *Event) Error() *ErrorInfo {
	if e.err == nil {
		return nil
	}
	info := *e.err
	return &info
}

func (e *Event) HasError() bool {
	return e.err != nil
}

func (e *Event) String() string {
	return fmt.Sprintf("Event{id=%s correlation=%s payload=%T}", e.id, e.correlationID, e.payload)
}

// Builder derives events. A builder shares the maps of the event it was
// created from and copies them on the first mutation, so neither the source
// event nor previously built events ever change.
type Builder struct {
	ev       Event
	ownVars  bool
	ownProps bool
}

// New starts a new event with a fresh id carrying payload.
func New(payload any) *Builder {
	return &Builder{
		ev: Event{
			id:         ids.CreateULID(),
			createdAt:  time.Now(),
			payload:    payload,
			variables:  Variables{},
			properties: Properties{},
		},
		ownVars:  true,
		ownProps: true,
	}
}

// From starts a builder that keeps the identity and state of ev.
func From(ev *Event) *Builder {
	return &Builder{ev: *ev}
}

// ID overrides the event id, for example with an inbound message UUID.
func (b *Builder) ID(id string) *Builder {
	if id != "" {
		b.ev.id = id
	}
	return b
}

func (b *Builder) Payload(payload any) *Builder {
	b.ev.payload = payload
	return b
}

func (b *Builder) CorrelationID(id string) *Builder {
	b.ev.correlationID = id
	return b
}

func (b *Builder) Variable(name string, value any) *Builder {
	b.mutableVars()[name] = value
	return b
}

// Variables merges vars into the builder's variables.
func (b *Builder) Variables(vars Variables) *Builder {
	if len(vars) == 0 {
		return b
	}
	target := b.mutableVars()
	for k, v := range vars {
		target[k] = v
	}
	return b
}

func (b *Builder) RemoveVariable(name string) *Builder {
	if _, ok := b.ev.variables[name]; ok {
		delete(b.mutableVars(), name)
	}
	return b
}

func (b *Builder) Property(name, value string) *Builder {
	b.mutableProps()[name] = value
	return b
}

// Properties merges props into the builder's properties.
func (b *Builder) Properties(props Properties) *Builder {
	if len(props) == 0 {
		return b
	}
	target := b.mutableProps()
	for k, v := range props {
		target[k] = v
	}
	return b
}

func (b *Builder) RemoveProperty(name string) *Builder {
	if _, ok := b.ev.properties[name]; ok {
		delete(b.mutableProps(), name)
	}
	return b
}

// Error captures err, classified by its type.
func (b *Builder) Error(err error) *Builder {
	if err == nil {
		return b.ClearError()
	}
	b.ev.err = &ErrorInfo{Cause: err, Type: errspkg.Classify(err), Description: err.Error()}
	return b
}

func (b *Builder) ErrorInfo(info ErrorInfo) *Builder {
	b.ev.err = &info
	return b
}

func (b *Builder) ClearError() *Builder {
	b.ev.err = nil
	return b
}

// Build returns the event. The builder stays usable; later changes produce
// other events.
func (b *Builder) Build() *Event {
	ev := b.ev
	if ev.correlationID == "" {
		ev.correlationID = ev.id
	}
	if ev.variables == nil {
		ev.variables = Variables{}
	}
	if ev.properties == nil {
		ev.properties = Properties{}
	}
	b.ev.variables = ev.variables
	b.ev.properties = ev.properties
	b.ownVars = false
	b.ownProps = false
	return &ev
}

func (b *Builder) mutableVars() Variables {
	if !b.ownVars {
		b.ev.variables = b.ev.variables.Clone()
		b.ownVars = true
	}
	return b.ev.variables
}

func (b *Builder) mutableProps() Properties {
	if !b.ownProps {
		b.ev.properties = b.ev.properties.Clone()
		b.ownProps = true
	}
	return b.ev.properties
}
