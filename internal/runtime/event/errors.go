package event

import (
	"errors"
	"fmt"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
)

// MessagingError is a processing failure together with the event that was
// in flight when it happened.
type MessagingError struct {
	Event *Event
	Err   error
}

func NewMessagingError(ev *Event, err error) *MessagingError {
	return &MessagingError{Event: ev, Err: err}
}

func (e *MessagingError) Error() string {
	if e.Event == nil {
		return fmt.Sprintf("flowmesh: messaging failure: %v", e.Err)
	}
	return fmt.Sprintf("flowmesh: messaging failure on event %s: %v", e.Event.ID(), e.Err)
}

func (e *MessagingError) Unwrap() error {
	return e.Err
}

func (e *MessagingError) ErrorType() errspkg.ErrorType {
	return errspkg.Classify(e.Err)
}

// RoutingError is a MessagingError raised by an outbound route.
type RoutingError struct {
	*MessagingError
	Route string
}

func NewRoutingError(ev *Event, route string, err error) *RoutingError {
	return &RoutingError{MessagingError: NewMessagingError(ev, err), Route: route}
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("flowmesh: route %q failed: %v", e.Route, e.Err)
}

func (e *RoutingError) Unwrap() error {
	return e.MessagingError
}

func (e *RoutingError) ErrorType() errspkg.ErrorType {
	if t := errspkg.Classify(e.Err); t != errspkg.Unknown {
		return t
	}
	return errspkg.Routing
}

// DispatchError reports that no viable route or binding exists for an event.
type DispatchError struct {
	*MessagingError
}

func NewDispatchError(ev *Event, err error) *DispatchError {
	return &DispatchError{MessagingError: NewMessagingError(ev, err)}
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("flowmesh: dispatch failed: %v", e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.MessagingError
}

func (e *DispatchError) ErrorType() errspkg.ErrorType {
	return errspkg.Routing
}

// AsMessagingError finds the first MessagingError in err's chain.
func AsMessagingError(err error) (*MessagingError, bool) {
	var me *MessagingError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

// Wrap returns err unchanged when it already carries an event, otherwise it
// wraps err in a MessagingError for ev.
func Wrap(ev *Event, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := AsMessagingError(err); ok {
		return err
	}
	return NewMessagingError(ev, err)
}
