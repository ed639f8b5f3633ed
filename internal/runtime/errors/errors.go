package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired             = sterrors.New("flowmesh: configuration is required")
	ErrLoggerRequired             = sterrors.New("flowmesh: logger is required")
	ErrNameRequired               = sterrors.New("flowmesh: name is required")
	ErrProcessorRequired          = sterrors.New("flowmesh: processor is required")
	ErrTopicRequired              = sterrors.New("flowmesh: topic is required")
	ErrPublisherRequired          = sterrors.New("flowmesh: publisher is required")
	ErrSchedulerRequired          = sterrors.New("flowmesh: work scheduler is required")
	ErrRegistryRequired           = sterrors.New("flowmesh: registry is required")
	ErrDuplicateName              = sterrors.New("flowmesh: name already registered")
	ErrRouteNotFound              = sterrors.New("flowmesh: route not found")
	ErrNoRouteMatched             = sterrors.New("flowmesh: no route matched the event")
	ErrUnknownMethod              = sterrors.New("flowmesh: no binding for method")
	ErrNotConnected               = sterrors.New("flowmesh: connector is not connected")
	ErrFlowNotStarted             = sterrors.New("flowmesh: flow is not started")
	ErrRouterDisposed             = sterrors.New("flowmesh: router is disposed")
	ErrRetryInterrupted           = sterrors.New("flowmesh: retry interrupted")
	ErrTransactionRequired        = sterrors.New("flowmesh: transaction required but none is active")
	ErrTransactionNotAllowed      = sterrors.New("flowmesh: transaction active but not allowed")
	ErrTransactionFactoryRequired = sterrors.New("flowmesh: transaction factory is required to begin a transaction")
	ErrEventPayloadType           = sterrors.New("flowmesh: unsupported event payload type")
	ErrEventRequired              = sterrors.New("flowmesh: event is required")
	ErrServiceRequired            = sterrors.New("flowmesh: service is required")
	ErrConnectorNotFound          = sterrors.New("flowmesh: connector not found")
	ErrFlowNotFound               = sterrors.New("flowmesh: flow not found")
)

// ConfigValidationError wraps an invalid configuration problem.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "flowmesh: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil for a nil err.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// RetryPolicyExhaustedError is returned once a retry policy gives up. It keeps
// the last failure and the owner of the retried work for diagnostics.
type RetryPolicyExhaustedError struct {
	Cause    error
	Owner    string
	Attempts int
}

func (e *RetryPolicyExhaustedError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("flowmesh: retry policy exhausted after %d attempts: %v", e.Attempts, e.Cause)
	}
	return fmt.Sprintf("flowmesh: retry policy exhausted for %s after %d attempts: %v", e.Owner, e.Attempts, e.Cause)
}

func (e *RetryPolicyExhaustedError) Unwrap() error {
	return e.Cause
}

func (e *RetryPolicyExhaustedError) ErrorType() ErrorType {
	return RetryExhausted
}
