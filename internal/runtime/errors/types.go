package errors

import (
	"context"
	sterrors "errors"
)

// ErrorType classifies failures captured on an event.
type ErrorType struct {
	Namespace  string
	Identifier string
}

func (t ErrorType) String() string {
	return t.Namespace + ":" + t.Identifier
}

// Matches reports whether t is other or other is the ANY wildcard of t's
// namespace.
func (t ErrorType) Matches(other ErrorType) bool {
	if other == Any {
		return true
	}
	if other.Identifier == Any.Identifier {
		return other.Namespace == t.Namespace
	}
	return t == other
}

const CoreNamespace = "FLOWMESH"

var (
	Any            = ErrorType{Namespace: CoreNamespace, Identifier: "ANY"}
	Connectivity   = ErrorType{Namespace: CoreNamespace, Identifier: "CONNECTIVITY"}
	Routing        = ErrorType{Namespace: CoreNamespace, Identifier: "ROUTING"}
	RetryExhausted = ErrorType{Namespace: CoreNamespace, Identifier: "RETRY_EXHAUSTED"}
	Transformation = ErrorType{Namespace: CoreNamespace, Identifier: "TRANSFORMATION"}
	Expression     = ErrorType{Namespace: CoreNamespace, Identifier: "EXPRESSION"}
	Timeout        = ErrorType{Namespace: CoreNamespace, Identifier: "TIMEOUT"}
	Unknown        = ErrorType{Namespace: CoreNamespace, Identifier: "UNKNOWN"}
)

// Typed is implemented by errors that know their own classification.
type Typed interface {
	ErrorType() ErrorType
}

// Classify returns the type of the outermost typed error in err's chain.
func Classify(err error) ErrorType {
	if err == nil {
		return Unknown
	}
	var typed Typed
	if sterrors.As(err, &typed) {
		return typed.ErrorType()
	}
	if sterrors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	return Unknown
}

// IsInterruption reports whether err signals cancellation of the surrounding
// work rather than an ordinary failure.
func IsInterruption(err error) bool {
	return sterrors.Is(err, context.Canceled) ||
		sterrors.Is(err, context.DeadlineExceeded) ||
		sterrors.Is(err, ErrRetryInterrupted)
}
