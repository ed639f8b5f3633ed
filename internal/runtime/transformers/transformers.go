// Package transformers provides processors that decode the event payload
// into a typed value, hand it to a function and carry the result on.
package transformers

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	eventpkg "github.com/drblury/flowmesh/internal/runtime/event"
	"github.com/drblury/flowmesh/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
	"github.com/drblury/flowmesh/internal/runtime/processor"
)

// TransformationError reports a payload that could not be turned into the
// type a transformer works with.
type TransformationError struct {
	Target string
	Err    error
}

func (e *TransformationError) Error() string {
	return fmt.Sprintf("flowmesh: transform payload to %s: %v", e.Target, e.Err)
}

func (e *TransformationError) Unwrap() error { return e.Err }

func (e *TransformationError) ErrorType() errspkg.ErrorType { return errspkg.Transformation }

// Input is the typed view of an event handed to a transformer function.
type Input[T any] struct {
	Payload T
	Event   *eventpkg.Event
	Logger  loggingpkg.ServiceLogger
}

// Property returns a transport property of the event.
func (in Input[T]) Property(key string) string {
	return in.Event.Property(key)
}

func (in Input[T]) CorrelationID() string {
	return in.Event.CorrelationID()
}

// Func transforms a typed input into the new payload.
type Func[T, O any] func(ctx context.Context, in Input[T]) (O, error)

// Option configures a transformer.
type Option func(*options)

type options struct {
	logger    loggingpkg.ServiceLogger
	validate  func(any) error
	keepInput bool
}

// WithLogger passes log to the transformer function.
func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(o *options) { o.logger = log }
}

// WithValidator checks every output before it becomes the payload.
func WithValidator(fn func(out any) error) Option {
	return func(o *options) { o.validate = fn }
}

// WithInputVariable stores the decoded input under the "input" variable.
func WithInputVariable() Option {
	return func(o *options) { o.keepInput = true }
}

// VariableInput names the variable WithInputVariable writes to.
const VariableInput = "input"

func resolve(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.logger = loggingpkg.OrNop(o.logger)
	return o
}

// JSON decodes []byte and string payloads into T with the JSON codec.
// Payloads that already are a T are used as they are. The result of fn
// becomes the new payload.
func JSON[T, O any](name string, fn Func[T, O], opts ...Option) processor.Processor {
	o := resolve(opts)
	return build(name, fn, o, func(payload any) (T, error) {
		var typed T
		if v, ok := payload.(T); ok {
			return v, nil
		}
		data, err := payloadBytes[T](payload)
		if err != nil {
			return typed, err
		}
		if err := jsoncodec.Unmarshal(data, &typed); err != nil {
			return typed, &TransformationError{Target: typeName[T](), Err: err}
		}
		return typed, nil
	})
}

// Proto decodes protojson payloads into a fresh T. A nil output filters the
// event.
func Proto[T, O proto.Message](name string, fn Func[T, O], opts ...Option) processor.Processor {
	o := resolve(opts)
	inner := build(name, fn, o, func(payload any) (T, error) {
		if v, ok := payload.(T); ok && !isNilProto(v) {
			return v, nil
		}
		typed, err := NewProtoMessage[T]()
		if err != nil {
			return typed, err
		}
		data, err := payloadBytes[T](payload)
		if err != nil {
			return typed, err
		}
		if err := jsoncodec.Unmarshal(data, typed); err != nil {
			return typed, &TransformationError{Target: typeName[T](), Err: err}
		}
		return typed, nil
	})
	return processor.WithName(name, processor.Func(func(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
		out, err := inner.Process(ctx, ev)
		if err != nil || out == nil {
			return out, err
		}
		if msg, ok := out.Payload().(proto.Message); ok && isNilProto(msg) {
			return nil, nil
		}
		return out, nil
	}))
}

func build[T, O any](name string, fn Func[T, O], o options, decode func(payload any) (T, error)) processor.Processor {
	return processor.WithName(name, processor.Func(func(ctx context.Context, ev *eventpkg.Event) (*eventpkg.Event, error) {
		if fn == nil {
			return nil, eventpkg.NewMessagingError(ev, errspkg.ErrProcessorRequired)
		}
		typed, err := decode(ev.Payload())
		if err != nil {
			return nil, eventpkg.NewMessagingError(ev, err)
		}
		out, err := fn(ctx, Input[T]{Payload: typed, Event: ev, Logger: o.logger})
		if err != nil {
			return nil, err
		}
		if o.validate != nil {
			if err := o.validate(out); err != nil {
				return nil, eventpkg.NewMessagingError(ev, &TransformationError{Target: typeName[O](), Err: err})
			}
		}
		b := eventpkg.From(ev).Payload(out)
		if o.keepInput {
			b.Variable(VariableInput, typed)
		}
		return b.Build(), nil
	}))
}

func payloadBytes[T any](payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		return nil, &TransformationError{Target: typeName[T](), Err: fmt.Errorf("%w %T", errspkg.ErrEventPayloadType, payload)}
	}
}

func typeName[T any]() string {
	return reflect.TypeFor[T]().String()
}

// NewProtoMessage returns a zero message of type T.
func NewProtoMessage[T proto.Message]() (T, error) {
	var zero T
	typ := reflect.TypeFor[T]()
	if typ.Kind() != reflect.Pointer {
		return zero, fmt.Errorf("%w: %s is not a pointer", errspkg.ErrEventPayloadType, typ)
	}
	msg, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("%w: cannot instantiate %s", errspkg.ErrEventPayloadType, typ)
	}
	return msg, nil
}

// MustProtoMessage is NewProtoMessage that panics on failure.
func MustProtoMessage[T proto.Message]() T {
	msg, err := NewProtoMessage[T]()
	if err != nil {
		panic(err)
	}
	return msg
}

func isNilProto(msg proto.Message) bool {
	if msg == nil {
		return true
	}
	val := reflect.ValueOf(msg)
	return val.Kind() == reflect.Pointer && val.IsNil()
}
