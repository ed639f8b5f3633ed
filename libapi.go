package flowmesh

import (
	"context"
	"strconv"
	"time"

	"google.golang.org/protobuf/proto"

	runtimepkg "github.com/drblury/flowmesh/internal/runtime"
	configpkg "github.com/drblury/flowmesh/internal/runtime/config"
	"github.com/drblury/flowmesh/internal/runtime/connector"
	errspkg "github.com/drblury/flowmesh/internal/runtime/errors"
	eventpkg "github.com/drblury/flowmesh/internal/runtime/event"
	"github.com/drblury/flowmesh/internal/runtime/flow"
	idspkg "github.com/drblury/flowmesh/internal/runtime/ids"
	"github.com/drblury/flowmesh/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/flowmesh/internal/runtime/logging"
	"github.com/drblury/flowmesh/internal/runtime/processor"
	"github.com/drblury/flowmesh/internal/runtime/retry"
	"github.com/drblury/flowmesh/internal/runtime/routing"
	"github.com/drblury/flowmesh/internal/runtime/transaction"
	"github.com/drblury/flowmesh/internal/runtime/transformers"
	"github.com/drblury/flowmesh/transport"
	"github.com/drblury/flowmesh/transport/sqlite"
	_ "github.com/drblury/flowmesh/transport/transports"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Producer            = runtimepkg.Producer
	JSONDecoder         = jsoncodec.Decoder

	// Events
	Event        = eventpkg.Event
	EventBuilder = eventpkg.Builder
	Properties   = eventpkg.Properties
	Variables    = eventpkg.Variables
	ErrorInfo    = eventpkg.ErrorInfo

	// Processors
	Processor     = processor.Processor
	ProcessorFunc = processor.Func
	Chain         = processor.Chain
	Interceptor   = processor.Interceptor

	// Routing
	Router         = routing.Router
	Route          = routing.Route
	RoutingBinding = routing.Binding
	Strategy       = routing.Strategy
	StrategyFunc   = routing.StrategyFunc
	RouterOption   = routing.Option

	// Retry
	RetryExecutor = retry.Executor
	RetryTemplate = retry.Template
	RetryCallback = retry.Callback
	RetryContext  = retry.Context
	RetryPolicy   = retry.Policy

	// Flows
	Flow                  = flow.Flow
	FlowConfig            = flow.Config
	FlowStats             = flow.Stats
	ExceptionHandler      = flow.ExceptionHandler
	ExceptionHandlerFunc  = flow.ExceptionHandlerFunc
	TopicFlowRegistration = runtimepkg.TopicFlowRegistration

	JSONFlowRegistration[T, O any]            = runtimepkg.JSONFlowRegistration[T, O]
	ProtoFlowRegistration[T, O proto.Message] = runtimepkg.ProtoFlowRegistration[T, O]
	TransformInput[T any]                     = transformers.Input[T]
	TransformFunc[T, O any]                   = transformers.Func[T, O]
	TransformationError                       = transformers.TransformationError

	// Connectors
	Connector          = connector.Connector
	TransportConnector = connector.TransportConnector
	ConnectError       = connector.ConnectError

	TransactionConfig = transaction.Config
	TransactionAction = transaction.Action

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig
	SourceInfo             = runtimepkg.SourceInfo

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	ConfigValidationError = errspkg.ConfigValidationError
	ErrorType             = errspkg.ErrorType

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Status and dead letters
	Status             = runtimepkg.Status
	FlowStatus         = runtimepkg.FlowStatus
	ConnectorStatus    = runtimepkg.ConnectorStatus
	DeadLetterMetrics  = runtimepkg.DeadLetterMetrics
	DeadLetterSnapshot = runtimepkg.DeadLetterSnapshot

	// Transports
	Transport             = transport.Transport
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
	TransportDLQManager   = transport.DLQManager
)

// Transaction actions.
const (
	TransactionNone           = transaction.None
	TransactionAlwaysBegin    = transaction.AlwaysBegin
	TransactionBeginOrJoin    = transaction.BeginOrJoin
	TransactionAlwaysJoin     = transaction.AlwaysJoin
	TransactionJoinIfPossible = transaction.JoinIfPossible
	TransactionNever          = transaction.Never
	TransactionNotSupported   = transaction.NotSupported
)

const (
	DefaultConnectorName = runtimepkg.DefaultConnectorName

	// MetadataKeyDelay holds the delivery delay in milliseconds understood by
	// the sqlite transport.
	MetadataKeyDelay = sqlite.MetadataDelay
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig
	LoadConfig     = configpkg.FromFile

	RegisterTopicFlow = runtimepkg.RegisterTopicFlow

	NewEvent  = eventpkg.New
	EventFrom = eventpkg.From

	NewChain          = processor.NewChain
	NamedProcessor    = processor.WithName
	TransformerStep   = processor.Transformer
	FilterStep        = processor.Filter
	SetVariableStep   = processor.SetVariable
	SetPropertyStep   = processor.SetProperty
	LogStep           = processor.Log
	InterceptWith     = processor.Intercept
	TracedInterceptor = processor.Traced
	LoggedInterceptor = processor.Logged

	NewRouter         = routing.NewRouter
	NewRoutingBinding = routing.NewBinding
	FirstMatch        = routing.FirstMatch
	Multicast         = routing.Multicast
	RoundRobin        = routing.RoundRobin
	Chaining          = routing.Chaining
	WithRoutes        = routing.WithRoutes
	WithOneWay        = routing.WithOneWay
	WithRouterTx      = routing.WithTransaction
	WithRouterLogger  = routing.WithLogger
	WithRouterTracer  = routing.WithTracer

	NewRetryCallback    = retry.NewCallback
	NewSimpleRetry      = retry.NewSimpleTemplate
	NewForeverRetry     = retry.NewForeverTemplate
	NewNoRetry          = retry.NewNoRetryTemplate
	NewExponentialRetry = retry.NewExponentialTemplate

	NewFlow                    = flow.New
	NewDefaultExceptionHandler = flow.NewDefaultExceptionHandler
	NewCatchExceptionHandler   = flow.NewCatchExceptionHandler
	NewDeadLetterHandler       = flow.NewDeadLetterHandler

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	TimeoutMiddleware       = runtimepkg.TimeoutMiddleware
	ThrottleMiddleware      = runtimepkg.ThrottleMiddleware

	// Job lifecycle hooks
	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	MetricsHooks       = runtimepkg.MetricsHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewDeadLetterMetrics = runtimepkg.NewDeadLetterMetrics

	GetCapabilities          = transport.GetCapabilities
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode
	NewDecoder    = jsoncodec.NewDecoder

	ErrServiceRequired   = errspkg.ErrServiceRequired
	ErrProcessorRequired = errspkg.ErrProcessorRequired
	ErrNameRequired      = errspkg.ErrNameRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrEventRequired     = errspkg.ErrEventRequired
	ErrNotConnected      = errspkg.ErrNotConnected
	ErrConnectorNotFound = errspkg.ErrConnectorNotFound
	ErrFlowNotFound      = errspkg.ErrFlowNotFound
	ErrNoRouteMatched    = errspkg.ErrNoRouteMatched
	ErrDuplicateName     = errspkg.ErrDuplicateName
	ClassifyError        = errspkg.Classify

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger

	CreateULID = idspkg.CreateULID
	CreateUUID = idspkg.CreateUUID
)

func RegisterJSONFlow[T, O any](ctx context.Context, svc *Service, cfg JSONFlowRegistration[T, O]) (*Flow, error) {
	return runtimepkg.RegisterJSONFlow(ctx, svc, cfg)
}

func RegisterProtoFlow[T, O proto.Message](ctx context.Context, svc *Service, cfg ProtoFlowRegistration[T, O]) (*Flow, error) {
	return runtimepkg.RegisterProtoFlow(ctx, svc, cfg)
}

// JSONStep decodes the event payload as JSON into T and replaces it with the
// result of fn.
func JSONStep[T, O any](name string, fn TransformFunc[T, O]) Processor {
	return transformers.JSON(name, fn)
}

// ProtoStep decodes protojson payloads into T.
func ProtoStep[T, O proto.Message](name string, fn TransformFunc[T, O]) Processor {
	return transformers.Proto(name, fn)
}

func NewProtoMessage[T proto.Message]() (T, error) {
	return transformers.NewProtoMessage[T]()
}

func MustProtoMessage[T proto.Message]() T {
	return transformers.MustProtoMessage[T]()
}

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}

// WithDelay returns properties that hold an event back on the sqlite
// transport for delay.
// Example: flowmesh.NewEvent(payload).Properties(flowmesh.WithDelay(30 * time.Second))
func WithDelay(delay time.Duration) Properties {
	return eventpkg.NewProperties(MetadataKeyDelay, strconv.FormatInt(delay.Milliseconds(), 10))
}
