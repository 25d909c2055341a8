package dequeueflow

import (
	runtimepkg "github.com/drblury/dequeueflow/internal/runtime"
	configpkg "github.com/drblury/dequeueflow/internal/runtime/config"
	"github.com/drblury/dequeueflow/internal/runtime/cycle"
	errspkg "github.com/drblury/dequeueflow/internal/runtime/errors"
	idspkg "github.com/drblury/dequeueflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/dequeueflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/dequeueflow/internal/runtime/logging"
	transportpkg "github.com/drblury/dequeueflow/internal/runtime/transport"
	"github.com/drblury/dequeueflow/transport"
)

type (
	Config               = configpkg.Config
	Endpoint             = configpkg.Endpoint
	InteractiveMode      = configpkg.InteractiveMode
	Service              = runtimepkg.Service
	ServiceDependencies  = runtimepkg.ServiceDependencies
	MessageHandler       = runtimepkg.MessageHandler
	TransportFactory     = transportpkg.Factory
	TransportFactoryFunc = transportpkg.FactoryFunc

	Worker       = runtimepkg.Worker
	WorkerStatus = runtimepkg.WorkerStatus

	LogFields                 = loggingpkg.LogFields
	ServiceLogger             = loggingpkg.ServiceLogger
	EntryLogger               = loggingpkg.EntryLogger
	EntryLoggerAdapter[T any] = loggingpkg.EntryLoggerAdapter[T]

	ConfigValidationError = errspkg.ConfigValidationError

	// Cycle lifecycle hooks
	CycleContext = runtimepkg.CycleContext
	CycleHooks   = runtimepkg.CycleHooks

	// Cycle metrics
	CycleMetrics         = runtimepkg.CycleMetrics
	EndpointMetrics      = runtimepkg.EndpointMetrics
	CycleMetricsSnapshot = runtimepkg.CycleMetricsSnapshot

	// Cycle internals for callers that drive cycles themselves
	CycleState        = cycle.State
	DequeueState      = cycle.DequeueState
	Stage             = cycle.Stage
	StageError        = cycle.StageError
	Observer          = cycle.Observer
	FatalAccessDenied = cycle.FatalAccessDenied
	FatalHandler      = cycle.FatalHandler

	// Queue transport types
	Message               = transport.Message
	Queue                 = transport.Queue
	Transaction           = transport.Transaction
	Driver                = transport.Driver
	AccessDeniedError     = transport.AccessDeniedError
	TransportBuilder      = transport.Builder
	TransportConfig       = transport.Config
	TransportRegistry     = transport.Registry
	TransportCapabilities = transport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	TryNewService  = runtimepkg.TryNewService
	ValidateConfig = configpkg.ValidateConfig

	DefaultFatalHandler = runtimepkg.DefaultFatalHandler

	// Cycle lifecycle hooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	NewCycleMetrics = runtimepkg.NewCycleMetrics
	FailureKind     = runtimepkg.FailureKind

	NewObserver          = cycle.NewObserver
	NewCycleState        = cycle.NewState
	JournalCorrelationID = cycle.JournalCorrelationID
	FailedStage          = cycle.FailedStage

	// Modular transport registry.
	// Import individual transports via: _ "github.com/drblury/dequeueflow/transport/sqlite"
	DefaultTransportRegistry = transport.DefaultRegistry
	RegisterTransport        = transport.Register
	BuildTransport           = transport.Build
	IsAccessDenied           = transport.IsAccessDenied

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrDriverRequired       = errspkg.ErrDriverRequired
	ErrEndpointRequired     = errspkg.ErrEndpointRequired
	ErrQueuePathRequired    = errspkg.ErrQueuePathRequired
	ErrJournalPathRequired  = errspkg.ErrJournalPathRequired
	ErrTransactionState     = errspkg.ErrTransactionState
	ErrTransactionsDisabled = errspkg.ErrTransactionsDisabled

	ErrTimeout                 = transport.ErrTimeout
	ErrClosed                  = transport.ErrClosed
	ErrTransactionsUnsupported = transport.ErrTransactionsUnsupported

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewZerologServiceLogger   = loggingpkg.NewZerologServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger

	NewMessageID = idspkg.NewMessageID
)

const (
	ExitCodeAccessDenied  = runtimepkg.ExitCodeAccessDenied
	DefaultReceiveTimeout = configpkg.DefaultReceiveTimeout

	InteractiveAuto   = configpkg.InteractiveAuto
	InteractiveAlways = configpkg.InteractiveAlways
	InteractiveNever  = configpkg.InteractiveNever
)

func NewEntryServiceLogger[T EntryLoggerAdapter[T]](entry T) ServiceLogger {
	return loggingpkg.NewEntryServiceLogger(entry)
}
