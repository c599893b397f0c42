package gpsflow

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	runtimepkg "github.com/drblury/gpsflow/internal/runtime"
	configpkg "github.com/drblury/gpsflow/internal/runtime/config"
	errspkg "github.com/drblury/gpsflow/internal/runtime/errors"
	"github.com/drblury/gpsflow/internal/runtime/gps"
	"github.com/drblury/gpsflow/internal/runtime/httpapi"
	idspkg "github.com/drblury/gpsflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/gpsflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/gpsflow/internal/runtime/logging"
	"github.com/drblury/gpsflow/internal/runtime/store"
	transportpkg "github.com/drblury/gpsflow/internal/runtime/transport"
	newtransport "github.com/drblury/gpsflow/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	TransportFactory    = transportpkg.Factory

	Producer           = runtimepkg.Producer
	ProducerConfig     = runtimepkg.ProducerConfig
	Consumer           = runtimepkg.Consumer
	DeadLetterHandler  = runtimepkg.DeadLetterHandler
	DeadLetterSink     = runtimepkg.DeadLetterSink
	RetentionScheduler = runtimepkg.RetentionScheduler
	RetentionConfig    = runtimepkg.RetentionConfig
	PipelineMetrics    = runtimepkg.PipelineMetrics

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration
	RetryMiddlewareConfig  = runtimepkg.RetryMiddlewareConfig

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	HandlerInfo  = runtimepkg.HandlerInfo
	HandlerStats = runtimepkg.HandlerStats

	PipelineError         = errspkg.PipelineError
	ConfigValidationError = errspkg.ConfigValidationError

	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	DLQMetrics         = runtimepkg.DLQMetrics
	DLQQueueMetrics    = runtimepkg.DLQQueueMetrics
	DLQMetricsSnapshot = runtimepkg.DLQMetricsSnapshot

	GpsSample       = gps.GpsSample
	IngestEnvelope  = gps.IngestEnvelope
	Record          = gps.Record
	LocalTime       = gps.LocalTime
	DeathEntry      = gps.DeathEntry
	DeadLetterEvent = gps.DeadLetterEvent

	StorageGateway = store.Gateway
	StoreOptions   = store.Options
	SQLStore       = store.SQLStore
	DeadLetter     = store.DeadLetter

	HTTPOptions = httpapi.Options

	Transport             = newtransport.Transport
	TransportConfig       = newtransport.Config
	TransportTopology     = newtransport.Topology
	TransportCapabilities = newtransport.Capabilities
)

var (
	NewService     = runtimepkg.NewService
	NewSupervisor  = runtimepkg.NewSupervisor
	LoadConfig     = configpkg.Load
	DefaultConfig  = configpkg.Default
	ValidateConfig = configpkg.ValidateConfig

	DefaultMiddlewares      = runtimepkg.DefaultMiddlewares
	CorrelationIDMiddleware = runtimepkg.CorrelationIDMiddleware
	LogMessagesMiddleware   = runtimepkg.LogMessagesMiddleware
	TracerMiddleware        = runtimepkg.TracerMiddleware
	MetricsMiddleware       = runtimepkg.MetricsMiddleware
	StatsMiddleware         = runtimepkg.StatsMiddleware
	RetryMiddleware         = runtimepkg.RetryMiddleware
	PoisonQueueMiddleware   = runtimepkg.PoisonQueueMiddleware
	RecovererMiddleware     = runtimepkg.RecovererMiddleware

	JobHooksMiddleware = runtimepkg.JobHooksMiddleware
	LoggingHooks       = runtimepkg.LoggingHooks
	AlertingHooks      = runtimepkg.AlertingHooks

	NewDLQMetrics = runtimepkg.NewDLQMetrics

	OpenStore = store.Open

	NewHTTPHandler         = httpapi.NewRouter
	HTTPOptionsFromService = httpapi.OptionsFromService

	ParseLocalTime = gps.ParseLocalTime
	Float          = gps.Float

	GetCapabilities   = newtransport.GetCapabilities
	RegisterTransport = newtransport.Register
	DefaultTopology   = newtransport.DefaultTopology

	Marshal   = jsoncodec.Marshal
	Unmarshal = jsoncodec.Unmarshal
	Encode    = jsoncodec.Encode
	Decode    = jsoncodec.Decode

	NewLogger            = loggingpkg.NewLogger
	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NewNopServiceLogger  = loggingpkg.NewNopServiceLogger

	NewID = idspkg.New

	IsRetryable = errspkg.IsRetryable
	KindLabel   = errspkg.KindLabel

	ErrInvalidInput      = errspkg.ErrInvalidInput
	ErrSerialization     = errspkg.ErrSerialization
	ErrDeserialization   = errspkg.ErrDeserialization
	ErrBrokerUnavailable = errspkg.ErrBrokerUnavailable
	ErrTransientStorage  = errspkg.ErrTransientStorage
	ErrConfigRequired    = errspkg.ErrConfigRequired
	ErrLoggerRequired    = errspkg.ErrLoggerRequired
	ErrPublisherRequired = errspkg.ErrPublisherRequired
	ErrStoreRequired     = errspkg.ErrStoreRequired
	ErrTopicRequired     = errspkg.ErrTopicRequired
	ErrRecordNotFound    = errspkg.ErrRecordNotFound
)

// Dead-letter reasons as reported by the broker.
const (
	ReasonRejected = gps.ReasonRejected
	ReasonExpired  = gps.ReasonExpired
)

// NewHTTPServer returns an HTTP server exposing the API of svc on the
// configured address.
func NewHTTPServer(svc *Service) *http.Server {
	return &http.Server{
		Addr:              svc.Conf.HTTPAddress,
		Handler:           httpapi.NewRouter(httpapi.OptionsFromService(svc)),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Run supervises the router, the retention scheduler and the HTTP API of svc
// until ctx is cancelled or the router stops. It does not close svc.
func Run(ctx context.Context, svc *Service, logger *slog.Logger) error {
	return NewSupervisor(svc, logger, NewHTTPServer(svc)).Serve(ctx)
}
