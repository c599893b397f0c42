package runtime

import (
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errspkg "github.com/drblury/gpsflow/internal/runtime/errors"
	idspkg "github.com/drblury/gpsflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/gpsflow/internal/runtime/logging"
)

// MiddlewareBuilder constructs a handler middleware using the provided service instance.
type MiddlewareBuilder func(*Service) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware is attached to the router
// or to a single handler.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 10 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = errspkg.IsRetryable
	}
	return cfg
}

// DefaultMiddlewares returns the router-wide chain applied to every handler.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		StatsMiddleware(),
		MetricsMiddleware(),
	}
}

// MetricsMiddleware instruments the router, its publishers and subscribers
// with Prometheus metrics.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if s.Conf == nil || !s.Conf.MetricsEnabled || s.registry == nil {
				return nil, nil
			}
			metrics.NewPrometheusMetricsBuilder(s.registry, metricsNamespace, s.Conf.PubSubSystem).
				AddPrometheusRouterMetrics(s.router)
			return nil, nil
		},
	}
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// LogMessagesMiddleware logs payload and metadata of handled messages at debug level.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = s.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

// RetryMiddleware retries retryable failures with exponential backoff. Zero
// values fall back to defaults; failures RetryIf rejects are returned at once.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			return retryMiddleware(normalized, s), nil
		},
	}
}

// PoisonQueueMiddleware publishes messages whose handler still fails to
// topic and acknowledges them. It stands in for a broker dead-letter
// exchange.
func PoisonQueueMiddleware(topic string) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "poison_queue",
		Builder: func(s *Service) (message.HandlerMiddleware, error) {
			if s.publisher == nil {
				return nil, errspkg.ErrPublisherRequired
			}
			if topic == "" {
				return nil, errspkg.ErrTopicRequired
			}
			return middleware.PoisonQueue(s.publisher, topic)
		},
	}
}

// RecovererMiddleware converts panics into handler errors so they can be retried or dead-lettered.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

func (s *Service) buildMiddleware(cfg MiddlewareRegistration) (message.HandlerMiddleware, error) {
	switch {
	case cfg.Middleware != nil:
		return cfg.Middleware, nil
	case cfg.Builder != nil:
		return cfg.Builder(s)
	default:
		return nil, errors.New("middleware registration requires Middleware or Builder")
	}
}

// RegisterMiddleware attaches the supplied middleware to the router.
func (s *Service) RegisterMiddleware(cfg MiddlewareRegistration) error {
	if s.router == nil {
		return errors.New("router is not initialised")
	}
	mw, err := s.buildMiddleware(cfg)
	if err != nil {
		return err
	}
	if mw != nil {
		s.router.AddMiddleware(mw)
	}
	return nil
}

// registerHandlerMiddlewares attaches middlewares to one handler only. The
// first registration wraps the others.
func (s *Service) registerHandlerMiddlewares(h *message.Handler, regs ...MiddlewareRegistration) error {
	for _, reg := range regs {
		mw, err := s.buildMiddleware(reg)
		if err != nil {
			return middlewareError(reg, err)
		}
		if mw != nil {
			h.AddMiddleware(mw)
		}
	}
	return nil
}

func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if middleware.MessageCorrelationID(msg) == "" {
			middleware.SetCorrelationID(idspkg.New(), msg)
		}
		return h(msg)
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"handler":      message.HandlerNameFromCtx(msg.Context()),
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

func retryMiddleware(cfg RetryMiddlewareConfig, s *Service) message.HandlerMiddleware {
	retry := middleware.Retry{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Multiplier:      2,
		ShouldRetry: func(params middleware.RetryParams) bool {
			return cfg.RetryIf(params.Err)
		},
	}
	if s != nil && s.Logger != nil {
		retry.Logger = loggingpkg.NewWatermillAdapter(s.Logger)
	}
	return retry.Middleware
}

func tracerMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx, span := otel.Tracer("gpsflow/router").Start(msg.Context(), "ProcessMessage")
		defer span.End()
		msg.SetContext(ctx)

		span.SetAttributes(
			attribute.String("message.uuid", msg.UUID),
			attribute.String("message.handler", message.HandlerNameFromCtx(ctx)),
			attribute.String("message.topic", message.SubscribeTopicFromCtx(ctx)),
			attribute.String("message.correlation_id", middleware.MessageCorrelationID(msg)),
		)

		msgs, err := h(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, errspkg.KindLabel(err))
		}
		return msgs, err
	}
}
