package runtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	configpkg "github.com/drblury/gpsflow/internal/runtime/config"
	errspkg "github.com/drblury/gpsflow/internal/runtime/errors"
	"github.com/drblury/gpsflow/internal/runtime/gps"
	loggingpkg "github.com/drblury/gpsflow/internal/runtime/logging"
	"github.com/drblury/gpsflow/internal/runtime/store"
	transportpkg "github.com/drblury/gpsflow/internal/runtime/transport"
	"github.com/drblury/gpsflow/internal/runtime/validate"
	newtransport "github.com/drblury/gpsflow/transport"
)

// Handler names on the router.
const (
	ConsumerHandlerName   = "gps-consumer"
	DeadLetterHandlerName = "gps-dead-letter"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

var openStore = func(ctx context.Context, conf *configpkg.Config, logger loggingpkg.ServiceLogger) (store.Gateway, error) {
	return store.Open(ctx, store.Options{
		Driver: conf.StorageDriver,
		DSN:    conf.StorageDSN(),
	}, logger)
}

// ServiceDependencies holds the optional collaborators that the Service can use.
// Nil fields are built from the configuration.
type ServiceDependencies struct {
	TransportFactory transportpkg.Factory
	// Store replaces the storage gateway opened from the configuration. The
	// caller keeps ownership and closes it.
	Store store.Gateway
	// DeadLetterSink overrides where dead letters are kept. When nil and
	// dead_letter_store_enabled is set, the store is used if it can.
	DeadLetterSink DeadLetterSink
	// Registry receives every Prometheus collector of the service.
	Registry *prometheus.Registry
	// Hooks observe every consumer attempt, retries included.
	Hooks JobHooks

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
}

// Service wires the broker transport, the router and the pipeline stages.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transport   newtransport.Transport
	caps        newtransport.Capabilities
	publisher   message.Publisher
	router      *message.Router
	store       store.Gateway
	ownsStore   bool
	registry    *prometheus.Registry
	metrics     *PipelineMetrics
	dlqMetrics  *DLQMetrics
	producer    *Producer
	consumer    *Consumer
	deadLetters *DeadLetterHandler
	retention   *RetentionScheduler

	handlers   map[string]*HandlerInfo
	handlersMu sync.RWMutex

	resourceTracker *resourceTracker
	started         atomic.Bool
	stopped         atomic.Bool
	closeOnce       sync.Once
	closeErr        error
}

// NewService constructs a Service for the supplied configuration. Call Start
// to begin consuming.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	wmLogger := loggingpkg.NewWatermillAdapter(log)
	log.Info("Creating gps service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	s := &Service{
		Conf:            conf,
		Logger:          log,
		handlers:        make(map[string]*HandlerInfo),
		resourceTracker: newResourceTracker(),
		registry:        deps.Registry,
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
		s.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	if err := s.initMetrics(conf); err != nil {
		return nil, err
	}
	if err := s.initStore(ctx, conf, deps); err != nil {
		return nil, err
	}

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	tr, err := factory.Build(ctx, conf, wmLogger)
	if err != nil {
		s.closeStore()
		return nil, fmt.Errorf("build %s transport: %w", conf.PubSubSystem, err)
	}
	s.transport = tr
	s.publisher = tr.Publisher
	s.caps = transportpkg.Capabilities(conf)

	if err := s.initPipeline(conf, deps); err != nil {
		_ = s.shutdownResources()
		return nil, err
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: conf.ShutdownTimeout}, wmLogger)
	if err != nil {
		_ = s.shutdownResources()
		return nil, err
	}
	s.router = router

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		_ = s.shutdownResources()
		return nil, err
	}
	if err := s.registerHandlers(deps); err != nil {
		_ = s.shutdownResources()
		return nil, err
	}

	return s, nil
}

func (s *Service) initMetrics(conf *configpkg.Config) error {
	if !conf.MetricsEnabled {
		return nil
	}
	m, err := NewPipelineMetrics(s.registry)
	if err != nil {
		return fmt.Errorf("register pipeline metrics: %w", err)
	}
	s.metrics = m
	s.dlqMetrics = NewDLQMetrics(s.registry)
	return s.dlqMetrics.Register()
}

func (s *Service) initStore(ctx context.Context, conf *configpkg.Config, deps ServiceDependencies) error {
	if deps.Store != nil {
		s.store = deps.Store
		return nil
	}
	gw, err := openStore(ctx, conf, s.Logger)
	if err != nil {
		return fmt.Errorf("open %s store: %w", conf.StorageDriver, err)
	}
	s.store = gw
	s.ownsStore = true
	return nil
}

func (s *Service) initPipeline(conf *configpkg.Config, deps ServiceDependencies) error {
	var err error
	s.producer, err = NewProducer(s.publisher, ProducerConfig{
		Topic:                   conf.RoutingKey,
		PublishTimeout:          conf.PublishTimeout,
		BreakerFailureThreshold: conf.BreakerFailureThreshold,
		BreakerOpenTimeout:      conf.BreakerOpenTimeout,
	}, s.Logger, s.metrics)
	if err != nil {
		return err
	}

	s.consumer, err = NewConsumer(s.store, conf.StorageTimeout, s.Logger, s.metrics)
	if err != nil {
		return err
	}

	sink := deps.DeadLetterSink
	if sink == nil && conf.DeadLetterStoreEnabled {
		sink, _ = s.store.(DeadLetterSink)
	}
	s.deadLetters = NewDeadLetterHandler(conf.DeadLetterQueue, s.Logger, s.dlqMetrics, sink, conf.StorageTimeout)

	s.retention, err = NewRetentionScheduler(s.store, RetentionConfig{
		Days:     conf.RetentionDays,
		Interval: conf.PurgeInterval,
		Timeout:  conf.StorageTimeout,
	}, s.Logger, s.metrics)
	return err
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			return middlewareError(reg, err)
		}
	}
	return nil
}

func middlewareError(reg MiddlewareRegistration, err error) error {
	name := reg.Name
	if name == "" {
		name = "anonymous_middleware"
	}
	return fmt.Errorf("failed to register middleware %s: %w", name, err)
}

// consumerMiddlewares returns the per-handler chain of the consumer,
// outermost first. Without a broker dead-letter exchange the poison queue
// publishes terminal failures to the dead-letter topic itself.
func (s *Service) consumerMiddlewares(hooks JobHooks) []MiddlewareRegistration {
	var regs []MiddlewareRegistration
	if s.caps.RequiresDLQEmulation() {
		regs = append(regs, PoisonQueueMiddleware(s.Conf.DeadLetterRoutingKey))
	}
	regs = append(regs,
		RetryMiddleware(RetryMiddlewareConfig{
			MaxRetries:      s.Conf.RetryMaxRetries,
			InitialInterval: s.Conf.RetryInitialInterval,
			MaxInterval:     s.Conf.RetryMaxInterval,
		}),
		JobHooksMiddleware(LoggingHooks(s.Logger).Merge(hooks)),
		RecovererMiddleware(),
	)
	return regs
}

func (s *Service) registerHandlers(deps ServiceDependencies) error {
	consumer := s.router.AddNoPublisherHandler(
		ConsumerHandlerName,
		s.Conf.RoutingKey,
		s.transport.Subscriber,
		s.consumer.Handle,
	)
	if err := s.registerHandlerMiddlewares(consumer, s.consumerMiddlewares(deps.Hooks)...); err != nil {
		return err
	}
	s.trackHandler(ConsumerHandlerName, s.Conf.Queue)

	deadLetters := s.router.AddNoPublisherHandler(
		DeadLetterHandlerName,
		s.Conf.DeadLetterRoutingKey,
		s.transport.DeadLetters(),
		s.deadLetters.Handle,
	)
	if err := s.registerHandlerMiddlewares(deadLetters, RecovererMiddleware()); err != nil {
		return err
	}
	s.trackHandler(DeadLetterHandlerName, s.Conf.DeadLetterQueue)
	return nil
}

func (s *Service) trackHandler(name, queue string) {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()

	s.handlers[name] = &HandlerInfo{
		Name:         name,
		ConsumeQueue: queue,
		Stats:        newHandlerStats(s.resourceTracker),
	}
}

func (s *Service) handlerStats(name string) *HandlerStats {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()

	if info, ok := s.handlers[name]; ok {
		return info.Stats
	}
	return nil
}

// Handlers lists the registered handlers sorted by name.
func (s *Service) Handlers() []*HandlerInfo {
	s.handlersMu.RLock()
	defer s.handlersMu.RUnlock()

	out := make([]*HandlerInfo, 0, len(s.handlers))
	for _, info := range s.handlers {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Submit shallow-validates env and enqueues it. Envelopes that fail
// validation never reach the broker.
func (s *Service) Submit(ctx context.Context, env gps.IngestEnvelope) (string, error) {
	if err := validate.Shallow(&env); err != nil {
		s.metrics.ingestOutcome(OutcomeRejected)
		return "", err
	}
	id, err := s.producer.Enqueue(ctx, env)
	if err != nil {
		s.metrics.ingestOutcome(OutcomeFailed)
		return "", err
	}
	s.metrics.ingestOutcome(OutcomeAccepted)
	return id, nil
}

// Start runs the router until ctx is cancelled or the router is closed.
// In-flight handlers finish within the configured shutdown timeout.
func (s *Service) Start(ctx context.Context) error {
	s.Logger.Info("Starting router", loggingpkg.LogFields{
		"consume_topic":     s.Conf.RoutingKey,
		"dead_letter_topic": s.Conf.DeadLetterRoutingKey,
		"dlq_emulated":      s.caps.RequiresDLQEmulation(),
	})
	s.started.Store(true)
	defer s.stopped.Store(true)
	return routerRun(s.router, ctx)
}

// Running is closed once the router has subscribed to every topic.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

// Ready reports whether the router is consuming.
func (s *Service) Ready() bool {
	if s.stopped.Load() {
		return false
	}
	select {
	case <-s.router.Running():
		return true
	default:
		return false
	}
}

// Close stops the router and releases broker and storage connections. A
// router that never started has no handlers to drain and is left alone.
func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.router != nil && s.started.Load() {
			errs = append(errs, s.router.Close())
		}
		errs = append(errs, s.shutdownResources())
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

func (s *Service) shutdownResources() error {
	return errors.Join(s.transport.Close(), s.closeStore())
}

func (s *Service) closeStore() error {
	if !s.ownsStore || s.store == nil {
		return nil
	}
	return s.store.Close()
}

// Store returns the storage gateway used by the pipeline.
func (s *Service) Store() store.Gateway { return s.store }

// Producer returns the producer behind Submit.
func (s *Service) Producer() *Producer { return s.producer }

// Retention returns the retention scheduler. It is not started by Start.
func (s *Service) Retention() *RetentionScheduler { return s.retention }

// Registry returns the Prometheus registry holding the service collectors.
func (s *Service) Registry() *prometheus.Registry { return s.registry }

// DLQMetrics returns the dead-letter counters, or nil when metrics are off.
func (s *Service) DLQMetrics() *DLQMetrics { return s.dlqMetrics }
