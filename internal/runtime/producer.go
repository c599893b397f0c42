package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	errspkg "github.com/drblury/gpsflow/internal/runtime/errors"
	"github.com/drblury/gpsflow/internal/runtime/gps"
	idspkg "github.com/drblury/gpsflow/internal/runtime/ids"
	"github.com/drblury/gpsflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/gpsflow/internal/runtime/logging"
)

// ProducerConfig tunes the publish path.
type ProducerConfig struct {
	// Topic is the routing key every envelope is published with.
	Topic string
	// PublishTimeout bounds how long Enqueue waits for the broker. Zero
	// waits for as long as ctx allows.
	PublishTimeout time.Duration
	// BreakerFailureThreshold is the number of consecutive publish failures
	// that opens the circuit breaker. Zero disables the breaker.
	BreakerFailureThreshold uint32
	// BreakerOpenTimeout is how long the breaker stays open.
	BreakerOpenTimeout time.Duration
}

// Producer serializes envelopes and hands them to the broker.
type Producer struct {
	publisher message.Publisher
	cfg       ProducerConfig
	logger    loggingpkg.ServiceLogger
	metrics   *PipelineMetrics
	breaker   *gobreaker.CircuitBreaker[struct{}]
}

// NewProducer builds a Producer publishing through pub.
func NewProducer(pub message.Publisher, cfg ProducerConfig, logger loggingpkg.ServiceLogger, metrics *PipelineMetrics) (*Producer, error) {
	if pub == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if cfg.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}

	p := &Producer{
		publisher: pub,
		cfg:       cfg,
		logger:    logger.With(loggingpkg.LogFields{"component": "producer", "topic": cfg.Topic}),
		metrics:   metrics,
	}
	if cfg.BreakerFailureThreshold > 0 {
		p.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
			Name:        "publish:" + cfg.Topic,
			MaxRequests: 1,
			Timeout:     cfg.BreakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailureThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				p.logger.Info("Publish circuit breaker state changed", loggingpkg.LogFields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				})
				p.metrics.setBreakerState(float64(to))
			},
		})
	}
	return p, nil
}

// Enqueue publishes env and returns the message id once the broker has
// accepted it. Delivery to the consumer is asynchronous.
func (p *Producer) Enqueue(ctx context.Context, env gps.IngestEnvelope) (string, error) {
	ctx, span := otel.Tracer("gpsflow/producer").Start(ctx, "Enqueue")
	defer span.End()

	payload, err := jsoncodec.Marshal(env)
	if err != nil {
		p.metrics.publishOutcome(OutcomeFailed)
		err = errspkg.Serialization("producer.enqueue", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode")
		return "", err
	}

	msg := message.NewMessage(idspkg.New(), payload)
	msg.SetContext(ctx)
	middleware.SetCorrelationID(idspkg.New(), msg)
	msg.Metadata.Set(gps.MetadataPublisherID, env.PublisherID)

	span.SetAttributes(
		attribute.String("message.uuid", msg.UUID),
		attribute.String("gps.publisher_id", env.PublisherID),
	)

	if err := p.publish(ctx, msg); err != nil {
		outcome := OutcomeFailed
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			outcome = OutcomeBreakerOpen
		}
		p.metrics.publishOutcome(outcome)
		p.logger.Error("Failed to publish envelope", err, loggingpkg.LogFields{
			"message_uuid": msg.UUID,
			"publisher_id": env.PublisherID,
		})
		err = errspkg.BrokerUnavailable("producer.enqueue", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return "", err
	}

	p.metrics.publishOutcome(OutcomePublished)
	p.logger.Debug("Envelope published", loggingpkg.LogFields{
		"message_uuid":   msg.UUID,
		"publisher_id":   env.PublisherID,
		"correlation_id": middleware.MessageCorrelationID(msg),
	})
	return msg.UUID, nil
}

func (p *Producer) publish(ctx context.Context, msg *message.Message) error {
	if p.breaker == nil {
		return p.publishWithTimeout(ctx, msg)
	}
	_, err := p.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, p.publishWithTimeout(ctx, msg)
	})
	return err
}

// publishWithTimeout waits for the broker confirmation or the deadline,
// whichever comes first. A publish still in flight after the deadline may
// yet be delivered.
func (p *Producer) publishWithTimeout(ctx context.Context, msg *message.Message) error {
	if p.cfg.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.PublishTimeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- p.publisher.Publish(p.cfg.Topic, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("publish %s: %w", msg.UUID, ctx.Err())
	}
}
