package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/gpsflow/internal/runtime/errors"
	"github.com/drblury/gpsflow/internal/runtime/gps"
	"github.com/drblury/gpsflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/gpsflow/internal/runtime/logging"
	"github.com/drblury/gpsflow/internal/runtime/store"
	"github.com/drblury/gpsflow/internal/runtime/validate"
)

// RecordWriter is the part of the storage gateway the consumer needs.
type RecordWriter interface {
	Insert(ctx context.Context, rec gps.Record) (gps.Record, error)
}

var _ RecordWriter = (store.Gateway)(nil)

// Consumer turns queued envelopes into persisted records.
type Consumer struct {
	store          RecordWriter
	logger         loggingpkg.ServiceLogger
	metrics        *PipelineMetrics
	storageTimeout time.Duration
}

// NewConsumer builds a Consumer writing to w. A zero storageTimeout leaves
// inserts unbounded.
func NewConsumer(w RecordWriter, storageTimeout time.Duration, logger loggingpkg.ServiceLogger, metrics *PipelineMetrics) (*Consumer, error) {
	if w == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &Consumer{
		store:          w,
		logger:         logger.With(loggingpkg.LogFields{"component": "consumer"}),
		metrics:        metrics,
		storageTimeout: storageTimeout,
	}, nil
}

// Handle processes one delivery. A nil return acknowledges the message.
// Deserialization and validation failures are not retryable and end on the
// dead-letter path; any other failure is transient. Unknown fields in the
// payload are ignored.
func (c *Consumer) Handle(msg *message.Message) error {
	var env gps.IngestEnvelope
	if err := jsoncodec.Unmarshal(msg.Payload, &env); err != nil {
		c.metrics.consumeOutcome(OutcomeMalformed)
		return errspkg.Deserialization("consumer.decode", err)
	}

	if err := validate.Deep(&env); err != nil {
		c.metrics.consumeOutcome(OutcomeInvalid)
		return err
	}

	rec, err := gps.NewRecord(env)
	if err != nil {
		c.metrics.consumeOutcome(OutcomeInvalid)
		return errspkg.InvalidInput("consumer.transform", err)
	}

	// The insert must not be torn by shutdown: a cancelled insert followed
	// by a nack would redeliver a message whose row may already exist.
	ctx := context.WithoutCancel(msg.Context())
	if c.storageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.storageTimeout)
		defer cancel()
	}

	started := time.Now()
	saved, err := c.store.Insert(ctx, rec)
	c.metrics.observeStore("insert", started)
	if err != nil {
		if errors.Is(err, errspkg.ErrInvalidInput) {
			c.metrics.consumeOutcome(OutcomeInvalid)
			return err
		}
		c.metrics.consumeOutcome(OutcomeTransient)
		return errspkg.TransientStorage("consumer.persist", err)
	}

	c.metrics.consumeOutcome(OutcomePersisted)
	c.logger.Debug("Record persisted", loggingpkg.LogFields{
		"message_uuid": msg.UUID,
		"record_id":    saved.ID,
		"publisher_id": saved.PublisherID,
	})
	return nil
}

// HandlerFunc adapts Handle to a Watermill no-publish handler.
func (c *Consumer) HandlerFunc() message.NoPublishHandlerFunc {
	return c.Handle
}
