package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/gpsflow/internal/runtime/gps"
	idspkg "github.com/drblury/gpsflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/gpsflow/internal/runtime/logging"
)

// DeadLetterSink keeps terminally failed messages for later analysis.
type DeadLetterSink interface {
	RecordDeadLetter(ctx context.Context, ev gps.DeadLetterEvent) error
}

// DeadLetterHandler consumes the dead-letter queue. Every message is logged
// and acknowledged; nothing is retried or re-routed.
type DeadLetterHandler struct {
	queue   string
	logger  loggingpkg.ServiceLogger
	metrics *DLQMetrics
	sink    DeadLetterSink
	timeout time.Duration
	now     func() time.Time
}

// NewDeadLetterHandler builds a handler for the dead-letter queue named
// queue. metrics and sink may be nil.
func NewDeadLetterHandler(queue string, logger loggingpkg.ServiceLogger, metrics *DLQMetrics, sink DeadLetterSink, timeout time.Duration) *DeadLetterHandler {
	if logger == nil {
		logger = loggingpkg.NewNopServiceLogger()
	}
	return &DeadLetterHandler{
		queue:   queue,
		logger:  logger.With(loggingpkg.LogFields{"component": "dead_letter_handler", "queue": queue}),
		metrics: metrics,
		sink:    sink,
		timeout: timeout,
		now:     time.Now,
	}
}

// Event extracts the body and failure history of a dead-lettered message.
func (h *DeadLetterHandler) Event(msg *message.Message) gps.DeadLetterEvent {
	md := make(map[string]string, len(msg.Metadata))
	for k, v := range msg.Metadata {
		md[k] = v
	}

	deaths, err := gps.DeathEntriesFromMetadata(md)
	if err != nil {
		h.logger.Error("Unreadable failure history", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
	}

	return gps.DeadLetterEvent{
		MessageID:  msg.UUID,
		Body:       append([]byte(nil), msg.Payload...),
		Deaths:     deaths,
		Metadata:   md,
		ReceivedAt: h.now().UTC(),
	}
}

// Handle logs the message for operators and always acknowledges it.
func (h *DeadLetterHandler) Handle(msg *message.Message) error {
	ev := h.Event(msg)

	h.logger.Error("Message dead-lettered", nil, loggingpkg.LogFields{
		"message_uuid": ev.MessageID,
		"body":         string(ev.Body),
		"reason":       ev.Reason(),
		"source_queue": ev.SourceQueue(),
		"death_count":  ev.RetryCount(),
		"history":      ev.Deaths,
	})

	age := time.Duration(-1)
	if published, ok := idspkg.Time(ev.MessageID); ok {
		age = ev.ReceivedAt.Sub(published)
	}
	h.metrics.RecordDeadLetter(ev.SourceQueue(), ev.Reason(), ev.RetryCount(), len(ev.Body), age)

	if h.sink == nil {
		return nil
	}

	ctx := context.WithoutCancel(msg.Context())
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	if err := h.sink.RecordDeadLetter(ctx, ev); err != nil {
		h.logger.Error("Failed to store dead letter", err, loggingpkg.LogFields{"message_uuid": ev.MessageID})
	}
	return nil
}
