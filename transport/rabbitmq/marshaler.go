package rabbitmq

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/gpsflow/internal/runtime/gps"
	"github.com/drblury/gpsflow/internal/runtime/jsoncodec"
)

// MessageUUIDHeaderKey carries the Watermill message UUID.
const MessageUUIDHeaderKey = "_watermill_message_uuid"

// Marshaler publishes persistent JSON deliveries and accepts the non-string
// headers RabbitMQ adds when it dead-letters a message. The x-death table is
// flattened into a JSON array of gps.DeathEntry under the "x-death" metadata
// key; other non-string headers are formatted with fmt.
type Marshaler struct {
	// Now stamps outgoing publishings. Defaults to time.Now.
	Now func() time.Time
}

func (m Marshaler) Marshal(msg *message.Message) (amqp091.Publishing, error) {
	headers := make(amqp091.Table, len(msg.Metadata)+1)
	headers[MessageUUIDHeaderKey] = msg.UUID
	for k, v := range msg.Metadata {
		headers[k] = v
	}

	now := time.Now
	if m.Now != nil {
		now = m.Now
	}

	return amqp091.Publishing{
		Headers:         headers,
		ContentType:     jsoncodec.ContentType,
		ContentEncoding: "UTF-8",
		DeliveryMode:    amqp091.Persistent,
		MessageId:       msg.UUID,
		Timestamp:       now().UTC(),
		Body:            msg.Payload,
	}, nil
}

func (m Marshaler) Unmarshal(delivery amqp091.Delivery) (*message.Message, error) {
	uuid, _ := delivery.Headers[MessageUUIDHeaderKey].(string)
	if uuid == "" {
		uuid = delivery.MessageId
	}

	msg := message.NewMessage(uuid, delivery.Body)
	msg.Metadata = make(message.Metadata, len(delivery.Headers))

	for key, value := range delivery.Headers {
		if key == MessageUUIDHeaderKey {
			continue
		}
		switch v := value.(type) {
		case string:
			msg.Metadata[key] = v
		case []any:
			if key != gps.MetadataDeathHistory {
				msg.Metadata[key] = fmt.Sprint(v)
				continue
			}
			encoded, err := jsoncodec.Marshal(deathEntries(v))
			if err != nil {
				return nil, fmt.Errorf("encode %s header: %w", key, err)
			}
			msg.Metadata[key] = string(encoded)
		case nil:
		default:
			msg.Metadata[key] = fmt.Sprint(v)
		}
	}
	return msg, nil
}

func deathEntries(raw []any) []gps.DeathEntry {
	entries := make([]gps.DeathEntry, 0, len(raw))
	for _, item := range raw {
		table, ok := item.(amqp091.Table)
		if !ok {
			continue
		}
		entry := gps.DeathEntry{
			Queue:    stringField(table, "queue"),
			Exchange: stringField(table, "exchange"),
			Reason:   stringField(table, "reason"),
			Count:    intField(table, "count"),
		}
		if ts, ok := table["time"].(time.Time); ok {
			entry.Time = ts.UTC()
		}
		if keys, ok := table["routing-keys"].([]any); ok {
			for _, k := range keys {
				if s, ok := k.(string); ok {
					entry.RoutingKeys = append(entry.RoutingKeys, s)
				}
			}
		}
		entries = append(entries, entry)
	}
	return entries
}

func stringField(t amqp091.Table, key string) string {
	s, _ := t[key].(string)
	return s
}

func intField(t amqp091.Table, key string) int64 {
	switch v := t[key].(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	case int16:
		return int64(v)
	case uint8:
		return int64(v)
	default:
		return 0
	}
}
