package transport

// Capabilities describes the features supported by a transport backend.
// The pipeline uses it to decide which behaviour it must emulate.
type Capabilities struct {
	// SupportsNativeDLQ indicates the broker dead-letters rejected deliveries
	// itself. When false, the consumer publishes failed messages to the
	// dead-letter topic.
	SupportsNativeDLQ bool

	// SupportsOrdering indicates the transport guarantees message ordering.
	SupportsOrdering bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// Durable indicates accepted messages survive a broker restart.
	Durable bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// RequiresDLQEmulation returns true if the transport needs application-level
// DLQ routing because it doesn't support native dead letter queues.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the registered transports.
var (
	// ChannelCapabilities for the in-process Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:              "channel",
		SupportsNativeDLQ: false,
		SupportsOrdering:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		Durable:           false,
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		Durable:           true,
	}

	// NATSCapabilities for NATS Core transport.
	NATSCapabilities = Capabilities{
		Name:              "nats",
		SupportsNativeDLQ: false,
		SupportsOrdering:  false,
		SupportsAck:       false,
		SupportsNack:      false,
		Durable:           false,
		MaxMessageSize:    1048576, // Default 1MB
	}

	// NATSJetStreamCapabilities for the durable NATS JetStream transport.
	NATSJetStreamCapabilities = Capabilities{
		Name:              "nats-jetstream",
		SupportsNativeDLQ: false,
		SupportsOrdering:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		Durable:           true,
		MaxMessageSize:    1048576,
	}

	// KafkaCapabilities for Apache Kafka transport.
	KafkaCapabilities = Capabilities{
		Name:              "kafka",
		SupportsNativeDLQ: false,
		SupportsOrdering:  true,
		SupportsAck:       true,
		SupportsNack:      false,
		Durable:           true,
		MaxMessageSize:    1048576, // Default 1MB
	}
)

// GetCapabilities returns the capabilities for a transport by name.
// Returns a Capabilities with only Name set if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
