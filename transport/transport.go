// Package transport defines the broker abstraction the GPS pipeline publishes
// to and consumes from. Each broker (rabbitmq, channel, nats, kafka) lives in
// its own sub-package and registers itself with the transport registry.
package transport

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	// DeadLetterSubscriber consumes the dead-letter queue. Brokers whose
	// dead-letter queue needs its own binding set it; otherwise Subscriber
	// is used on the dead-letter topic.
	DeadLetterSubscriber message.Subscriber

	// Connection is a broker connection shared by the publisher and
	// subscribers. Close releases it after all of them.
	Connection io.Closer
}

// CloserFunc adapts a function to io.Closer.
type CloserFunc func() error

// Close calls f.
func (f CloserFunc) Close() error { return f() }

// DeadLetters returns the subscriber that reads the dead-letter topic.
func (t Transport) DeadLetters() message.Subscriber {
	if t.DeadLetterSubscriber != nil {
		return t.DeadLetterSubscriber
	}
	return t.Subscriber
}

// Close releases the publisher, every subscriber and then the shared
// connection.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil {
		errs = append(errs, t.Subscriber.Close())
	}
	if t.DeadLetterSubscriber != nil {
		errs = append(errs, t.DeadLetterSubscriber.Close())
	}
	if t.Connection != nil {
		errs = append(errs, t.Connection.Close())
	}
	return errors.Join(errs...)
}

// Builder is the function signature for creating a transport from config.
// Each transport package provides a Builder that it registers.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetPubSubSystem returns the transport type name.
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// GetTopology returns the exchange, queue and routing key names.
	GetTopology() Topology

	// GetConsumerPrefetch bounds unacknowledged deliveries per consumer.
	GetConsumerPrefetch() int
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// Topology names the broker objects of the ingest pipeline. Watermill topics
// are the routing keys: RoutingKey for the main path and DeadLetterRoutingKey
// for the dead-letter path.
type Topology struct {
	Exchange             string
	Queue                string
	RoutingKey           string
	DeadLetterExchange   string
	DeadLetterQueue      string
	DeadLetterRoutingKey string
}

// DefaultTopology returns the names used by a stock deployment.
func DefaultTopology() Topology {
	return Topology{
		Exchange:             "gps-data-exchange",
		Queue:                "gps-data-processing-queue",
		RoutingKey:           "gps.data.ingress",
		DeadLetterExchange:   "gps-data-dlx",
		DeadLetterQueue:      "gps-data-dlq",
		DeadLetterRoutingKey: "gps.data.dead",
	}
}

// Validate reports every blank name, and a dead-letter path that loops back
// onto the main path.
func (t Topology) Validate() error {
	var errs []error
	check := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, errors.New("topology: "+name+" is required"))
		}
	}
	check("exchange", t.Exchange)
	check("queue", t.Queue)
	check("routing key", t.RoutingKey)
	check("dead letter exchange", t.DeadLetterExchange)
	check("dead letter queue", t.DeadLetterQueue)
	check("dead letter routing key", t.DeadLetterRoutingKey)

	if t.Queue != "" && t.Queue == t.DeadLetterQueue {
		errs = append(errs, errors.New("topology: dead letter queue must differ from queue"))
	}
	if t.RoutingKey != "" && t.RoutingKey == t.DeadLetterRoutingKey {
		errs = append(errs, errors.New("topology: dead letter routing key must differ from routing key"))
	}
	return errors.Join(errs...)
}
