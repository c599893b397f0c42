// Package rabbitmq provides the RabbitMQ/AMQP transport. The processing
// queue dead-letters rejected deliveries to a durable dead-letter queue, so
// the consumer never requeues on nack.
package rabbitmq

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/gpsflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// ConnectionCloser releases the shared connection. Publishers and
// subscribers built on a shared connection leave it open.
var ConnectionCloser = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

// TopologyDeclarer declares exchanges, queues and bindings before the
// publisher and subscribers attach. Tests replace it.
var TopologyDeclarer = declareOverConnection

func init() {
	Register()
}

// Register registers the RabbitMQ transport with the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.RabbitMQCapabilities)
	transport.Alias("amqp", TransportName)
}

// MainConfig returns the AMQP config for the processing path: a durable topic
// exchange, a durable queue that dead-letters to the DLX, and bindings keyed
// by the Watermill topic.
func MainConfig(url string, topo transport.Topology, prefetch int) amqp.Config {
	cfg := amqp.NewDurableQueueConfig(url)
	cfg.Marshaler = Marshaler{}

	cfg.Exchange.GenerateName = func(string) string { return topo.Exchange }
	cfg.Exchange.Type = ExchangeKindTopic
	cfg.Exchange.Durable = true

	cfg.Queue.GenerateName = func(string) string { return topo.Queue }
	cfg.Queue.Durable = true
	cfg.Queue.Arguments = mainQueueArguments(topo)

	cfg.QueueBind.GenerateRoutingKey = func(topic string) string { return topic }
	cfg.Publish.GenerateRoutingKey = func(topic string) string { return topic }
	cfg.Publish.ConfirmDelivery = true

	cfg.Consume.NoRequeueOnNack = true
	cfg.Consume.Qos.PrefetchCount = prefetch
	return cfg
}

// DeadLetterConfig returns the AMQP config for consuming the dead-letter
// queue bound to the direct DLX.
func DeadLetterConfig(url string, topo transport.Topology, prefetch int) amqp.Config {
	cfg := amqp.NewDurableQueueConfig(url)
	cfg.Marshaler = Marshaler{}

	cfg.Exchange.GenerateName = func(string) string { return topo.DeadLetterExchange }
	cfg.Exchange.Type = ExchangeKindDirect
	cfg.Exchange.Durable = true

	cfg.Queue.GenerateName = func(string) string { return topo.DeadLetterQueue }
	cfg.Queue.Durable = true

	cfg.QueueBind.GenerateRoutingKey = func(topic string) string { return topic }
	cfg.Publish.GenerateRoutingKey = func(topic string) string { return topic }

	// Dead letters are always acknowledged. A nack requeues, because the
	// dead-letter queue has no further dead-letter exchange to catch it.
	cfg.Consume.NoRequeueOnNack = false
	cfg.Consume.Qos.PrefetchCount = prefetch
	return cfg
}

// Build declares the topology and creates the RabbitMQ transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	topo := cfg.GetTopology()
	prefetch := cfg.GetConsumerPrefetch()

	if err := TopologyDeclarer(ctx, url, topo); err != nil {
		return transport.Transport{}, fmt.Errorf("rabbitmq topology: %w", err)
	}

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	connection := transport.CloserFunc(func() error { return ConnectionCloser(conn) })

	mainCfg := MainConfig(url, topo, prefetch)

	publisher, err := PublisherFactory(mainCfg, logger, conn)
	if err != nil {
		_ = connection.Close()
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(mainCfg, logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = connection.Close()
		return transport.Transport{}, err
	}

	dlqSubscriber, err := SubscriberFactory(DeadLetterConfig(url, topo, prefetch), logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = subscriber.Close()
		_ = connection.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:            publisher,
		Subscriber:           subscriber,
		DeadLetterSubscriber: dlqSubscriber,
		Connection:           connection,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
