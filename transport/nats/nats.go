// Package nats provides a NATS Core transport. Consumers of the same topic
// share a queue group so each message is handled once.
package nats

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/gpsflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

// QueueGroupPrefix prefixes the queue group of every subscription.
const QueueGroupPrefix = "gpsflow"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.NATSCapabilities)
}

func connectOptions() []nc.Option {
	return []nc.Option{
		nc.Name("gpsflow"),
		nc.MaxReconnects(-1),
		nc.ReconnectWait(2 * time.Second),
	}
}

// Build creates a new NATS transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	marshaler := &nats.NATSMarshaler{}
	coreOnly := nats.JetStreamConfig{Disabled: true}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			NatsOptions: connectOptions(),
			Marshaler:   marshaler,
			JetStream:   coreOnly,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscribers := cfg.GetConsumerPrefetch()
	if subscribers < 1 {
		subscribers = 1
	}

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:              url,
			QueueGroupPrefix: QueueGroupPrefix,
			SubscribersCount: subscribers,
			NatsOptions:      connectOptions(),
			Unmarshaler:      marshaler,
			JetStream:        coreOnly,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
