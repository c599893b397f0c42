// Package jetstream provides a durable NATS JetStream transport. Streams
// are provisioned on first use and consumers are durable, so accepted
// samples survive a broker or consumer restart.
package jetstream

import (
	"context"
	"strings"
	"time"
	"unicode"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	nc "github.com/nats-io/nats.go"

	"github.com/drblury/gpsflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DurablePrefix names the durable consumers of every subscription.
	DurablePrefix = "gpsflow"

	// DefaultAckWait bounds how long a delivery may stay unacknowledged
	// before JetStream redelivers it.
	DefaultAckWait = 30 * time.Second
)

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

// Register registers the JetStream transport with the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.NATSJetStreamCapabilities)
	transport.Alias("jetstream", TransportName)
}

func connectOptions() []nc.Option {
	return []nc.Option{
		nc.Name("gpsflow-jetstream"),
		nc.MaxReconnects(-1),
		nc.ReconnectWait(2 * time.Second),
	}
}

// StreamName maps a topic to a valid stream name. Stream names may not
// contain '.', wildcards, whitespace or path separators, so each of them
// becomes '_'. "gps.data" is stored in the stream "gps_data".
func StreamName(topic string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '.', r == '*', r == '>', r == '/', r == '\\', unicode.IsSpace(r):
			return '_'
		}
		return r
	}, topic)
}

// DurableName names the durable consumer of one topic. Every topic gets
// its own durable so the consumer and dead-letter subscriptions never share
// one.
func DurableName(prefix, topic string) string {
	return prefix + "_" + StreamName(topic)
}

// SubjectDetail binds a topic to its own subject and a queue group named
// after its durable consumer.
func SubjectDetail(prefix, topic string) *nats.SubjectDetail {
	return &nats.SubjectDetail{
		Primary:    StreamName(topic),
		QueueGroup: DurableName(prefix, topic),
	}
}

// PublisherJetStreamConfig retries publishes briefly while the stream
// leader changes.
func PublisherJetStreamConfig() nats.JetStreamConfig {
	return nats.JetStreamConfig{
		AutoProvision: true,
		PublishOptions: []nc.PubOpt{
			nc.RetryAttempts(3),
			nc.RetryWait(100 * time.Millisecond),
		},
	}
}

// SubscriberJetStreamConfig acknowledges explicitly and synchronously so a
// message is only removed once the handler succeeded.
func SubscriberJetStreamConfig() nats.JetStreamConfig {
	return nats.JetStreamConfig{
		AutoProvision:     true,
		AckAsync:          false,
		DurablePrefix:     DurablePrefix,
		DurableCalculator: DurableName,
		SubscribeOptions: []nc.SubOpt{
			nc.AckExplicit(),
			nc.AckWait(DefaultAckWait),
			nc.DeliverAll(),
		},
	}
}

// Build creates a new JetStream transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	marshaler := &nats.NATSMarshaler{}

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:               url,
			NatsOptions:       connectOptions(),
			Marshaler:         marshaler,
			JetStream:         PublisherJetStreamConfig(),
			SubjectCalculator: SubjectDetail,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscribers := max(cfg.GetConsumerPrefetch(), 1)

	subscriber, err := SubscriberFactory(
		nats.SubscriberConfig{
			URL:               url,
			QueueGroupPrefix:  DurablePrefix,
			SubscribersCount:  subscribers,
			AckWaitTimeout:    DefaultAckWait,
			NatsOptions:       connectOptions(),
			Unmarshaler:       marshaler,
			JetStream:         SubscriberJetStreamConfig(),
			SubjectCalculator: SubjectDetail,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  topicPublisher{publisher},
		Subscriber: topicSubscriber{subscriber},
	}, nil
}

// topicPublisher publishes to the stream subject of a topic. The NATS
// marshaler uses the topic as the subject, so the mapping has to happen
// before the message reaches it.
type topicPublisher struct {
	message.Publisher
}

func (p topicPublisher) Publish(topic string, messages ...*message.Message) error {
	return p.Publisher.Publish(StreamName(topic), messages...)
}

// topicSubscriber subscribes to the stream subject of a topic.
type topicSubscriber struct {
	message.Subscriber
}

func (s topicSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return s.Subscriber.Subscribe(ctx, StreamName(topic))
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}
