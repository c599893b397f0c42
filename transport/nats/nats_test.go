package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/gpsflow/transport"
)

func TestRegister(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats", caps.Name)
	assert.True(t, caps.RequiresDLQEmulation())
	assert.Equal(t, transport.NATSCapabilities, Capabilities())
}

func stubFactories(t *testing.T) {
	t.Helper()
	origPub, origSub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = origPub
		SubscriberFactory = origSub
	})
}

func TestBuild(t *testing.T) {
	t.Run("creates core NATS transport with queue group", func(t *testing.T) {
		stubFactories(t)

		mockPub := &mockPublisher{}
		mockSub := &mockSubscriber{}

		PublisherFactory = func(config nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, "nats://localhost:4222", config.URL)
			assert.True(t, config.JetStream.Disabled)
			assert.Len(t, config.NatsOptions, 3)
			return mockPub, nil
		}
		SubscriberFactory = func(config nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, QueueGroupPrefix, config.QueueGroupPrefix)
			assert.Equal(t, 10, config.SubscribersCount)
			assert.True(t, config.JetStream.Disabled)
			return mockSub, nil
		}

		tr, err := Build(context.Background(), &mockConfig{natsURL: "nats://localhost:4222", prefetch: 10}, watermill.NopLogger{})
		require.NoError(t, err)
		assert.Equal(t, mockPub, tr.Publisher)
		assert.Equal(t, mockSub, tr.Subscriber)
		assert.Nil(t, tr.DeadLetterSubscriber)
	})

	t.Run("at least one subscriber", func(t *testing.T) {
		stubFactories(t)
		PublisherFactory = func(config nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return &mockPublisher{}, nil
		}
		SubscriberFactory = func(config nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, 1, config.SubscribersCount)
			return &mockSubscriber{}, nil
		}

		_, err := Build(context.Background(), &mockConfig{}, watermill.NopLogger{})
		require.NoError(t, err)
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		stubFactories(t)
		PublisherFactory = func(config nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		_, err := Build(context.Background(), &mockConfig{natsURL: "nats://localhost:4222"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("closes publisher when subscriber factory fails", func(t *testing.T) {
		stubFactories(t)
		pub := &mockPublisher{}
		PublisherFactory = func(config nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(config nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}

		_, err := Build(context.Background(), &mockConfig{natsURL: "nats://localhost:4222"}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.closed)
	})
}

type mockConfig struct {
	natsURL  string
	prefetch int
}

func (m *mockConfig) GetPubSubSystem() string         { return "nats" }
func (m *mockConfig) GetKafkaBrokers() []string       { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string   { return "" }
func (m *mockConfig) GetRabbitMQURL() string          { return "" }
func (m *mockConfig) GetNATSURL() string              { return m.natsURL }
func (m *mockConfig) GetTopology() transport.Topology { return transport.DefaultTopology() }
func (m *mockConfig) GetConsumerPrefetch() int        { return m.prefetch }

type mockPublisher struct {
	closed bool
}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error {
	m.closed = true
	return nil
}

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
