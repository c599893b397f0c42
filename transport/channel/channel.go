// Package channel provides an in-process Go channel transport. Messages do
// not survive a restart, so it is meant for local runs and tests.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/gpsflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.Register(TransportName, Build, transport.ChannelCapabilities)
	transport.Alias("gochannel", TransportName)
}

// Build creates a Go channel transport. Publisher, subscriber and the
// dead-letter path share one in-memory pub/sub.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	buffer := int64(cfg.GetConsumerPrefetch())
	if buffer < 0 {
		buffer = 0
	}
	pub, sub := Factory(gochannel.Config{OutputChannelBuffer: buffer}, logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
