// Package transport connects the runtime configuration to the transport
// registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/gpsflow/internal/runtime/config"
	errspkg "github.com/drblury/gpsflow/internal/runtime/errors"
	newtransport "github.com/drblury/gpsflow/transport"

	// Import all transport packages to register them.
	_ "github.com/drblury/gpsflow/transport/transports"
)

// Factory abstracts how the service obtains its broker connections.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (newtransport.Transport, error)
}

// DefaultFactory returns the factory backed by the transport registry.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (newtransport.Transport, error) {
	if conf == nil {
		return newtransport.Transport{}, errspkg.ErrConfigRequired
	}
	return newtransport.Build(ctx, conf, logger)
}

// Capabilities reports what the configured transport supports.
func Capabilities(conf *config.Config) newtransport.Capabilities {
	if conf == nil {
		return newtransport.Capabilities{}
	}
	return newtransport.GetCapabilities(conf.GetPubSubSystem())
}
