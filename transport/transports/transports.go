// Package transports imports every built-in transport for registration with
// the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/gpsflow/transport/channel"
	_ "github.com/drblury/gpsflow/transport/jetstream"
	_ "github.com/drblury/gpsflow/transport/kafka"
	_ "github.com/drblury/gpsflow/transport/nats"
	_ "github.com/drblury/gpsflow/transport/rabbitmq"
)
