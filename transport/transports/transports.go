// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/foxbridge/transport/aws"
	_ "github.com/drblury/foxbridge/transport/channel"
	_ "github.com/drblury/foxbridge/transport/http"
	_ "github.com/drblury/foxbridge/transport/io"
	_ "github.com/drblury/foxbridge/transport/jetstream"
	_ "github.com/drblury/foxbridge/transport/kafka"
	_ "github.com/drblury/foxbridge/transport/nats"
	_ "github.com/drblury/foxbridge/transport/p2p"
	_ "github.com/drblury/foxbridge/transport/rabbitmq"
)
