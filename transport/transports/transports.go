// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/dequeueflow/transport/aws"
	_ "github.com/drblury/dequeueflow/transport/channel"
	_ "github.com/drblury/dequeueflow/transport/jetstream"
	_ "github.com/drblury/dequeueflow/transport/postgres"
	_ "github.com/drblury/dequeueflow/transport/rabbitmq"
	_ "github.com/drblury/dequeueflow/transport/sqlite"
)
