// Package transports imports every built-in transport so that each registers
// itself with transport.DefaultRegistry.
package transports

import (
	_ "github.com/drblury/flowmesh/transport/aws"
	_ "github.com/drblury/flowmesh/transport/http"
	_ "github.com/drblury/flowmesh/transport/io"
	_ "github.com/drblury/flowmesh/transport/jetstream"
	_ "github.com/drblury/flowmesh/transport/kafka"
	_ "github.com/drblury/flowmesh/transport/nats"
	_ "github.com/drblury/flowmesh/transport/rabbitmq"
	_ "github.com/drblury/flowmesh/transport/sqlite"
	_ "github.com/drblury/flowmesh/transport/vm"
)
