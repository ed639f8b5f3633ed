package transports

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/drblury/flowmesh/transport"
)

func TestBuiltinsRegistered(t *testing.T) {
	assert.Equal(t, []string{
		"aws", "http", "io", "kafka", "nats", "nats-jetstream", "rabbitmq", "sqlite", "vm",
	}, transport.DefaultRegistry.Names())
}
