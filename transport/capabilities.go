package transport

// Capabilities describes what a transport backend supports.
type Capabilities struct {
	Name string

	// SupportsDelay: the backend can delay delivery natively.
	SupportsDelay bool
	// SupportsNativeDLQ: the backend parks poison messages itself.
	SupportsNativeDLQ bool
	// SupportsOrdering: delivery order is preserved per topic or partition.
	SupportsOrdering bool
	SupportsTracing  bool
	SupportsBatching bool
	SupportsAck      bool
	// SupportsNack: a nacked message is redelivered.
	SupportsNack         bool
	SupportsPriority     bool
	SupportsPartitioning bool

	// MaxMessageSize in bytes, zero when unknown.
	MaxMessageSize int64
	// MaxDelayDuration in milliseconds, zero when unknown.
	MaxDelayDuration int64
}

// RequiresDLQEmulation reports whether dead letters must be routed by
// flowmesh rather than the backend.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery reports at-least-once delivery (ack and nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Capability sets of the built-in transports.
var (
	VMCapabilities = Capabilities{
		Name:             "vm",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsTracing:      true,
		SupportsBatching:     true,
		SupportsAck:          true,
		SupportsPartitioning: true,
		MaxMessageSize:       1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsAck:       true,
		SupportsNack:      true,
		SupportsPriority:  true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsTracing: true,
		MaxMessageSize:  1048576,
	}

	JetStreamCapabilities = Capabilities{
		Name:              "nats-jetstream",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		MaxMessageSize:    1048576,
	}

	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsTracing:   true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		MaxMessageSize:    262144,
		MaxDelayDuration:  900000,
	}

	SQLiteCapabilities = Capabilities{
		Name:              "sqlite",
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsBatching:  true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}

	IOCapabilities = Capabilities{
		Name:             "io",
		SupportsOrdering: true,
	}
)

// GetCapabilities looks name up in the default registry.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
