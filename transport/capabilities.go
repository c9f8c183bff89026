package transport

// Capabilities describes how a bus behaves from the bridge's point of view.
type Capabilities struct {
	// Name is the registered transport name.
	Name string

	// CarriesMetadata reports whether message metadata, and with it the
	// encoding tag, survives the trip. Without it every message uses the
	// configured default encoding.
	CarriesMetadata bool

	// SupportsOrdering reports whether messages of one topic arrive in
	// publish order.
	SupportsOrdering bool

	// SupportsAck reports whether acking a message has an effect on the bus.
	SupportsAck bool

	// Durable reports whether the bus keeps messages for subscribers that
	// were not connected when they were published.
	Durable bool

	// Brokerless reports whether peers talk to each other without a broker.
	Brokerless bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// RequiresDefaultEncoding reports whether every message falls back to the
// configured default encoding.
func (c Capabilities) RequiresDefaultEncoding() bool {
	return !c.CarriesMetadata
}

// LiveOnly reports whether the bridge only sees messages published while it
// is subscribed.
func (c Capabilities) LiveOnly() bool {
	return !c.Durable
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		CarriesMetadata:  true,
		SupportsOrdering: true,
		SupportsAck:      true,
	}

	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		CarriesMetadata:  true,
		SupportsOrdering: true,
		SupportsAck:      true,
		Durable:          true,
		MaxMessageSize:   1048576, // broker default
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		CarriesMetadata:  true,
		SupportsOrdering: true,
		SupportsAck:      true,
	}

	NATSCapabilities = Capabilities{
		Name:            "nats",
		CarriesMetadata: true,
		MaxMessageSize:  1048576,
	}

	NATSJetStreamCapabilities = Capabilities{
		Name:             "nats-jetstream",
		CarriesMetadata:  true,
		SupportsOrdering: true,
		SupportsAck:      true,
		MaxMessageSize:   1048576,
	}

	AWSCapabilities = Capabilities{
		Name:            "aws",
		CarriesMetadata: true,
		SupportsAck:     true,
		Durable:         true,
		MaxMessageSize:  262144, // 256KB
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		CarriesMetadata: true,
	}

	IOCapabilities = Capabilities{
		Name:             "io",
		CarriesMetadata:  true,
		SupportsOrdering: true,
		Durable:          true,
	}

	P2PCapabilities = Capabilities{
		Name:            "p2p",
		CarriesMetadata: true,
		Brokerless:      true,
		MaxMessageSize:  1 << 20, // gossipsub default
	}
)

// GetCapabilities returns the capabilities registered for a transport.
// Returns a Capabilities with only Name set if the transport is unknown.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
