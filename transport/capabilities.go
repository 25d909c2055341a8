package transport

import "time"

// Capabilities describes the features supported by a queue backend.
// Use this to introspect what operations are available at runtime.
type Capabilities struct {
	// SupportsTransactions indicates receives and sends can join a Transaction.
	SupportsTransactions bool

	// EmulatedTransactions indicates the backend has no native transactions and
	// approximates them: received messages are settled on commit and returned on
	// rollback, sends are buffered until commit.
	EmulatedTransactions bool

	// SupportsBlockingReceive indicates the broker itself waits for messages
	// (long polling). When false the driver polls until the receive deadline.
	SupportsBlockingReceive bool

	// SupportsDurableSend indicates the Recoverable flag is honoured.
	SupportsDurableSend bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// MaxReceiveWait is the longest single broker-side wait (0 = unlimited).
	// Longer receive timeouts are served by repeated waits.
	MaxReceiveWait time.Duration

	// Name is the human-readable name of the transport.
	Name string
}

// RequiresPolling returns true if the driver has to poll the backend to implement a
// blocking receive.
func (c Capabilities) RequiresPolling() bool {
	return !c.SupportsBlockingReceive
}

// SupportsNativeTransactions returns true if transactions are provided by the backend itself.
func (c Capabilities) SupportsNativeTransactions() bool {
	return c.SupportsTransactions && !c.EmulatedTransactions
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-memory Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:                    "channel",
		SupportsTransactions:    true,
		EmulatedTransactions:    true,
		SupportsBlockingReceive: true,
		SupportsDurableSend:     false,
	}

	// SQLiteCapabilities for the SQLite-based transport.
	SQLiteCapabilities = Capabilities{
		Name:                    "sqlite",
		SupportsTransactions:    true,
		EmulatedTransactions:    false,
		SupportsBlockingReceive: false,
		SupportsDurableSend:     true,
	}

	// PostgresCapabilities for the PostgreSQL-based transport.
	PostgresCapabilities = Capabilities{
		Name:                    "postgres",
		SupportsTransactions:    true,
		EmulatedTransactions:    false,
		SupportsBlockingReceive: false,
		SupportsDurableSend:     true,
	}

	// RabbitMQCapabilities for the RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:                    "rabbitmq",
		SupportsTransactions:    true,
		EmulatedTransactions:    false,
		SupportsBlockingReceive: false,
		SupportsDurableSend:     true,
		MaxMessageSize:          134217728, // 128MB broker default
	}

	// AWSCapabilities for the AWS SQS transport.
	AWSCapabilities = Capabilities{
		Name:                    "aws",
		SupportsTransactions:    true,
		EmulatedTransactions:    true,
		SupportsBlockingReceive: true,
		SupportsDurableSend:     true,
		MaxMessageSize:          262144, // 256KB
		MaxReceiveWait:          20 * time.Second,
	}

	// NATSJetStreamCapabilities for the NATS JetStream transport.
	NATSJetStreamCapabilities = Capabilities{
		Name:                    "nats-jetstream",
		SupportsTransactions:    true,
		EmulatedTransactions:    true,
		SupportsBlockingReceive: true,
		SupportsDurableSend:     true,
		MaxMessageSize:          1048576, // Default 1MB
	}
)
