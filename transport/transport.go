// Package transport defines the core interfaces and types for dequeueflow queue backends.
// Each backend (sqlite, postgres, rabbitmq, aws, etc.) lives in its own sub-package and
// registers itself with the transport registry.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
)

// ErrTimeout is returned by Queue.Receive when no message became available before the
// receive timeout elapsed. It is an expected outcome, not a failure.
var ErrTimeout = errors.New("transport: receive timed out")

// ErrClosed is returned when an operation is attempted on a closed driver or queue.
var ErrClosed = errors.New("transport: closed")

// ErrTransactionsUnsupported is returned by Driver.NewTransaction for backends that cannot
// take part in a transaction.
var ErrTransactionsUnsupported = errors.New("transport: transactions are not supported")

// Message is the wire shape exchanged with a queue backend.
type Message struct {
	// ID is the backend identifier of the message. Backends without native ids assign a ULID.
	ID string
	// Label is a short, human readable message name.
	Label string
	// CorrelationID links related messages.
	CorrelationID string
	// Body is the opaque message content.
	Body []byte
	// Recoverable asks the backend to persist the message durably.
	Recoverable bool
}

// Clone returns a copy of the message whose Body occupies independent storage.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.Body != nil {
		clone.Body = make([]byte, len(m.Body))
		copy(clone.Body, m.Body)
	}
	return &clone
}

// Transaction is a backend transaction bound to one dequeue cycle. Receives and sends
// issued with the transaction succeed or fail together.
type Transaction interface {
	// Begin starts the transaction.
	Begin(ctx context.Context) error
	// Commit makes all operations issued with the transaction durable.
	Commit(ctx context.Context) error
	// Close releases the transaction, rolling back anything not committed.
	// Close must be safe to call more than once.
	Close() error
}

// Queue is an open handle on a single queue.
type Queue interface {
	// Path returns the backend address of the queue.
	Path() string
	// Receive blocks for up to timeout waiting for a message. It returns ErrTimeout when
	// nothing arrived in time and an *AccessDeniedError when the caller may not read the
	// queue. A nil tx issues a non-transactional receive.
	Receive(ctx context.Context, timeout time.Duration, tx Transaction) (*Message, error)
	// Send enqueues msg. A nil tx issues a non-transactional send.
	Send(ctx context.Context, msg *Message, tx Transaction) error
	// Close releases the handle. It must be safe to call more than once.
	Close() error
}

// Driver owns the backend connection shared by all queues opened through it.
type Driver interface {
	// Open returns a handle on the queue at path.
	Open(ctx context.Context, path string) (Queue, error)
	// NewTransaction returns a transaction that has not been started yet.
	NewTransaction() (Transaction, error)
	// Capabilities reports what the backend supports.
	Capabilities() Capabilities
	// Close releases the backend connection.
	Close() error
}

// Builder is the function signature for creating a driver from config.
// Each transport package should provide a Builder function that can be registered.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Driver, error)

// Config provides the configuration values needed by transports.
// This interface allows transports to access only the config they need
// without depending on the full config package.
type Config interface {
	// GetTransport returns the transport type name.
	GetTransport() string

	// SQLite
	GetSQLiteFile() string

	// PostgreSQL
	GetPostgresURL() string

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS
	GetNATSURL() string

	// AWS
	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// AccessDeniedError reports that the current principal may not access a queue.
type AccessDeniedError struct {
	Path string
	Err  error
}

func (e *AccessDeniedError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("access to queue %q denied", e.Path)
	}
	return fmt.Sprintf("access to queue %q denied: %v", e.Path, e.Err)
}

func (e *AccessDeniedError) Unwrap() error { return e.Err }

// IsAccessDenied reports whether err carries an *AccessDeniedError.
func IsAccessDenied(err error) bool {
	var denied *AccessDeniedError
	return errors.As(err, &denied)
}

// Deadline returns the receive deadline for timeout, bounded by ctx's own deadline.
func Deadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}

// DepthReporter is implemented by drivers that can count the messages waiting
// on a queue.
type DepthReporter interface {
	Depth(ctx context.Context, path string) (int64, error)
}
