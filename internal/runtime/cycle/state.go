// Package cycle implements the transactional dequeue cycle: open the queues,
// begin the transaction, receive with a timeout, forward a journal copy,
// commit, and dispose.
//
// An Observer exposes one method per stage. Execute runs the stages in their
// fixed order over a State and always disposes it, whatever the outcome of
// the earlier stages.
package cycle

import (
	"time"

	"github.com/drblury/dequeueflow/internal/runtime/config"
	"github.com/drblury/dequeueflow/transport"
)

// State is the context of one cycle, passed by reference through every stage.
type State struct {
	// ID identifies the cycle in logs and traces.
	ID string
	// Endpoint is the queue endpoint the cycle consumes. It is never modified.
	Endpoint config.Endpoint
	// Timeout bounds the receive.
	Timeout time.Duration
	// Resource holds the primary and journal queue handles once Start ran.
	Resource *QueueResource
	// Transaction coordinates the cycle transaction. It wraps nothing for
	// non-transactional endpoints.
	Transaction *TransactionCoordinator
	// Message is the received message, or nil when the receive timed out.
	Message *transport.Message
	// Outcome is where the dequeue operation ended.
	Outcome DequeueState
	// Journaled reports whether a journal copy was sent.
	Journaled bool
}

// NewState returns the State of a new cycle over endpoint.
func NewState(id string, endpoint config.Endpoint, timeout time.Duration) *State {
	if timeout <= 0 {
		timeout = config.DefaultReceiveTimeout
	}
	return &State{ID: id, Endpoint: endpoint, Timeout: timeout}
}

// DequeueState is the state of the dequeue operation within a cycle.
type DequeueState int

const (
	DequeueIdle DequeueState = iota
	DequeueReceiving
	DequeueReceived
	DequeueTimedOut
	DequeueFailedAccessDenied
	DequeueFailedTransport
)

func (s DequeueState) String() string {
	switch s {
	case DequeueIdle:
		return "idle"
	case DequeueReceiving:
		return "receiving"
	case DequeueReceived:
		return "received"
	case DequeueTimedOut:
		return "timed_out"
	case DequeueFailedAccessDenied:
		return "access_denied"
	case DequeueFailedTransport:
		return "transport_error"
	default:
		return "unknown"
	}
}

// ResultKind discriminates a ReceiveResult.
type ResultKind int

const (
	// ResultEmpty means the timeout elapsed without a message. It is not an error.
	ResultEmpty ResultKind = iota
	// ResultMessage carries a received message.
	ResultMessage
	// ResultAccessDenied means the principal may not read the queue.
	ResultAccessDenied
	// ResultTransport carries any other failure of the backend.
	ResultTransport
)

func (k ResultKind) String() string {
	switch k {
	case ResultEmpty:
		return "empty"
	case ResultMessage:
		return "message"
	case ResultAccessDenied:
		return "access_denied"
	case ResultTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// ReceiveResult is the outcome of QueueResource.Receive.
type ReceiveResult struct {
	Kind    ResultKind
	Message *transport.Message
	// Err is set for ResultAccessDenied and ResultTransport.
	Err error
}

// Empty returns the result of a receive that timed out.
func Empty() ReceiveResult { return ReceiveResult{Kind: ResultEmpty} }

// Received returns the result of a successful receive.
func Received(msg *transport.Message) ReceiveResult {
	return ReceiveResult{Kind: ResultMessage, Message: msg}
}

// AccessDenied returns the result of a receive the principal was not allowed to issue.
func AccessDenied(err error) ReceiveResult {
	return ReceiveResult{Kind: ResultAccessDenied, Err: err}
}

// TransportFailure returns the result of a receive that failed in the backend.
func TransportFailure(err error) ReceiveResult {
	return ReceiveResult{Kind: ResultTransport, Err: err}
}
