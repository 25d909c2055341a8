package cycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/drblury/dequeueflow/internal/runtime/config"
	errspkg "github.com/drblury/dequeueflow/internal/runtime/errors"
	"github.com/drblury/dequeueflow/transport"
)

// QueueResource owns the primary queue handle and, when journaling, the
// journal queue handle of one worker.
type QueueResource struct {
	driver  transport.Driver
	queue   transport.Queue
	journal transport.Queue
}

// NewQueueResource returns an unopened resource on driver.
func NewQueueResource(driver transport.Driver) *QueueResource {
	return &QueueResource{driver: driver}
}

// Open opens the primary queue and, if endpoint.Journal is set, the journal
// queue. It does nothing when the resource is already open.
func (r *QueueResource) Open(ctx context.Context, endpoint config.Endpoint) error {
	if r.queue != nil {
		return nil
	}
	if r.driver == nil {
		return errspkg.ErrDriverRequired
	}

	queue, err := r.driver.Open(ctx, endpoint.Path)
	if err != nil {
		return fmt.Errorf("open queue %q: %w", endpoint.Path, err)
	}
	if endpoint.Journal {
		journal, err := r.driver.Open(ctx, endpoint.JournalPath)
		if err != nil {
			_ = queue.Close()
			return fmt.Errorf("open journal queue %q: %w", endpoint.JournalPath, err)
		}
		r.journal = journal
	}
	r.queue = queue
	return nil
}

// Queue returns the primary handle, or nil when it is not open.
func (r *QueueResource) Queue() transport.Queue {
	if r == nil {
		return nil
	}
	return r.queue
}

// Journal returns the journal handle, or nil when it is not open.
func (r *QueueResource) Journal() transport.Queue {
	if r == nil {
		return nil
	}
	return r.journal
}

// Receive waits up to timeout for a message on the primary queue, inside tx
// when tx is not nil. A timeout, and a cancelled or expired ctx, yield an
// Empty result.
func (r *QueueResource) Receive(ctx context.Context, timeout time.Duration, tx transport.Transaction) ReceiveResult {
	queue := r.Queue()
	if queue == nil {
		return TransportFailure(errspkg.ErrQueueNotOpen)
	}

	msg, err := queue.Receive(ctx, timeout, tx)
	switch {
	case err == nil:
		if msg == nil {
			return Empty()
		}
		return Received(msg)
	case errors.Is(err, transport.ErrTimeout):
		return Empty()
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)):
		// A context error only means "no message" when it is the caller's own.
		return Empty()
	case transport.IsAccessDenied(err):
		return AccessDenied(err)
	default:
		return TransportFailure(err)
	}
}

// Send enqueues msg on the journal queue, inside tx when tx is not nil.
func (r *QueueResource) Send(ctx context.Context, msg *transport.Message, tx transport.Transaction) error {
	journal := r.Journal()
	if journal == nil {
		return errspkg.ErrJournalNotOpen
	}
	return journal.Send(ctx, msg, tx)
}

// Close releases both handles. It is safe to call repeatedly and on a
// resource that was never opened.
func (r *QueueResource) Close() error {
	if r == nil {
		return nil
	}
	var errs []error
	if r.queue != nil {
		if err := r.queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue %q: %w", r.queue.Path(), err))
		}
		r.queue = nil
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal queue %q: %w", r.journal.Path(), err))
		}
		r.journal = nil
	}
	return errors.Join(errs...)
}
