package cycle

import (
	"context"
	"fmt"

	errspkg "github.com/drblury/dequeueflow/internal/runtime/errors"
	"github.com/drblury/dequeueflow/transport"
)

// TxState is the lifecycle state of a cycle transaction.
type TxState int

const (
	TxNotStarted TxState = iota
	TxActive
	TxCommitted
	TxDisposed
)

func (s TxState) String() string {
	switch s {
	case TxNotStarted:
		return "not_started"
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// TransactionCoordinator drives the backend transaction of one cycle. Every
// method is a no-op when the coordinator wraps no transaction, which is the
// case for non-transactional endpoints and after Dispose.
type TransactionCoordinator struct {
	tx    transport.Transaction
	state TxState
}

// NewTransactionCoordinator wraps tx, which may be nil.
func NewTransactionCoordinator(tx transport.Transaction) *TransactionCoordinator {
	return &TransactionCoordinator{tx: tx}
}

// Exists reports whether a transaction instance is held.
func (c *TransactionCoordinator) Exists() bool {
	return c != nil && c.tx != nil
}

// State returns the lifecycle state.
func (c *TransactionCoordinator) State() TxState {
	if c == nil {
		return TxNotStarted
	}
	return c.state
}

// Transaction returns the held transaction, or nil.
func (c *TransactionCoordinator) Transaction() transport.Transaction {
	if c == nil {
		return nil
	}
	return c.tx
}

// Begin moves NotStarted to Active. Beginning a transaction in any other
// state is a logic error and returns ErrTransactionState.
func (c *TransactionCoordinator) Begin(ctx context.Context) error {
	if !c.Exists() {
		return nil
	}
	if c.state != TxNotStarted {
		return fmt.Errorf("%w: begin while %s", errspkg.ErrTransactionState, c.state)
	}
	if err := c.tx.Begin(ctx); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	c.state = TxActive
	return nil
}

// Commit moves Active to Committed.
func (c *TransactionCoordinator) Commit(ctx context.Context) error {
	if !c.Exists() {
		return nil
	}
	if c.state != TxActive {
		return fmt.Errorf("%w: commit while %s", errspkg.ErrTransactionState, c.state)
	}
	if err := c.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	c.state = TxCommitted
	return nil
}

// Dispose releases the transaction, rolling it back unless committed, and
// drops the reference so that later calls do nothing.
func (c *TransactionCoordinator) Dispose() error {
	if !c.Exists() {
		return nil
	}
	err := c.tx.Close()
	c.tx = nil
	c.state = TxDisposed
	if err != nil {
		return fmt.Errorf("dispose transaction: %w", err)
	}
	return nil
}
