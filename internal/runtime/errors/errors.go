package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired       = sterrors.New("dequeueflow: configuration is required")
	ErrLoggerRequired       = sterrors.New("dequeueflow: logger is required")
	ErrDriverRequired       = sterrors.New("dequeueflow: queue driver is required")
	ErrEndpointRequired     = sterrors.New("dequeueflow: at least one endpoint is required")
	ErrQueuePathRequired    = sterrors.New("dequeueflow: queue path is required")
	ErrJournalPathRequired  = sterrors.New("dequeueflow: journal path is required when journaling is enabled")
	ErrQueueNotOpen         = sterrors.New("dequeueflow: queue is not open")
	ErrJournalNotOpen       = sterrors.New("dequeueflow: journal queue is not open")
	ErrTransactionState     = sterrors.New("dequeueflow: invalid transaction state")
	ErrTransactionsDisabled = sterrors.New("dequeueflow: endpoint is transactional but the driver has no transaction support")
)

// ConfigValidationError wraps every problem found while validating a Config.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("dequeueflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil for a nil err.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
