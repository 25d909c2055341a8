package cycle

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/dequeueflow/internal/runtime/logging"
	"github.com/drblury/dequeueflow/transport"
)

// DequeueOperation performs the receive of one cycle and classifies its
// outcome.
type DequeueOperation struct {
	logger     logging.ServiceLogger
	escalation *FailureEscalation
	scheme     string
}

// NewDequeueOperation returns an operation that logs through logger and
// hands access-denied failures to escalation. scheme prefixes queue paths in
// log output.
func NewDequeueOperation(logger logging.ServiceLogger, escalation *FailureEscalation, scheme string) *DequeueOperation {
	return &DequeueOperation{logger: logger, escalation: escalation, scheme: scheme}
}

// Execute receives from state.Resource, inside the cycle transaction when
// there is one, and records the outcome on state. A timeout is not an error.
func (d *DequeueOperation) Execute(ctx context.Context, state *State) error {
	state.Outcome = DequeueReceiving
	state.Message = nil

	result := state.Resource.Receive(ctx, state.Timeout, state.Transaction.Transaction())
	switch result.Kind {
	case ResultMessage:
		state.Message = result.Message
		state.Outcome = DequeueReceived
		return nil

	case ResultEmpty:
		state.Outcome = DequeueTimedOut
		return nil

	case ResultAccessDenied:
		state.Outcome = DequeueFailedAccessDenied
		path := state.Endpoint.Path
		var denied *transport.AccessDeniedError
		if errors.As(result.Err, &denied) && denied.Path != "" {
			path = denied.Path
		}
		d.escalation.Escalate(path, result.Err)
		d.logDequeueError(state, result.Err)
		return fmt.Errorf("receive from %q: %w", state.Endpoint.Path, result.Err)

	default:
		state.Outcome = DequeueFailedTransport
		d.logDequeueError(state, result.Err)
		return fmt.Errorf("receive from %q: %w", state.Endpoint.Path, result.Err)
	}
}

func (d *DequeueOperation) logDequeueError(state *State, err error) {
	if d.logger == nil {
		return
	}
	d.logger.Error(
		fmt.Sprintf("could not dequeue from '%s': %v", state.Endpoint.URI(d.scheme), err),
		err,
		logging.LogFields{"queue": state.Endpoint.Path},
	)
}
