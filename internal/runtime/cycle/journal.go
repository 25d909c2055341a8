package cycle

import (
	"context"
	"fmt"

	"github.com/drblury/dequeueflow/transport"
)

// journalCorrelationSuffix is appended to the label to form the correlation
// id of a journal copy. Journal readers match on it; it must not change.
const journalCorrelationSuffix = `\1`

// JournalCorrelationID returns the correlation id of the journal copy of a
// message labelled label.
func JournalCorrelationID(label string) string {
	return label + journalCorrelationSuffix
}

// NewJournalMessage builds the durable journal copy of msg. The body is
// copied, so the two messages never share storage.
func NewJournalMessage(msg *transport.Message) *transport.Message {
	body := make([]byte, len(msg.Body))
	copy(body, msg.Body)
	return &transport.Message{
		Label:         msg.Label,
		CorrelationID: JournalCorrelationID(msg.Label),
		Body:          body,
		Recoverable:   true,
	}
}

// JournalForwarder sends journal copies of received messages.
type JournalForwarder struct{}

// Forward sends the journal copy of state.Message, through the cycle
// transaction if there is one. It does nothing when no journal queue is open
// or no message was received.
func (JournalForwarder) Forward(ctx context.Context, state *State) error {
	if state.Resource.Journal() == nil || state.Message == nil {
		return nil
	}
	journalMsg := NewJournalMessage(state.Message)
	if err := state.Resource.Send(ctx, journalMsg, state.Transaction.Transaction()); err != nil {
		return fmt.Errorf("send journal message to %q: %w", state.Endpoint.JournalPath, err)
	}
	state.Journaled = true
	return nil
}
