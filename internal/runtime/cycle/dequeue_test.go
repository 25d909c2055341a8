package cycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/dequeueflow/transport"
)

func newDequeueState(t *testing.T, d *fakeDriver, transactional bool) *State {
	t.Helper()
	state := NewState("cycle-1", endpoint("orders", transactional, ""), time.Second)
	state.Resource = NewQueueResource(d)
	var tx transport.Transaction
	if transactional {
		tx = &fakeTx{driver: d}
	}
	state.Transaction = NewTransactionCoordinator(tx)
	require.NoError(t, state.Resource.Open(context.Background(), state.Endpoint))
	return state
}

func TestDequeueOperationReceived(t *testing.T) {
	d := newFakeDriver()
	msg := &transport.Message{ID: "1", Label: "Order-1"}
	d.push("orders", msg)
	logger := newRecordingLogger()
	op := NewDequeueOperation(logger, testEscalation(logger, false, &fatalRecorder{}), "fake")
	state := newDequeueState(t, d, true)

	require.NoError(t, op.Execute(context.Background(), state))
	assert.Equal(t, DequeueReceived, state.Outcome)
	assert.Same(t, msg, state.Message)
	assert.Same(t, state.Transaction.Transaction(), d.queues["orders"].receiveTx[0])
}

func TestDequeueOperationTimedOut(t *testing.T) {
	d := newFakeDriver()
	logger := newRecordingLogger()
	op := NewDequeueOperation(logger, testEscalation(logger, false, &fatalRecorder{}), "fake")
	state := newDequeueState(t, d, false)
	state.Message = &transport.Message{ID: "stale"}

	require.NoError(t, op.Execute(context.Background(), state))
	assert.Equal(t, DequeueTimedOut, state.Outcome)
	assert.Nil(t, state.Message)
	assert.Nil(t, d.queues["orders"].receiveTx[0])
	assert.Empty(t, logger.byLevel("error"))
}

func TestDequeueOperationAccessDenied(t *testing.T) {
	d := newFakeDriver()
	denied := &transport.AccessDeniedError{Path: "private/orders", Err: errors.New("403")}
	logger := newRecordingLogger()
	rec := &fatalRecorder{}
	op := NewDequeueOperation(logger, testEscalation(logger, false, rec), "fake")
	state := newDequeueState(t, d, false)
	d.queues["orders"].receiveErr = denied

	err := op.Execute(context.Background(), state)

	require.Error(t, err)
	assert.True(t, transport.IsAccessDenied(err))
	assert.Equal(t, DequeueFailedAccessDenied, state.Outcome)
	require.Len(t, logger.byLevel("fatal"), 1)
	assert.Contains(t, logger.byLevel("fatal")[0].msg, "'private/orders'")
	require.Len(t, rec.calls, 1)
	assert.Equal(t, "private/orders", rec.calls[0].Path)
	errs := logger.byLevel("error")
	require.Len(t, errs, 1)
	assert.Equal(t, "could not dequeue from 'fake://orders': "+denied.Error(), errs[0].msg)
}

func TestDequeueOperationTransportFailure(t *testing.T) {
	d := newFakeDriver()
	broken := errors.New("connection reset")
	logger := newRecordingLogger()
	rec := &fatalRecorder{}
	op := NewDequeueOperation(logger, testEscalation(logger, false, rec), "fake")
	state := newDequeueState(t, d, false)
	d.queues["orders"].receiveErr = broken

	err := op.Execute(context.Background(), state)

	require.ErrorIs(t, err, broken)
	assert.Equal(t, DequeueFailedTransport, state.Outcome)
	errs := logger.byLevel("error")
	require.Len(t, errs, 1)
	assert.Equal(t, "could not dequeue from 'fake://orders': connection reset", errs[0].msg)
	assert.Empty(t, logger.byLevel("fatal"))
	assert.Empty(t, rec.calls)
}

func TestDequeueStateString(t *testing.T) {
	assert.Equal(t, "idle", DequeueIdle.String())
	assert.Equal(t, "receiving", DequeueReceiving.String())
	assert.Equal(t, "timed_out", DequeueTimedOut.String())
	assert.Equal(t, "access_denied", DequeueFailedAccessDenied.String())
	assert.Equal(t, "empty", ResultEmpty.String())
	assert.Equal(t, "transport", ResultTransport.String())
}
