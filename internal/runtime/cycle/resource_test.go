package cycle

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/dequeueflow/internal/runtime/errors"
	"github.com/drblury/dequeueflow/transport"
)

func TestQueueResourceOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("primary only without journal", func(t *testing.T) {
		d := newFakeDriver()
		r := NewQueueResource(d)

		require.NoError(t, r.Open(ctx, endpoint("orders", false, "")))
		assert.NotNil(t, r.Queue())
		assert.Nil(t, r.Journal())
		assert.Equal(t, []string{"open:orders"}, d.events)
	})

	t.Run("primary and journal", func(t *testing.T) {
		d := newFakeDriver()
		r := NewQueueResource(d)

		require.NoError(t, r.Open(ctx, endpoint("orders", false, "orders-journal")))
		assert.Equal(t, "orders", r.Queue().Path())
		assert.Equal(t, "orders-journal", r.Journal().Path())
	})

	t.Run("second open is a no-op", func(t *testing.T) {
		d := newFakeDriver()
		r := NewQueueResource(d)

		require.NoError(t, r.Open(ctx, endpoint("orders", false, "")))
		require.NoError(t, r.Open(ctx, endpoint("orders", false, "")))
		assert.Equal(t, 1, d.queues["orders"].opened)
	})

	t.Run("journal failure closes primary", func(t *testing.T) {
		d := newFakeDriver()
		d.openErr["orders-journal"] = errors.New("no such queue")
		r := NewQueueResource(d)

		err := r.Open(ctx, endpoint("orders", false, "orders-journal"))
		require.Error(t, err)
		assert.Nil(t, r.Queue())
		assert.Equal(t, 1, d.queues["orders"].closed)
	})

	t.Run("no driver", func(t *testing.T) {
		r := NewQueueResource(nil)
		require.ErrorIs(t, r.Open(ctx, endpoint("orders", false, "")), errspkg.ErrDriverRequired)
	})
}

func TestQueueResourceReceive(t *testing.T) {
	ctx := context.Background()
	denied := &transport.AccessDeniedError{Path: "orders", Err: errors.New("403")}
	broken := errors.New("connection reset")
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	expired, cancelExpired := context.WithDeadline(ctx, time.Now().Add(-time.Second))
	defer cancelExpired()

	tests := []struct {
		name string
		ctx  context.Context
		err  error
		want ResultKind
	}{
		{name: "timeout", err: transport.ErrTimeout, want: ResultEmpty},
		{name: "wrapped timeout", err: fmt.Errorf("poll: %w", transport.ErrTimeout), want: ResultEmpty},
		{name: "cancelled", ctx: cancelled, err: context.Canceled, want: ResultEmpty},
		{name: "deadline", ctx: expired, err: context.DeadlineExceeded, want: ResultEmpty},
		{name: "driver deadline on live ctx", err: fmt.Errorf("sqs receive: %w", context.DeadlineExceeded), want: ResultTransport},
		{name: "driver cancel on live ctx", err: context.Canceled, want: ResultTransport},
		{name: "access denied", err: denied, want: ResultAccessDenied},
		{name: "wrapped access denied", err: fmt.Errorf("get: %w", denied), want: ResultAccessDenied},
		{name: "transport", err: broken, want: ResultTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := newFakeDriver()
			r := NewQueueResource(d)
			require.NoError(t, r.Open(ctx, endpoint("orders", false, "")))
			d.queues["orders"].receiveErr = tt.err

			receiveCtx := ctx
			if tt.ctx != nil {
				receiveCtx = tt.ctx
			}
			got := r.Receive(receiveCtx, time.Second, nil)
			assert.Equal(t, tt.want, got.Kind)
			assert.Nil(t, got.Message)
			if tt.want == ResultEmpty {
				assert.NoError(t, got.Err)
			} else {
				assert.ErrorIs(t, got.Err, tt.err)
			}
		})
	}

	t.Run("message inside transaction", func(t *testing.T) {
		d := newFakeDriver()
		d.push("orders", &transport.Message{ID: "1", Label: "Order-1"})
		r := NewQueueResource(d)
		require.NoError(t, r.Open(ctx, endpoint("orders", true, "")))
		tx := &fakeTx{driver: d}

		got := r.Receive(ctx, 2*time.Second, tx)
		require.Equal(t, ResultMessage, got.Kind)
		assert.Equal(t, "Order-1", got.Message.Label)
		assert.Equal(t, []time.Duration{2 * time.Second}, d.queues["orders"].timeouts)
		assert.Same(t, tx, d.queues["orders"].receiveTx[0])
	})

	t.Run("not open", func(t *testing.T) {
		got := NewQueueResource(newFakeDriver()).Receive(ctx, time.Second, nil)
		assert.Equal(t, ResultTransport, got.Kind)
		assert.ErrorIs(t, got.Err, errspkg.ErrQueueNotOpen)
	})
}

func TestQueueResourceSendRequiresJournal(t *testing.T) {
	ctx := context.Background()
	d := newFakeDriver()
	r := NewQueueResource(d)
	require.NoError(t, r.Open(ctx, endpoint("orders", false, "")))

	err := r.Send(ctx, &transport.Message{Label: "x"}, nil)
	require.ErrorIs(t, err, errspkg.ErrJournalNotOpen)
	assert.Empty(t, d.queues["orders"].sent)
}

func TestQueueResourceClose(t *testing.T) {
	ctx := context.Background()

	t.Run("closes both once", func(t *testing.T) {
		d := newFakeDriver()
		r := NewQueueResource(d)
		require.NoError(t, r.Open(ctx, endpoint("orders", false, "orders-journal")))

		require.NoError(t, r.Close())
		require.NoError(t, r.Close())
		assert.Equal(t, 1, d.queues["orders"].closed)
		assert.Equal(t, 1, d.queues["orders-journal"].closed)
		assert.Nil(t, r.Queue())
		assert.Nil(t, r.Journal())
	})

	t.Run("never opened", func(t *testing.T) {
		assert.NoError(t, NewQueueResource(newFakeDriver()).Close())
		var r *QueueResource
		assert.NoError(t, r.Close())
	})
}
