package runtime

import (
	"context"
	"time"

	"github.com/drblury/dequeueflow/internal/runtime/cycle"
	loggingpkg "github.com/drblury/dequeueflow/internal/runtime/logging"
)

// CycleContext provides information about one dequeue cycle to hooks.
type CycleContext struct {
	// Endpoint is the display name of the consumed endpoint.
	Endpoint string
	// Path is the queue path the cycle received from.
	Path string
	// CycleID identifies the cycle in logs and traces.
	CycleID string
	// MessageID is the id of the received message, empty when the receive timed out.
	MessageID string
	// Label is the label of the received message.
	Label string
	// Outcome is how the receive ended (only set in OnCycleDone and OnCycleError).
	Outcome cycle.DequeueState
	// Journaled reports whether a journal copy was sent.
	Journaled bool
	// Context is the worker context.
	Context context.Context
	// StartedAt is when the cycle started.
	StartedAt time.Time
	// Duration is how long the cycle took (only set in OnCycleDone and OnCycleError).
	Duration time.Duration
	// Attempt counts consecutive failed cycles before this one.
	Attempt int
}

func newCycleContext(ctx context.Context, state *cycle.State, attempt int) CycleContext {
	return CycleContext{
		Endpoint:  state.Endpoint.DisplayName(),
		Path:      state.Endpoint.Path,
		CycleID:   state.ID,
		Context:   ctx,
		StartedAt: time.Now(),
		Attempt:   attempt,
	}
}

func (c *CycleContext) finish(state *cycle.State) {
	c.Duration = time.Since(c.StartedAt)
	c.Outcome = state.Outcome
	c.Journaled = state.Journaled
	if state.Message != nil {
		c.MessageID = state.Message.ID
		c.Label = state.Message.Label
	}
}

// CycleHooks defines callbacks for cycle lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type CycleHooks struct {
	// OnCycleStart is called before the Start stage runs.
	OnCycleStart func(ctx CycleContext)

	// OnCycleDone is called after a cycle completed without error, whether or
	// not a message arrived.
	OnCycleDone func(ctx CycleContext)

	// OnCycleError is called when any stage of the cycle failed.
	OnCycleError func(ctx CycleContext, err error)
}

// Merge combines two CycleHooks, creating a new CycleHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h CycleHooks) Merge(other CycleHooks) CycleHooks {
	return CycleHooks{
		OnCycleStart: chainHooks(h.OnCycleStart, other.OnCycleStart),
		OnCycleDone:  chainHooks(h.OnCycleDone, other.OnCycleDone),
		OnCycleError: chainErrorHooks(h.OnCycleError, other.OnCycleError),
	}
}

func chainHooks(a, b func(CycleContext)) func(CycleContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CycleContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(CycleContext, error)) func(CycleContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx CycleContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// LoggingHooks returns pre-built hooks that log received messages and failed
// cycles. Empty cycles are logged at trace level.
func LoggingHooks(logger loggingpkg.ServiceLogger) CycleHooks {
	return CycleHooks{
		OnCycleDone: func(ctx CycleContext) {
			fields := loggingpkg.LogFields{
				"endpoint":    ctx.Endpoint,
				"cycle_id":    ctx.CycleID,
				"outcome":     ctx.Outcome.String(),
				"duration_ms": ctx.Duration.Milliseconds(),
			}
			if ctx.MessageID == "" {
				logger.Trace("Cycle completed without message", fields)
				return
			}
			fields["message_id"] = ctx.MessageID
			fields["label"] = ctx.Label
			fields["journaled"] = ctx.Journaled
			logger.Info("Message dequeued", fields)
		},
		OnCycleError: func(ctx CycleContext, err error) {
			fields := loggingpkg.LogFields{
				"endpoint":    ctx.Endpoint,
				"cycle_id":    ctx.CycleID,
				"outcome":     ctx.Outcome.String(),
				"message_id":  ctx.MessageID,
				"duration_ms": ctx.Duration.Milliseconds(),
				"attempt":     ctx.Attempt,
			}
			// The dequeue stage already logged receive failures at Error.
			if stage, ok := cycle.FailedStage(err); ok && stage == cycle.StageReceiveMessage {
				fields["error"] = err.Error()
				logger.Debug("Cycle failed", fields)
				return
			}
			logger.Error("Cycle failed", err, fields)
		},
	}
}

// MetricsHooks returns pre-built hooks that record cycle outcomes in metrics.
func MetricsHooks(metrics *CycleMetrics) CycleHooks {
	if metrics == nil {
		return CycleHooks{}
	}
	return CycleHooks{
		OnCycleDone: func(ctx CycleContext) {
			metrics.RecordCycle(ctx, nil)
		},
		OnCycleError: func(ctx CycleContext, err error) {
			metrics.RecordCycle(ctx, err)
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on failed cycles.
func AlertingHooks(alertFunc func(ctx CycleContext, err error)) CycleHooks {
	return CycleHooks{
		OnCycleError: alertFunc,
	}
}
