package cycle

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/dequeueflow/internal/runtime/errors"
	"github.com/drblury/dequeueflow/internal/runtime/logging"
	"github.com/drblury/dequeueflow/transport"
)

// TracerName is the instrumentation scope of cycle spans.
const TracerName = "github.com/drblury/dequeueflow/cycle"

// Stage names one step of the cycle. Stages run in declaration order.
type Stage int

const (
	StageStart Stage = iota
	StageBeginTransaction
	StageReceiveMessage
	StageSendJournalMessage
	StageHandleMessage
	StageCommitTransaction
	StageDispose
)

// Stages lists the stages in execution order.
var Stages = []Stage{
	StageStart,
	StageBeginTransaction,
	StageReceiveMessage,
	StageSendJournalMessage,
	StageHandleMessage,
	StageCommitTransaction,
	StageDispose,
}

func (s Stage) String() string {
	switch s {
	case StageStart:
		return "Start"
	case StageBeginTransaction:
		return "BeginTransaction"
	case StageReceiveMessage:
		return "ReceiveMessage"
	case StageSendJournalMessage:
		return "SendJournalMessage"
	case StageHandleMessage:
		return "HandleMessage"
	case StageCommitTransaction:
		return "CommitTransaction"
	case StageDispose:
		return "Dispose"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// StageError reports the stage at which a cycle failed.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return e.Stage.String() + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error { return e.Err }

// FailedStage returns the stage recorded in err, if any.
func FailedStage(err error) (Stage, bool) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage, true
	}
	return 0, false
}

// Handler processes a received message before the transaction commits.
// Returning an error aborts the cycle, which rolls a transactional receive back.
type Handler func(ctx context.Context, msg *transport.Message) error

// Observer runs the stages of the dequeue cycle for one driver.
type Observer struct {
	driver     transport.Driver
	logger     logging.ServiceLogger
	escalation *FailureEscalation
	dequeue    *DequeueOperation
	journal    JournalForwarder
	handler    Handler
	tracer     trace.Tracer
}

// ObserverOption customises an Observer.
type ObserverOption func(*Observer)

// WithEscalation replaces the access-denied escalation.
func WithEscalation(e *FailureEscalation) ObserverOption {
	return func(o *Observer) { o.escalation = e }
}

// WithHandler installs the application handler run by StageHandleMessage.
func WithHandler(h Handler) ObserverOption {
	return func(o *Observer) { o.handler = h }
}

// WithTracer replaces the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) ObserverOption {
	return func(o *Observer) { o.tracer = t }
}

// NewObserver returns an Observer on driver. Without WithEscalation,
// access-denied failures are logged at fatal severity but never terminate
// the process.
func NewObserver(driver transport.Driver, logger logging.ServiceLogger, opts ...ObserverOption) (*Observer, error) {
	if driver == nil {
		return nil, errspkg.ErrDriverRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	o := &Observer{driver: driver, logger: logger}
	for _, opt := range opts {
		opt(o)
	}
	if o.escalation == nil {
		o.escalation = NewFailureEscalation(logger, nil)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(TracerName)
	}
	o.dequeue = NewDequeueOperation(logger, o.escalation, driver.Capabilities().Name)
	return o, nil
}

// Start creates the cycle transaction iff the endpoint is transactional and
// opens the queues.
func (o *Observer) Start(ctx context.Context, state *State) error {
	state.Resource = NewQueueResource(o.driver)

	var tx transport.Transaction
	if state.Endpoint.Transactional {
		var err error
		tx, err = o.driver.NewTransaction()
		if errors.Is(err, transport.ErrTransactionsUnsupported) {
			return fmt.Errorf("%w: %s", errspkg.ErrTransactionsDisabled, o.driver.Capabilities().Name)
		}
		if err != nil {
			return fmt.Errorf("create transaction: %w", err)
		}
	}
	state.Transaction = NewTransactionCoordinator(tx)

	if err := state.Resource.Open(ctx, state.Endpoint); err != nil {
		var denied *transport.AccessDeniedError
		if errors.As(err, &denied) {
			o.escalation.Escalate(denied.Path, err)
		}
		return err
	}
	return nil
}

// BeginTransaction starts the cycle transaction, if any.
func (o *Observer) BeginTransaction(ctx context.Context, state *State) error {
	return state.Transaction.Begin(context.WithoutCancel(ctx))
}

// ReceiveMessage runs the dequeue operation.
func (o *Observer) ReceiveMessage(ctx context.Context, state *State) error {
	return o.dequeue.Execute(ctx, state)
}

// SendJournalMessage forwards a journal copy of the received message.
func (o *Observer) SendJournalMessage(ctx context.Context, state *State) error {
	return o.journal.Forward(context.WithoutCancel(ctx), state)
}

// HandleMessage passes the received message to the application handler.
func (o *Observer) HandleMessage(ctx context.Context, state *State) error {
	if o.handler == nil || state.Message == nil {
		return nil
	}
	if err := o.handler(ctx, state.Message); err != nil {
		return fmt.Errorf("handle message %q: %w", state.Message.ID, err)
	}
	return nil
}

// CommitTransaction commits the cycle transaction, if any.
func (o *Observer) CommitTransaction(ctx context.Context, state *State) error {
	return state.Transaction.Commit(context.WithoutCancel(ctx))
}

// Dispose releases the transaction and the queues. It is safe to call on a
// state whose Start failed or never ran, and more than once.
func (o *Observer) Dispose(_ context.Context, state *State) error {
	return errors.Join(state.Transaction.Dispose(), state.Resource.Close())
}

// Run invokes one stage.
func (o *Observer) Run(ctx context.Context, stage Stage, state *State) error {
	switch stage {
	case StageStart:
		return o.Start(ctx, state)
	case StageBeginTransaction:
		return o.BeginTransaction(ctx, state)
	case StageReceiveMessage:
		return o.ReceiveMessage(ctx, state)
	case StageSendJournalMessage:
		return o.SendJournalMessage(ctx, state)
	case StageHandleMessage:
		return o.HandleMessage(ctx, state)
	case StageCommitTransaction:
		return o.CommitTransaction(ctx, state)
	case StageDispose:
		return o.Dispose(ctx, state)
	default:
		return fmt.Errorf("unknown stage %s", stage)
	}
}

// Execute runs every stage in order over state. The first failing stage
// aborts the rest; Dispose runs regardless and its error is joined with the
// stage error.
func (o *Observer) Execute(ctx context.Context, state *State) (err error) {
	ctx, span := o.tracer.Start(ctx, "DequeueCycle")
	span.SetAttributes(
		attribute.String("cycle.id", state.ID),
		attribute.String("queue.path", state.Endpoint.Path),
		attribute.Bool("queue.transactional", state.Endpoint.Transactional),
		attribute.Bool("queue.journal", state.Endpoint.Journal),
	)
	defer func() {
		if disposeErr := o.runStage(ctx, StageDispose, state); disposeErr != nil {
			err = errors.Join(err, &StageError{Stage: StageDispose, Err: disposeErr})
		}
		span.SetAttributes(attribute.String("cycle.outcome", state.Outcome.String()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	for _, stage := range Stages[:len(Stages)-1] {
		if err := o.runStage(ctx, stage, state); err != nil {
			return &StageError{Stage: stage, Err: err}
		}
	}
	return nil
}

func (o *Observer) runStage(ctx context.Context, stage Stage, state *State) error {
	ctx, span := o.tracer.Start(ctx, stage.String())
	defer span.End()

	err := o.Run(ctx, stage, state)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}
