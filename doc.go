// Package dequeueflow runs transactional dequeue cycles against message
// queues. Each cycle opens an endpoint queue, begins a transaction when the
// endpoint is transactional, receives at most one message within a timeout,
// optionally forwards a journal copy of it to a paired queue, hands it to a
// MessageHandler and commits. The queue handles and the transaction are
// released on every path.
//
// A minimal setup fills Config with a transport and one or more Endpoints,
// creates a Service, and calls Start:
//
//	svc := dequeueflow.NewService(cfg, logger, ctx, dequeueflow.ServiceDependencies{
//		Handler: func(ctx context.Context, msg *dequeueflow.Message) error {
//			return process(msg.Body)
//		},
//	})
//	err := svc.Start(ctx)
//
// # Transports
//
// Six queue transports are registered out of the box:
//   - channel: In-memory queues for tests, with emulated transactions
//   - sqlite: Embedded persistent queue, transactions on the database
//   - postgres: PostgreSQL queue using SKIP LOCKED, transactions on the database
//   - rabbitmq: AMQP queues, transactions through AMQP channel tx mode
//   - aws: SQS queues, receive deletes only on commit
//   - nats-jetstream: JetStream work queues, acks deferred to commit
//
// # Outcomes
//
// A cycle that waits out its timeout is Empty and is not an error. An
// access-denied failure is logged once at fatal severity and, unless the
// process is interactive, handed to ServiceDependencies.OnFatal, which by
// default exits with ExitCodeAccessDenied. Any other transport failure is
// logged and returned; the worker backs off and retries.
//
// # Cycle Hooks
//
// CycleHooks provide OnCycleStart, OnCycleDone, and OnCycleError callbacks for
// custom logging, metrics collection, and alerting around every cycle.
package dequeueflow
