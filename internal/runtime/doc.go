/*
Package runtime runs transactional dequeue cycles against the configured
queue endpoints.

# Architecture Overview

A Service owns one transport.Driver and runs one Worker per configured
endpoint. Every Worker repeatedly executes a dequeue cycle through a shared
cycle.Observer:

	Start -> BeginTransaction -> ReceiveMessage -> SendJournalMessage
	      -> HandleMessage -> CommitTransaction -> Dispose

Dispose always runs. A cycle that fails before CommitTransaction leaves the
received message on the queue when the endpoint is transactional.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - the queue driver built by a transport factory
  - the cycle observer with its failure escalation
  - one Worker per endpoint
  - HTTP servers for Prometheus metrics and the status API

## Workers (worker.go)

Workers loop cycles until their context is done, backing off exponentially
after failures. An access-denied failure is escalated once and stops the
worker, which stops the Service unless an operator is attached; then the
worker parks in the failed state and the other endpoints keep running.

## Hooks & Metrics (hooks.go, cycle_metrics.go)

CycleHooks observe every cycle. The default hooks log outcomes and record
Prometheus metrics per endpoint.

## Status API (status.go)

Read-only JSON endpoints describing workers and metric snapshots.

# Sub-packages

  - config/: Service configuration, endpoints and environment overrides
  - cycle/: The dequeue cycle state machine and its stages
  - errors/: Sentinel errors and error types
  - ids/: ULID generation for message and cycle IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - transport/: Driver factory over the registered transports

# Usage Example

	cfg := &dequeueflow.Config{
		Transport:  "sqlite",
		SQLiteFile: "queues.db",
		Endpoints: []dequeueflow.Endpoint{{
			Path:          "orders",
			Transactional: true,
			Journal:       true,
			JournalPath:   "orders-journal",
		}},
	}

	svc := dequeueflow.NewService(cfg, logger, ctx, dequeueflow.ServiceDependencies{
		Handler: processOrder,
	})

	svc.Start(ctx)
*/
package runtime
