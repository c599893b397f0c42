/*
Package runtime implements the asynchronous GPS ingestion pipeline.

# Architecture Overview

Samples enter through Service.Submit, are shallow-validated and published by
the Producer, consumed from the processing queue by the Consumer, and written
through the storage gateway. Messages the Consumer cannot process end on the
dead-letter path, where the DeadLetterHandler logs them. The
RetentionScheduler purges old records on its own timer.

# Package Structure

## Core Service (service.go)

The Service struct wires together:
  - the broker transport built from the transport registry
  - the Watermill router with the consumer and dead-letter handlers
  - the storage gateway
  - Prometheus collectors on a per-service registry

## Pipeline stages

  - producer.go: Producer.Enqueue, guarded by a circuit breaker
  - consumer.go: Consumer.Handle, the per-message state machine
  - deadletter.go: DeadLetterHandler and the DeadLetterSink extension point
  - retention.go: RetentionScheduler.RunOnce and Serve

## Middleware (middleware.go)

Router-wide: correlation id, debug message logging, tracing, handler stats
and router metrics. The consumer handler additionally gets, outermost
first, the poison queue (only when the broker has no dead-letter exchange),
retry for retryable failures, job hooks and panic recovery.

## Delivery outcome

A nil handler error acknowledges the message. Deserialization and validation
failures are never retried. Other failures are retried with exponential
backoff up to the configured limit; after that the message is rejected
without requeue, or published to the dead-letter topic when the dead-letter
path is emulated.

## Supervision (supervisor.go)

NewSupervisor runs the router, the retention scheduler and the HTTP server
under a suture tree.
*/
package runtime
