// Package gpsflow is an asynchronous GPS ingestion pipeline built on Watermill.
// Publishers submit position samples over HTTP; each sample is shallow-checked,
// published to a broker, consumed, fully validated and persisted through a
// storage gateway backed by SQLite or PostgreSQL. Messages that cannot be
// processed end on a dead-letter queue where they are logged, counted and
// optionally kept for later analysis. A retention scheduler purges records
// older than the configured window.
//
// Config selects the broker (RabbitMQ, Kafka, NATS, NATS JetStream, or Go
// channels for tests) and the database. Load layers defaults, an optional
// YAML file and GPSFLOW_* environment variables. A minimal setup loads a
// Config, creates a Service and hands it to Run, which supervises the router,
// the retention scheduler and the HTTP API until the context is cancelled.
//
// # Delivery semantics
//
// The HTTP intake answers 202 once the broker confirmed the envelope; the
// sample is persisted later. Deserialization and validation failures are
// dead-lettered without retry. Storage failures are retried with exponential
// backoff and dead-lettered once retries are exhausted. Brokers without a
// dead-letter exchange get one emulated through a poison queue topic.
//
// # Extension points
//
// ServiceDependencies accepts a custom TransportFactory, an injected
// StorageGateway, a DeadLetterSink, job hooks and extra middleware.
package gpsflow
