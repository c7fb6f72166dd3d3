// Package sinks implements report consumers: the durable report store,
// Prometheus, structured logging and a Pub/Sub publisher. Each satisfies
// reporting.Sink.
package sinks
