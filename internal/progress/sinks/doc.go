// Package sinks implements concrete progress consumers: Prometheus collectors,
// repository-backed run tracking, structured logging, and an in-memory status
// board. Each sink satisfies progress.Sink.
package sinks
