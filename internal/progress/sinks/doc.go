// Package sinks implements progress consumers: structured logging and
// Prometheus task metrics.
package sinks
