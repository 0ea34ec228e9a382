// Package progress carries task lifecycle events from the scheduler to
// pluggable sinks. Emit never blocks; a background goroutine batches events
// and fans them out to sinks such as structured logs or Prometheus.
package progress
