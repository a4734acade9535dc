// Package progress carries search lifecycle events from workers to interested
// parties. A non-blocking Hub batches events on a background goroutine and
// fans them out to sinks such as structured logs, Prometheus collectors, and
// the per-requester Broadcaster behind the server-sent events endpoint.
package progress
