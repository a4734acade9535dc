// Package sinks implements progress consumers: structured logging, Prometheus
// collectors, and a per-requester Broadcaster for push delivery to clients.
package sinks
