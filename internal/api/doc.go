// Package api hosts the HTTP surface of the search queue. Notable routes:
//   - POST /v1/searches submits queries for a requester fingerprint.
//   - GET /v1/searches and /v1/searches/{id} read a requester's searches.
//   - DELETE /v1/searches[/{id}] disassociates the requester.
//   - GET /v1/events streams progress for a fingerprint as server-sent events.
//   - GET /healthz, /readyz, and /metrics for probes and Prometheus.
package api
