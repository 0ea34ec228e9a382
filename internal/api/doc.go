// Package api hosts the status HTTP server for operators. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET/POST /v1/tasks and DELETE /v1/tasks/{handle} to inspect, enqueue
//     and cooperatively stop scheduled tasks.
//   - GET /v1/modules and /v1/prices/{module}/{gid} for the module registry
//     and recorded price history.
package api
