// Package api hosts the admin HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for health checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/targets for the configured targets and their next due time.
//   - POST /v1/targets/{target_id}/run to trigger a run out of schedule.
//   - GET /v1/runs for recent run reports.
package api
