// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - /v1/jobs for submission, listing, stop and cancel.
//   - /v1/tasks for scheduled task management and run-now.
//   - /v1/cron/validate and /v1/cron/next for expression helpers.
//
// Caller errors map to 400, unknown records to 404 and illegal state
// changes to 409.
package api
