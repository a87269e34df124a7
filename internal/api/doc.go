// Package api hosts the read-only HTTP status surface of a running harvest.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/job for the current job snapshot.
//   - GET /v1/rate for the rate governor state.
//   - GET /v1/progress for record counts by status, and
//     /v1/progress/{id} for a single record.
package api
