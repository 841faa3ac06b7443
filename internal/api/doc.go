// Package api hosts the read-only status server that runs alongside a crawl.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /status for the latest progress snapshot of the running crawl.
//   - GET /api/runs and /api/runs/{run_id} for run history via the
//     ProgressRepository interface.
package api
