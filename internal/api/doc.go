// Package api hosts the status server that runs alongside a crawl. Routes:
//   - GET /healthz and /readyz for liveness and dependency probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for the per-stage snapshot of the crawl in progress.
//   - GET /v1/runs, /v1/runs/{run_id} and /v1/runs/{run_id}/stages for run
//     history read through store.RunRepository.
package api
