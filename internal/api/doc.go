// Package api hosts the operator HTTP server of a fetch process. Routes:
//   - GET /healthz and /readyz for health checks. /readyz turns ready once a run starts.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for the status of the current or last run.
//   - GET /v1/pending for completion records still awaiting recovery.
package api
