// Package api hosts the operator HTTP server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/proxies for proxy pool stats.
//   - GET /v1/runs/last for the last sync pass summary.
//   - GET /v1/events for recently published item events.
//   - GET /v1/latest and /v1/series/{slug}/... for read-only catalog access.
//
// The server never triggers a sync.
package api
