// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/sources/{source}/crawl and /stop to control crawl sessions.
//   - GET /v1/persons, /v1/groups and /v1/legislatures for the crawled data.
package api
