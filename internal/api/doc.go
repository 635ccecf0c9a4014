// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/items for bulk candidate submission.
//   - GET /v1/items, /v1/items/{identity} and /v1/stats for inspecting a
//     running crawl.
package api
