// Package api hosts the HTTP server, middleware, and REST handlers for
// observer access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/sessions/{id}/progress for one-shot snapshot polls.
//   - GET /api/sessions/{id}/progress/stream for the SSE event stream.
package api
