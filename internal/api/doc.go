// Package api hosts the HTTP server, middleware, and handlers for operator
// access. Notable routes:
//   - GET /start, /close and /terminate control the browser session and the process.
//   - GET /start/scrapp?url= and POST /v1/tasks queue a harvest.
//   - GET /v1/leases lists in-flight tasks grouped by lease.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
