// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/messages for inbound gateway events.
//   - POST /v1/login and GET /v1/browser/status for the admin console.
//   - /v1/users for identity and subscription administration.
package api
