// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /screenshot?url= returns a PNG of the page, served from cache when fresh.
//   - DELETE /v1/cache[?url=] invalidates one screenshot or purges them all.
//   - GET /v1/stats reports cache and browser pool counters.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
