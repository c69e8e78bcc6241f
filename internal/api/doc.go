// Package api hosts the operator HTTP server. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/urls to seed the work queue.
//   - GET /v1/queue, /v1/dead, /v1/proxies and /v1/rate for pipeline introspection.
//   - GET /v1/products/{key} to read a stored product.
package api
