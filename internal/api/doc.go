// Package api serves the fetch cascade over HTTP. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/fetch to fetch one URL through the cascade.
//   - POST /v1/batch to fetch many URLs and optionally archive them.
//   - GET /v1/failed for URLs whose last fetch exhausted every strategy.
package api
