// Package api hosts the HTTP server, middleware, and REST handlers. Notable routes:
//   - GET /healthz for probes and GET /metrics for Prometheus scraping.
//   - POST /api/crawler/sync, GET /api/crawler/preview and GET /api/crawler/runs
//     behind an HS256 bearer token.
//   - GET /api/crawler/cron?key= for schedulers.
//   - POST /api/crawler/submit, /check and /delete behind the x-crawler-key header.
//   - GET /uploads/... serving mirrored attachments when a local directory is configured.
package api
