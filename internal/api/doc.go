// Package api hosts the HTTP server, middleware, and REST handlers for the
// headless operator console. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes; readyz reports 503
//     until the active console is connected.
//   - GET /metrics for Prometheus scraping.
//   - /api/console/... to read the live log buffer, drive the connection and
//     switch the watched bot.
//   - /api/bots and /api/analytics/{kind} proxying the fleet REST API.
package api
