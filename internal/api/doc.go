// Package api hosts the HTTP server, middleware, and handlers for the image
// download service. Notable routes:
//   - GET /health for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - POST and GET /v1/download_pic_from_url to fetch an image through the
//     shared headless browser.
package api
