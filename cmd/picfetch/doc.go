// Package main hosts the picfetch service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes /health, /metrics and the
//     /v1/download_pic_from_url endpoints (POST JSON body or GET query).
//   - Shared browser: one Chrome process is launched at startup through
//     chromedp (default) or rod and is injected into the orchestrator. Every
//     request opens its own tab and closes it on every exit path.
//   - Pipeline: requests are validated, optionally served from the result
//     cache, fetched through the orchestrator, and on success archived,
//     recorded in Postgres and announced on Pub/Sub or Kafka.
//   - Configuration & plumbing: Viper populates config from defaults, an
//     optional YAML file, a dotenv file and PICFETCH_* env vars; zap provides
//     structured logging; Prometheus metrics are exported on /metrics.
//
// Quick checklist:
//   - Run locally: go run ./cmd/picfetch serve --config config.yaml
//   - One-shot download: go run ./cmd/picfetch fetch https://example.com/a.png -o a.png
//   - Cloud Run: the server listens on PORT and drains on SIGTERM before
//     closing the browser.
package main
