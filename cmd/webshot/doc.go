// Package main hosts the webshot service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes GET /screenshot?url=, cache
//     invalidation, stats, health and metrics endpoints.
//   - Coordinator: internal/coordinator normalizes the URL into a cache key,
//     serves fresh screenshots from the LRU cache and collapses concurrent
//     misses for the same key into one browser capture.
//   - Browser pool: internal/pool keeps a fixed number of headless Chrome
//     sessions warm, recycles sessions that crash or time out, and relaunches
//     them with jittered backoff. Once every session is gone and relaunches
//     keep failing the pool reports itself degraded and captures fail fast.
//   - Archive: fresh captures are optionally written to a BlobStore
//     (memory/local/GCS), recorded in Postgres and announced on Pub/Sub.
//   - Configuration & plumbing: Viper populates config from env/files; zap
//     provides structured logging; Prometheus metrics are exported at /metrics.
//
// Quick checklist:
//   - Configure env vars: WEBSHOT_SERVER_PORT, WEBSHOT_POOL_SIZE,
//     WEBSHOT_CAPTURE_TIMEOUT_SECONDS, WEBSHOT_CACHE_TTL_SECONDS,
//     WEBSHOT_BROWSER_DRIVER (chromedp|scripted|noop), storage
//     (WEBSHOT_STORAGE_*), pubsub and database DSN when archiving is wanted.
//   - Run locally: go run ./cmd/webshot -config config.yaml (or rely solely
//     on env overrides).
//   - The process drains in-flight captures on SIGINT/SIGTERM before closing
//     the browser pool.
package main
