// Package main hosts the progress tracking service entrypoint.
//
// Architecture overview:
//   - Ingestion: the document-processing pipeline reports into progress.Tracker,
//     which holds the authoritative per-session state behind a per-session
//     exclusive region. Updates are validated, folded into weighted overall
//     percentages, and turned into immutable snapshots.
//   - Fan-out: progress.Hub pushes full-snapshot events (progress, heartbeat,
//     complete, error) to live subscribers. Delivery is non-blocking per
//     subscriber; a consumer that cannot keep up is disconnected rather than
//     allowed to slow the pipeline.
//   - Persistence: each session has a batched snapshot writer that coalesces
//     updates, flushes on a fixed interval, and bypasses the interval at
//     session/file/phase boundaries and on terminal transitions. Write failures
//     retry with exponential backoff and then degrade to in-memory operation,
//     flagged on the snapshot.
//   - HTTP API: internal/api.Server exposes health, metrics, a one-shot
//     snapshot poll, and an SSE stream per session. Polls for evicted sessions
//     fall back to the Postgres snapshot store.
//   - Recovery & eviction: at startup, sessions left in running state by a
//     previous process are rewritten as interrupted before ingestion opens. A
//     background reaper evicts terminal sessions past retention and fails
//     abandoned ones, keeping memory bounded by active work.
//   - Configuration & plumbing: Viper populates config from env/files; zap
//     provides structured logging; Prometheus metrics are exported via the
//     metrics middleware and /metrics handler; terminal sessions optionally
//     publish a Pub/Sub notification for downstream report generation.
//
// Operational notes:
//   - Shutdown is coordinated via context cancellation from main: the HTTP
//     server drains, every session writer performs a final flush, and the hub
//     closes its subscriber channels. SIGTERM is honored for Cloud Run drain.
//   - Observability: zap logs carry session IDs at key transitions; Prometheus
//     counters/histograms track ingestion throughput, event fan-out, snapshot
//     write latency, and subscriber churn.
//
// Quick checklist:
//   - Configure env vars: PROGRESS_SERVER_PORT, PROGRESS_DB_DSN for Postgres
//     persistence (omit for in-memory), PROGRESS_PUBSUB_PROJECT_ID and
//     PROGRESS_PUBSUB_TOPIC_NAME for terminal notifications, and
//     PROGRESS_AUTH_API_KEY when the API is exposed beyond the cluster.
//   - Run locally: go run ./cmd/progressd -config config.yaml (or rely solely
//     on env overrides).
package main
