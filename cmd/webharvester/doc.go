// Package main hosts the webharvester service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, job management, data
//     cleaning, record listing, and export endpoints. Submissions are validated and
//     persisted through the JobStore before workers can claim them.
//   - Queue & dispatcher: jobs live in the JobStore (memory or Postgres) and are
//     claimed atomically by a fixed worker pool sized by worker.concurrency. Leases
//     expire when heartbeats stop, so crashed workers never strand a job. Context
//     cancellation stops workers cleanly on shutdown.
//   - Fetch pipeline: workers probe with the Colly-based fetcher first and promote
//     to a headless Chromedp fetch when the job requests rendering or the heuristic
//     detector flags an SPA shell. Per-domain token buckets pace outbound requests
//     and circuit breakers shed traffic to failing hosts.
//   - Cleaning & scoring: fetched content runs through the analyzer and the cleaning
//     rule set (email, phone, URL, text, price), producing per-record confidence and
//     quality scores before persistence.
//   - Persistence & fanout: raw HTML is written to the configured blob store
//     (memory/local/GCS), records land in the JobStore, and a compact Pub/Sub
//     notification is published when a project is configured. Progress events are
//     batched through the progress hub into log and Prometheus sinks.
//   - Configuration & plumbing: Viper populates config from env (HARVESTER_*) and
//     files; zap provides structured logging; Prometheus metrics are exported via
//     the metrics middleware and /metrics handler.
//
// Run locally: go run ./cmd/webharvester -config config.yaml (or rely solely on
// env overrides). The process reacts to SIGTERM for graceful drain: the HTTP
// server stops accepting work, in-flight jobs finish or lapse back to pending,
// and backing clients are closed.
package main
