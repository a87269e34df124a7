// Package main hosts the harvester entrypoint.
//
// Architecture overview:
//   - Work queue: ids come from job.ids_file and job.ids, are deduplicated, and are filtered against the progress
//     store so completed items are never fetched again. job.target caps how many are attempted.
//   - Controller: items are processed in batches. A governor bounds how many run at once and paces each start;
//     the batch is joined before progress is flushed, so a crash loses at most the batch in flight.
//   - Fetch pipeline: the source (colly HTTP, chromedp headless, or a local directory) returns raw bytes, the
//     extractor hashes them, and the size-adaptive encoder shrinks images until they fit the sink ceiling.
//   - Persistence & fanout: artifacts land in GCS or a local directory. Progress lives in a JSON file or Postgres.
//     Lifecycle events go through a buffered hub to zap logs, Prometheus and, when a topic is set, Pub/Sub.
//   - Monitor: after each batch the error rate and process memory are checked. High error rates throttle the
//     governor, a calm window restores it, and the hard memory ceiling aborts the job.
//
// Operational notes:
//   - SIGINT/SIGTERM lets the current batch finish, flushes progress and exits. Re-running resumes.
//   - Rate limiting/backoff: 429s halve the per-host request rate and throttle the governor. Retries back off
//     linearly from the current delay, capped by tuning.max_wait_ms.
//   - The status API (server.enabled) serves /healthz, /readyz, /metrics and /v1 job, rate and progress views.
//
// Quick checklist:
//   - Configure env vars: HARVEST_JOB_IDS_FILE, HARVEST_SOURCE_URL_TEMPLATE, HARVEST_SINK_KIND, HARVEST_SINK_BUCKET,
//     HARVEST_PROGRESS_BACKEND and HARVEST_PROGRESS_DSN when progress should live in Postgres.
//   - Run locally: go run ./cmd/harvester run --config config.yaml
//   - Inspect: go run ./cmd/harvester status --config config.yaml [--id ID]
package main
