// Package main hosts the review harvester service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes browser session control (/start, /close, /terminate), submission
//     (/start/scrapp?url= and POST /v1/tasks), lease inspection, health probes and /metrics.
//   - Queue: submissions become durable tasks in the configured task store (sqlite, badger, postgres or memory).
//     The queue engine leases batches by priority and FIFO/LIFO order, runs one task at a time, retries failures
//     and emits lifecycle events. An optional sweeper returns tasks whose lease outlived lease_timeout.
//   - Harvest pipeline: the worker acquires the single headless Chrome session, paces page loads per host, loads the
//     place page, parses place info with goquery and grows the review list until it stops growing for idle_window.
//   - Persistence & fanout: the place JSON is written to the configured blob store (memory/local/GCS) and a compact
//     Pub/Sub notification is published when enabled.
//   - Observability: zap logs carry task IDs at every transition; the progress hub feeds Prometheus collectors and
//     the job log; OpenTelemetry spans wrap every task and export to Cloud Trace when telemetry.project_id is set.
//
// Quick checklist:
//   - Configure env vars: HARVESTER_SERVER_PORT or PORT, HARVESTER_QUEUE_BACKEND, HARVESTER_SQLITE_PATH,
//     HARVESTER_DATABASE_DSN, HARVESTER_STORAGE_* and HARVESTER_PUBSUB_*.
//   - Run locally: go run ./cmd/harvester -config config.yaml, then GET /start and GET /start/scrapp?url=....
//   - The process exits on SIGTERM or GET /terminate once the browser is closed.
package main
