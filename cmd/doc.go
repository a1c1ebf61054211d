// Package cmd defines and implements the CLI commands for the bundlefetch executable.
//
// Architecture overview:
//   - Locators (internal/locator/...) discover work: a single URL, new files in an SFTP or local directory, a
//     cursor-paginated API, a listing walked newest page first, or a date/prefix space narrowed until each query
//     fits under a result cap. Each locator persists its position in the KV store under locator:<name>:....
//   - Coordinator & queue: the fetcher seeds an in-memory work queue from the plan and the locators, then a fixed
//     pool of workers drains it. The coordinator polls locators again whenever the queue runs dry and finishes the
//     run only when no locator produced work, the context is live, and no worker is busy.
//   - Loaders (internal/protocol/...) fetch one request each. HTTP and SFTP go through per-protocol managers that
//     own rate limiting, credentials, and the retry engine; permanent errors skip the retry loop.
//   - Storage: every bundle is a directory of resources plus manifest.json, written through a Backend (local disk,
//     GCS, gocloud blob, memory). Completion writes pending_completion:<recipe>:<bid> to the KV store, runs hooks
//     (the Postgres catalog, the run tracker, completion-aware locators), publishes to Pub/Sub, then deletes the
//     record. Records left by a crash are replayed at the start of the next run.
//   - Configuration & plumbing: Viper populates config from file and BUNDLEFETCH_* env vars; zap provides structured
//     logging; Prometheus metrics and run status are served by the operator API; OpenTelemetry spans cover each
//     request and can be exported to Google Cloud Trace.
//
// Quick checklist:
//   - Configure sources under sources: in bundlefetch.yaml and secrets as BUNDLEFETCH_CREDENTIALS_<ID>_<KEY>.
//   - Set run.recipe_id to the same value across runs so pending completions are replayed.
//   - Run locally: go run . run --config bundlefetch.yaml, or check the file first with go run . validate.
package cmd
