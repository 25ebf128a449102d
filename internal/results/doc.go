// Package results persists per-case stage payloads and the final case status
// in results.db, the store read by the dashboard and `heimdallr results`.
package results
