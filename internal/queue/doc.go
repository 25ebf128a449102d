// Package queue persists processing cases in SQLite and exposes helpers for
// driving their lifecycle.
//
// One row exists per case identifier. Rows move pending -> running through a
// single conditional UPDATE so two claimers can never both win, and on to
// succeeded or failed when the pipeline finishes. Reconcile runs at startup
// to repair rows left running by a crash, using the recorded archive path to
// tell a completed relocation from an interrupted one.
//
// The database is transient storage for in-flight work; schema changes bump
// the version in schema.go and operators delete the file to adopt them.
package queue
