// Package workflow discovers prepared volumes in the intake directory and
// runs them through the pipeline on a fixed pool of workers.
//
// The Manager polls intake, upserts each volume into the queue and hands
// pending cases to its workers. Two guards keep a case on one worker: the
// in-process claimed set, and the conditional pending to running update in
// the queue store that wins for a single caller across processes. Running
// items send heartbeats; items whose heartbeat goes stale and that no local
// worker holds are returned to pending. On start the queue is reconciled so
// an interrupted run resumes without reprocessing a case that was already
// archived.
package workflow
