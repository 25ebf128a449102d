// Package pipeline drives one claimed case through its ordered stages:
// structural segmentation, plan resolution, the optional secondary analysis,
// tissue composition, metrics, persistence and archival.
//
// Branching lives in the Plan. It is built from the queue item, then resolved
// once structural outputs exist, so the stage list itself never changes.
// Stage failures are recorded against the case (queue row, result store,
// error.log, failure directory) and never escape as raw errors to the worker
// pool; only cancellation is returned untouched so the caller can release the
// claim.
package pipeline
