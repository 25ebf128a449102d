// Package segmentation drives TotalSegmentator.
//
// Each attempt runs with TOTALSEG_HOME_DIR pointed at a private directory
// seeded from the shared one, because the tool rewrites config.json in its
// home on first use and concurrent processes corrupt it. Residual contention
// is recognised by its output signature and retried a few times with a
// random delay; every other failure is returned at once.
package segmentation
