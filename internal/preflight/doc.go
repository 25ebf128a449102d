// Package preflight provides readiness checks for the external tools,
// endpoints and filesystem paths that Heimdallr depends on.
//
// These checks run in two contexts:
//   - The daemon calls RunAll and CheckSystemDeps before starting any
//     component and refuses to start when a required check fails.
//   - The CLI "heimdallr status" command renders the same results.
//
// Each check is gated by its config toggle; disabled features are skipped.
package preflight
