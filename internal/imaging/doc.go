// Package imaging holds the value types shared by the listener, the series
// selector, and the preparation boundary: received instances, closed study
// bundles, and their summaries.
package imaging
