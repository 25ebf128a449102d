// Package transfer delivers closed studies to the preparation endpoint.
//
// A Dispatcher owns a bounded queue of bundles and a fixed pool of delivery
// workers. Each delivery zips the study directory into the outbox, uploads it
// as multipart form data with bounded retry, and then either archives the
// zip to sent/ and removes the raw study, or quarantines it in failed/ with a
// failure record next to it.
package transfer
