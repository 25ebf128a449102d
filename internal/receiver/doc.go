// Package receiver runs the DICOM storage service class provider.
//
// Each association is served on its own goroutine. C-ECHO is answered
// directly; C-STORE datasets are written atomically to the incoming tree as
// Part 10 files, their attributes extracted, and the instance handed to the
// study aggregator without blocking the association.
package receiver
