// Command heimdallr runs the imaging ingestion daemon and its operator
// tooling: queue and result inspection, dry-run series selection, manual
// preparation, and DICOM echo/send for testing a receiver.
package main
