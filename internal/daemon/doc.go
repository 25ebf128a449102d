// Package daemon coordinates the long-running Heimdallr process.
//
// It wires configuration, the queue and result stores, the DICOM receiver,
// the study aggregator, the transfer dispatcher, the preparation endpoint and
// the processing manager into a single lifecycle with flock-based locking to
// prevent multiple instances. Components run under one errgroup: the first
// fatal error or a cancelled context stops all of them.
//
// Keep orchestration logic here: the behaviour of each component lives in its
// own package while the daemon focuses on startup, shutdown, and readiness.
package daemon
