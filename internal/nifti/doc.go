// Package nifti reads NIfTI-1 volumes, plain or gzip-compressed, into
// float64 voxel arrays with the header's intensity scaling applied.
package nifti
