// Package dicomio reads and writes DICOM Part 10 files and the little-endian
// element encodings used on the wire.
//
// Attribute extraction goes through github.com/suyashkumar/dicom; the
// encoder here only covers what the listener needs to persist received
// datasets and build DIMSE command sets.
package dicomio
