// Package prepare turns uploaded study archives into intake volumes.
//
// An upload is extracted, its instances grouped and scored by the selection
// package, and the winning series converted to a compressed NIfTI volume
// with dcm2niix. The volume is renamed into the intake directory under its
// case ID and the case metadata (id.json) is written to the case output
// directory. The HTTP endpoint answers once the series is selected; the
// conversion runs on a background worker.
package prepare
