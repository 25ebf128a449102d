package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"heimdallr/internal/dicomio"
	"heimdallr/internal/imaging"
)

// WriteFile fills the target path with the requested number of bytes using a
// simple repeating pattern. A size <= 0 writes a single byte.
func WriteFile(t testing.TB, path string, size int64) {
	t.Helper()

	if size <= 0 {
		size = 1
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	defer f.Close()

	const chunkSize = 32 * 1024
	buf := make([]byte, chunkSize)
	for i := range buf {
		buf[i] = 0x42
	}

	remaining := size
	for remaining > 0 {
		toWrite := int64(min(chunkSize, remaining))
		if _, err := f.Write(buf[:toWrite]); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
		remaining -= toWrite
	}
}

// WriteInstance writes a synthetic Part 10 file carrying inst's attributes
// under dir and returns the instance with Path set.
func WriteInstance(t testing.TB, dir string, inst imaging.Instance) imaging.Instance {
	t.Helper()

	dataset, err := dicomio.EncodeInstance(inst)
	if err != nil {
		t.Fatalf("EncodeInstance: %v", err)
	}
	path := filepath.Join(dir, inst.SOPInstanceUID+".dcm")
	meta := dicomio.FileMeta{
		SOPClassUID:       inst.SOPClassUID,
		SOPInstanceUID:    inst.SOPInstanceUID,
		TransferSyntaxUID: dicomio.ExplicitVRLittleEndian,
	}
	if meta.SOPClassUID == "" {
		meta.SOPClassUID = dicomio.CTImageStorage
	}
	if err := dicomio.WritePart10(path, meta, dataset); err != nil {
		t.Fatalf("WritePart10: %v", err)
	}
	inst.Path = path
	return inst
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }
