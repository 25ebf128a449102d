package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"heimdallr/internal/fileutil"
)

// Encode writes v as a little-endian single-file NIfTI-1 stream using
// datatype. Values are stored unscaled.
func Encode(w io.Writer, v *Volume, datatype int16) error {
	bits, ok := bitsFor(datatype)
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnsupportedDatatype, datatype)
	}
	le := binary.LittleEndian
	hdr := make([]byte, headerSize+4)
	le.PutUint32(hdr[0:], headerSize)
	le.PutUint16(hdr[40:], 3)
	for i := range 3 {
		le.PutUint16(hdr[42+2*i:], uint16(v.Dims[i]))
		le.PutUint32(hdr[80+4*i:], math.Float32bits(float32(v.Pixdim[i])))
	}
	le.PutUint16(hdr[48:], 1)
	le.PutUint16(hdr[70:], uint16(datatype))
	le.PutUint16(hdr[72:], uint16(bits))
	le.PutUint32(hdr[76:], math.Float32bits(1))
	le.PutUint32(hdr[108:], math.Float32bits(headerSize+4))
	le.PutUint32(hdr[112:], math.Float32bits(1))
	copy(hdr[344:], "n+1\x00")
	if _, err := w.Write(hdr); err != nil {
		return err
	}

	var buf bytes.Buffer
	buf.Grow(len(v.Data) * int(bits) / 8)
	for _, value := range v.Data {
		switch datatype {
		case DTUint8, DTInt8:
			buf.WriteByte(byte(int64(value)))
		case DTInt16, DTUint16:
			_ = binary.Write(&buf, le, uint16(int64(value)))
		case DTInt32, DTUint32:
			_ = binary.Write(&buf, le, uint32(int64(value)))
		case DTFloat32:
			_ = binary.Write(&buf, le, float32(value))
		case DTFloat64:
			_ = binary.Write(&buf, le, value)
		}
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteFile writes v atomically, gzip-compressed when path ends in .gz.
func WriteFile(path string, v *Volume, datatype int16) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return fileutil.WriteStreamAtomic(path, 0o644, func(w io.Writer) error {
		if !strings.HasSuffix(path, ".gz") {
			return Encode(w, v, datatype)
		}
		gz := gzip.NewWriter(w)
		if err := Encode(gz, v, datatype); err != nil {
			return err
		}
		return gz.Close()
	})
}

// NewVolume allocates a zeroed volume.
func NewVolume(dims [3]int, pixdim [3]float64) *Volume {
	return &Volume{
		Header: Header{
			Dims:      dims,
			Pixdim:    pixdim,
			Datatype:  DTFloat32,
			Bitpix:    32,
			VoxOffset: headerSize + 4,
			SclSlope:  1,
			ByteOrder: binary.LittleEndian,
		},
		Data: make([]float64, dims[0]*dims[1]*dims[2]),
	}
}
