package nifti

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

const headerSize = 348

// Datatype codes from the NIfTI-1 header.
const (
	DTUint8   = 2
	DTInt16   = 4
	DTInt32   = 8
	DTFloat32 = 16
	DTFloat64 = 64
	DTInt8    = 256
	DTUint16  = 512
	DTUint32  = 768
)

// ErrUnsupportedDatatype is returned for datatypes other than the scalar
// integer and float codes.
var ErrUnsupportedDatatype = errors.New("unsupported nifti datatype")

// Header holds the fields the metrics need.
type Header struct {
	Dims      [3]int
	Pixdim    [3]float64
	Datatype  int16
	Bitpix    int16
	VoxOffset int64
	SclSlope  float64
	SclInter  float64
	ByteOrder binary.ByteOrder
}

// Volume is a 3D scalar image indexed x fastest.
type Volume struct {
	Header
	Data []float64
}

// Mask is a label image reduced to voxel membership.
type Mask struct {
	Header
	Set []bool
}

// Count returns the number of voxels in the mask.
func (m *Mask) Count() int {
	n := 0
	for _, in := range m.Set {
		if in {
			n++
		}
	}
	return n
}

// Empty reports whether no voxel is set.
func (m *Mask) Empty() bool {
	for _, in := range m.Set {
		if in {
			return false
		}
	}
	return true
}

// SliceCount returns the number of set voxels in axial slice z.
func (m *Mask) SliceCount(z int) int {
	n := m.Dims[0] * m.Dims[1]
	count := 0
	for _, in := range m.Set[z*n : (z+1)*n] {
		if in {
			count++
		}
	}
	return count
}

// OccupiedSlices lists the axial indices holding at least one voxel.
func (m *Mask) OccupiedSlices() []int {
	var out []int
	for z := range m.Dims[2] {
		if m.SliceCount(z) > 0 {
			out = append(out, z)
		}
	}
	return out
}

// VoxelVolumeMM3 returns the volume of one voxel in cubic millimetres.
func (h Header) VoxelVolumeMM3() float64 {
	return h.Pixdim[0] * h.Pixdim[1] * h.Pixdim[2]
}

// Len returns the voxel count.
func (h Header) Len() int {
	return h.Dims[0] * h.Dims[1] * h.Dims[2]
}

// Index maps (x, y, z) to the flat offset into Data.
func (v *Volume) Index(x, y, z int) int {
	return x + v.Dims[0]*(y+v.Dims[1]*z)
}

// At returns the voxel at (x, y, z).
func (v *Volume) At(x, y, z int) float64 {
	return v.Data[v.Index(x, y, z)]
}

// Slice returns the voxels of axial slice z.
func (v *Volume) Slice(z int) []float64 {
	n := v.Dims[0] * v.Dims[1]
	return v.Data[z*n : (z+1)*n]
}

// Read loads the volume at path. Files starting with the gzip magic are
// decompressed regardless of extension. Only the first 3D frame is read.
func Read(path string) (*Volume, error) {
	var vol *Volume
	err := open(path, func(r io.Reader) error {
		var err error
		vol, err = Decode(r)
		return err
	})
	return vol, err
}

// ReadMask loads the label image at path as a boolean mask of voxels > 0.
func ReadMask(path string) (*Mask, error) {
	var mask *Mask
	err := open(path, func(r io.Reader) error {
		var err error
		mask, err = DecodeMask(r)
		return err
	})
	return mask, err
}

func open(path string, decode func(io.Reader) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	br := bufio.NewReader(f)
	var r io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return fmt.Errorf("open gzip stream %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}
	if err := decode(r); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

// Decode parses an uncompressed NIfTI-1 stream.
func Decode(r io.Reader) (*Volume, error) {
	hdr, raw, err := readRaw(r)
	if err != nil {
		return nil, err
	}
	data := make([]float64, hdr.Len())
	for i := range data {
		data[i] = hdr.value(raw, i)*hdr.SclSlope + hdr.SclInter
	}
	return &Volume{Header: hdr, Data: data}, nil
}

// DecodeMask parses an uncompressed NIfTI-1 stream as a mask.
func DecodeMask(r io.Reader) (*Mask, error) {
	hdr, raw, err := readRaw(r)
	if err != nil {
		return nil, err
	}
	set := make([]bool, hdr.Len())
	for i := range set {
		set[i] = hdr.value(raw, i)*hdr.SclSlope+hdr.SclInter > 0
	}
	return &Mask{Header: hdr, Set: set}, nil
}

func readRaw(r io.Reader) (Header, []byte, error) {
	head := make([]byte, headerSize)
	if _, err := io.ReadFull(r, head); err != nil {
		return Header{}, nil, fmt.Errorf("read header: %w", err)
	}
	hdr, err := parseHeader(head)
	if err != nil {
		return Header{}, nil, err
	}
	if skip := hdr.VoxOffset - headerSize; skip > 0 {
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return Header{}, nil, fmt.Errorf("skip extensions: %w", err)
		}
	}
	raw := make([]byte, hdr.Len()*int(hdr.Bitpix)/8)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Header{}, nil, fmt.Errorf("read voxels: %w", err)
	}
	return hdr, raw, nil
}

// value decodes voxel i from raw without scaling.
func (h Header) value(raw []byte, i int) float64 {
	order := h.ByteOrder
	b := raw[i*int(h.Bitpix)/8:]
	switch h.Datatype {
	case DTUint8:
		return float64(b[0])
	case DTInt8:
		return float64(int8(b[0]))
	case DTInt16:
		return float64(int16(order.Uint16(b)))
	case DTUint16:
		return float64(order.Uint16(b))
	case DTInt32:
		return float64(int32(order.Uint32(b)))
	case DTUint32:
		return float64(order.Uint32(b))
	case DTFloat32:
		return float64(math.Float32frombits(order.Uint32(b)))
	case DTFloat64:
		return math.Float64frombits(order.Uint64(b))
	}
	return 0
}

func parseHeader(raw []byte) (Header, error) {
	var order binary.ByteOrder = binary.LittleEndian
	switch {
	case binary.LittleEndian.Uint32(raw[0:4]) == headerSize:
	case binary.BigEndian.Uint32(raw[0:4]) == headerSize:
		order = binary.BigEndian
	default:
		return Header{}, errors.New("not a NIfTI-1 header: sizeof_hdr is not 348")
	}
	if !bytes.Equal(raw[344:347], []byte("n+1")) && !bytes.Equal(raw[344:347], []byte("ni1")) {
		return Header{}, errors.New("not a NIfTI-1 header: bad magic")
	}

	hdr := Header{ByteOrder: order}
	ndim := int(int16(order.Uint16(raw[40:42])))
	if ndim < 1 || ndim > 7 {
		return Header{}, fmt.Errorf("invalid dimension count %d", ndim)
	}
	for i := range 3 {
		hdr.Dims[i] = 1
		if i < ndim {
			hdr.Dims[i] = int(int16(order.Uint16(raw[42+2*i:])))
		}
		if hdr.Dims[i] < 1 {
			return Header{}, fmt.Errorf("invalid size %d on axis %d", hdr.Dims[i], i)
		}
		hdr.Pixdim[i] = math.Abs(float64(math.Float32frombits(order.Uint32(raw[80+4*i:]))))
	}
	hdr.Datatype = int16(order.Uint16(raw[70:72]))
	hdr.Bitpix = int16(order.Uint16(raw[72:74]))
	bits, ok := bitsFor(hdr.Datatype)
	if !ok {
		return Header{}, fmt.Errorf("%w: %d", ErrUnsupportedDatatype, hdr.Datatype)
	}
	hdr.Bitpix = bits
	hdr.VoxOffset = int64(math.Float32frombits(order.Uint32(raw[108:112])))
	if hdr.VoxOffset < headerSize {
		hdr.VoxOffset = headerSize
	}
	hdr.SclSlope = float64(math.Float32frombits(order.Uint32(raw[112:116])))
	hdr.SclInter = float64(math.Float32frombits(order.Uint32(raw[116:120])))
	if hdr.SclSlope == 0 || math.IsNaN(hdr.SclSlope) {
		hdr.SclSlope, hdr.SclInter = 1, 0
	}
	if math.IsNaN(hdr.SclInter) {
		hdr.SclInter = 0
	}
	return hdr, nil
}

func bitsFor(datatype int16) (int16, bool) {
	switch datatype {
	case DTUint8, DTInt8:
		return 8, true
	case DTInt16, DTUint16:
		return 16, true
	case DTInt32, DTUint32, DTFloat32:
		return 32, true
	case DTFloat64:
		return 64, true
	}
	return 0, false
}
