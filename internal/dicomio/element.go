package dicomio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Tag is a (group, element) pair packed as group<<16 | element.
type Tag uint32

// NewTag builds a Tag from its group and element numbers.
func NewTag(group, element uint16) Tag {
	return Tag(uint32(group)<<16 | uint32(element))
}

// Group returns the tag group number.
func (t Tag) Group() uint16 { return uint16(t >> 16) }

// Element returns the tag element number.
func (t Tag) Element() uint16 { return uint16(t) }

func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.Group(), t.Element())
}

// Element is a raw data element. Value holds the encoded little-endian bytes.
type Element struct {
	Tag   Tag
	VR    string
	Value []byte
}

// ErrTruncated is returned when an encoded element runs past its buffer.
var ErrTruncated = errors.New("dicom element truncated")

// StringElement encodes a text value, padding to even length.
func StringElement(tag Tag, vr, value string) Element {
	data := []byte(value)
	if len(data)%2 == 1 {
		pad := byte(' ')
		if vr == "UI" {
			pad = 0
		}
		data = append(data, pad)
	}
	return Element{Tag: tag, VR: vr, Value: data}
}

// Uint16Element encodes a US value.
func Uint16Element(tag Tag, value uint16) Element {
	return Element{Tag: tag, VR: "US", Value: binary.LittleEndian.AppendUint16(nil, value)}
}

// Uint32Element encodes a UL value.
func Uint32Element(tag Tag, value uint32) Element {
	return Element{Tag: tag, VR: "UL", Value: binary.LittleEndian.AppendUint32(nil, value)}
}

// BytesElement encodes an OB value, padding to even length.
func BytesElement(tag Tag, value []byte) Element {
	data := append([]byte(nil), value...)
	if len(data)%2 == 1 {
		data = append(data, 0)
	}
	return Element{Tag: tag, VR: "OB", Value: data}
}

// String returns the value as trimmed text.
func (e Element) String() string {
	return strings.TrimRight(string(e.Value), " \x00")
}

// Uint16 returns the first US value.
func (e Element) Uint16() (uint16, bool) {
	if len(e.Value) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(e.Value), true
}

// Uint32 returns the first UL value.
func (e Element) Uint32() (uint32, bool) {
	if len(e.Value) < 4 {
		return 0, false
	}
	return binary.LittleEndian.Uint32(e.Value), true
}

func hasLongLength(vr string) bool {
	switch vr {
	case "OB", "OD", "OF", "OL", "OW", "SQ", "UC", "UN", "UR", "UT":
		return true
	}
	return false
}

// EncodeExplicit writes elements in explicit VR little endian.
func EncodeExplicit(elements []Element) ([]byte, error) {
	var buf bytes.Buffer
	for _, el := range elements {
		if len(el.VR) != 2 {
			return nil, fmt.Errorf("element %s: invalid VR %q", el.Tag, el.VR)
		}
		if uint64(len(el.Value)) > math.MaxUint32 {
			return nil, fmt.Errorf("element %s: value too long", el.Tag)
		}
		_ = binary.Write(&buf, binary.LittleEndian, el.Tag.Group())
		_ = binary.Write(&buf, binary.LittleEndian, el.Tag.Element())
		buf.WriteString(el.VR)
		if hasLongLength(el.VR) {
			buf.Write([]byte{0, 0})
			_ = binary.Write(&buf, binary.LittleEndian, uint32(len(el.Value)))
		} else {
			if len(el.Value) > math.MaxUint16 {
				return nil, fmt.Errorf("element %s: value too long for VR %s", el.Tag, el.VR)
			}
			_ = binary.Write(&buf, binary.LittleEndian, uint16(len(el.Value)))
		}
		buf.Write(el.Value)
	}
	return buf.Bytes(), nil
}

// EncodeImplicit writes elements in implicit VR little endian.
func EncodeImplicit(elements []Element) []byte {
	var buf bytes.Buffer
	for _, el := range elements {
		_ = binary.Write(&buf, binary.LittleEndian, el.Tag.Group())
		_ = binary.Write(&buf, binary.LittleEndian, el.Tag.Element())
		_ = binary.Write(&buf, binary.LittleEndian, uint32(len(el.Value)))
		buf.Write(el.Value)
	}
	return buf.Bytes()
}

// DecodeImplicit parses a flat implicit VR little endian element list.
// Undefined lengths are rejected; callers use it for command sets only.
func DecodeImplicit(data []byte) ([]Element, error) {
	var out []Element
	for off := 0; off < len(data); {
		if len(data)-off < 8 {
			return nil, ErrTruncated
		}
		group := binary.LittleEndian.Uint16(data[off:])
		elem := binary.LittleEndian.Uint16(data[off+2:])
		length := binary.LittleEndian.Uint32(data[off+4:])
		off += 8
		if length == 0xFFFFFFFF {
			return nil, fmt.Errorf("element (%04X,%04X): undefined length not supported", group, elem)
		}
		if uint64(off)+uint64(length) > uint64(len(data)) {
			return nil, ErrTruncated
		}
		out = append(out, Element{Tag: NewTag(group, elem), Value: data[off : off+int(length)]})
		off += int(length)
	}
	return out, nil
}

// DecodeExplicit parses explicit VR little endian elements until the
// buffer ends or stop returns true for the next tag. It returns the number
// of bytes consumed.
func DecodeExplicit(data []byte, stop func(Tag) bool) ([]Element, int, error) {
	var out []Element
	off := 0
	for off < len(data) {
		if len(data)-off < 8 {
			return nil, off, ErrTruncated
		}
		tag := NewTag(binary.LittleEndian.Uint16(data[off:]), binary.LittleEndian.Uint16(data[off+2:]))
		if stop != nil && stop(tag) {
			break
		}
		vr := string(data[off+4 : off+6])
		var length uint32
		if hasLongLength(vr) {
			if len(data)-off < 12 {
				return nil, off, ErrTruncated
			}
			length = binary.LittleEndian.Uint32(data[off+8:])
			off += 12
		} else {
			length = uint32(binary.LittleEndian.Uint16(data[off+6:]))
			off += 8
		}
		if length == 0xFFFFFFFF {
			return nil, off, fmt.Errorf("element %s: undefined length not supported", tag)
		}
		if uint64(off)+uint64(length) > uint64(len(data)) {
			return nil, off, ErrTruncated
		}
		out = append(out, Element{Tag: tag, VR: vr, Value: data[off : off+int(length)]})
		off += int(length)
	}
	return out, off, nil
}

// Find returns the first element with tag.
func Find(elements []Element, tag Tag) (Element, bool) {
	for _, el := range elements {
		if el.Tag == tag {
			return el, true
		}
	}
	return Element{}, false
}
