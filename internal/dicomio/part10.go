package dicomio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"heimdallr/internal/fileutil"
)

const preambleLength = 128

var magic = []byte("DICM")

// Meta group tags.
var (
	TagFileMetaGroupLength     = NewTag(0x0002, 0x0000)
	TagFileMetaVersion         = NewTag(0x0002, 0x0001)
	TagMediaStorageSOPClass    = NewTag(0x0002, 0x0002)
	TagMediaStorageSOPInstance = NewTag(0x0002, 0x0003)
	TagTransferSyntax          = NewTag(0x0002, 0x0010)
	TagImplementationClass     = NewTag(0x0002, 0x0012)
	TagImplementationVersion   = NewTag(0x0002, 0x0013)
	TagSourceAETitle           = NewTag(0x0002, 0x0016)
)

// ErrNotPart10 is returned when a file lacks the preamble and DICM prefix.
var ErrNotPart10 = errors.New("not a DICOM part 10 file")

// FileMeta is the group 0002 header of a Part 10 file.
type FileMeta struct {
	SOPClassUID       string
	SOPInstanceUID    string
	TransferSyntaxUID string
	SourceAETitle     string
}

func (m FileMeta) elements() []Element {
	elements := []Element{
		BytesElement(TagFileMetaVersion, []byte{0x00, 0x01}),
		StringElement(TagMediaStorageSOPClass, "UI", m.SOPClassUID),
		StringElement(TagMediaStorageSOPInstance, "UI", m.SOPInstanceUID),
		StringElement(TagTransferSyntax, "UI", m.TransferSyntaxUID),
		StringElement(TagImplementationClass, "UI", ImplementationClassUID),
		StringElement(TagImplementationVersion, "SH", ImplementationVersion),
	}
	if m.SourceAETitle != "" {
		elements = append(elements, StringElement(TagSourceAETitle, "AE", m.SourceAETitle))
	}
	return elements
}

// EncodeHeader returns preamble, prefix, and the meta group.
func EncodeHeader(meta FileMeta) ([]byte, error) {
	body, err := EncodeExplicit(meta.elements())
	if err != nil {
		return nil, err
	}
	groupLength, err := EncodeExplicit([]Element{Uint32Element(TagFileMetaGroupLength, uint32(len(body)))})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.Grow(preambleLength + len(magic) + len(groupLength) + len(body))
	buf.Write(make([]byte, preambleLength))
	buf.Write(magic)
	buf.Write(groupLength)
	buf.Write(body)
	return buf.Bytes(), nil
}

// WritePart10 atomically writes meta followed by dataset, which must already
// be encoded in meta.TransferSyntaxUID.
func WritePart10(path string, meta FileMeta, dataset []byte) error {
	header, err := EncodeHeader(meta)
	if err != nil {
		return fmt.Errorf("encode file meta: %w", err)
	}
	return fileutil.WriteStreamAtomic(path, 0o644, func(w io.Writer) error {
		if _, err := w.Write(header); err != nil {
			return err
		}
		_, err := w.Write(dataset)
		return err
	})
}

// ReadPart10 splits a Part 10 file into its meta header and the raw dataset.
func ReadPart10(path string) (FileMeta, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return FileMeta{}, nil, err
	}
	return SplitPart10(data)
}

// SplitPart10 is ReadPart10 for in-memory content.
func SplitPart10(data []byte) (FileMeta, []byte, error) {
	if len(data) < preambleLength+len(magic) || !bytes.Equal(data[preambleLength:preambleLength+len(magic)], magic) {
		return FileMeta{}, nil, ErrNotPart10
	}
	rest := data[preambleLength+len(magic):]
	elements, consumed, err := DecodeExplicit(rest, func(t Tag) bool { return t.Group() != 0x0002 })
	if err != nil {
		return FileMeta{}, nil, fmt.Errorf("decode file meta: %w", err)
	}
	var meta FileMeta
	for _, el := range elements {
		switch el.Tag {
		case TagMediaStorageSOPClass:
			meta.SOPClassUID = el.String()
		case TagMediaStorageSOPInstance:
			meta.SOPInstanceUID = el.String()
		case TagTransferSyntax:
			meta.TransferSyntaxUID = el.String()
		case TagSourceAETitle:
			meta.SourceAETitle = el.String()
		}
	}
	if meta.TransferSyntaxUID == "" {
		return FileMeta{}, nil, fmt.Errorf("%w: missing transfer syntax", ErrNotPart10)
	}
	return meta, rest[consumed:], nil
}
