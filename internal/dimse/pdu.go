package dimse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// PDU types.
const (
	TypeAssociateRQ byte = 0x01
	TypeAssociateAC byte = 0x02
	TypeAssociateRJ byte = 0x03
	TypePDataTF     byte = 0x04
	TypeReleaseRQ   byte = 0x05
	TypeReleaseRP   byte = 0x06
	TypeAbort       byte = 0x07
)

// Variable item types.
const (
	itemApplicationContext byte = 0x10
	itemPresentationRQ     byte = 0x20
	itemPresentationAC     byte = 0x21
	itemAbstractSyntax     byte = 0x30
	itemTransferSyntax     byte = 0x40
	itemUserInformation    byte = 0x50
	itemMaxLength          byte = 0x51
	itemImplementationUID  byte = 0x52
	itemImplementationName byte = 0x55
)

const pduHeaderLength = 6

// hardPDULimit bounds any PDU we are willing to buffer regardless of the
// negotiated maximum.
const hardPDULimit = 64 << 20

// ErrPDUTooLarge is returned when a peer announces a PDU beyond hardPDULimit.
var ErrPDUTooLarge = errors.New("pdu exceeds maximum length")

// PDU is one upper layer protocol data unit.
type PDU struct {
	Type byte
	Data []byte
}

// ReadPDU reads one PDU from r.
func ReadPDU(r io.Reader) (PDU, error) {
	header := make([]byte, pduHeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		return PDU{}, err
	}
	length := binary.BigEndian.Uint32(header[2:6])
	if length > hardPDULimit {
		return PDU{}, fmt.Errorf("%w: %d bytes", ErrPDUTooLarge, length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return PDU{}, fmt.Errorf("read pdu body: %w", err)
	}
	return PDU{Type: header[0], Data: data}, nil
}

// WritePDU writes one PDU to w.
func WritePDU(w io.Writer, pduType byte, data []byte) error {
	buf := make([]byte, pduHeaderLength, pduHeaderLength+len(data))
	buf[0] = pduType
	binary.BigEndian.PutUint32(buf[2:6], uint32(len(data)))
	buf = append(buf, data...)
	_, err := w.Write(buf)
	return err
}

func appendItem(dst []byte, itemType byte, value []byte) []byte {
	dst = append(dst, itemType, 0)
	dst = binary.BigEndian.AppendUint16(dst, uint16(len(value)))
	return append(dst, value...)
}

type item struct {
	Type  byte
	Value []byte
}

func splitItems(data []byte) ([]item, error) {
	var items []item
	for off := 0; off < len(data); {
		if len(data)-off < 4 {
			return nil, errors.New("truncated item header")
		}
		length := int(binary.BigEndian.Uint16(data[off+2 : off+4]))
		start := off + 4
		end := start + length
		if end > len(data) {
			return nil, fmt.Errorf("item 0x%02x exceeds enclosing length", data[off])
		}
		items = append(items, item{Type: data[off], Value: data[start:end]})
		off = end
	}
	return items, nil
}

// Release and abort PDUs carry four bytes of fixed fields.
func releaseRQ() []byte { return []byte{0, 0, 0, 0} }

func releaseRP() []byte { return []byte{0, 0, 0, 0} }

// Abort sources and reasons.
const (
	AbortSourceUser     byte = 0
	AbortSourceProvider byte = 2

	AbortReasonNotSpecified  byte = 0
	AbortReasonUnexpectedPDU byte = 2
	AbortReasonInvalidParam  byte = 6
)

func abortData(source, reason byte) []byte { return []byte{0, 0, source, reason} }
