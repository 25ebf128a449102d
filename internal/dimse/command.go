package dimse

import (
	"fmt"

	"heimdallr/internal/dicomio"
)

// Command field values.
const (
	CStoreRQ  uint16 = 0x0001
	CStoreRSP uint16 = 0x8001
	CEchoRQ   uint16 = 0x0030
	CEchoRSP  uint16 = 0x8030
)

// Status codes.
const (
	StatusSuccess               uint16 = 0x0000
	StatusUnrecognizedOperation uint16 = 0x0211
	StatusOutOfResources        uint16 = 0xA700
	StatusCannotUnderstand      uint16 = 0xC000
)

// noDatasetPresent is the CommandDataSetType value meaning no dataset follows.
const noDatasetPresent uint16 = 0x0101

var (
	tagGroupLength             = dicomio.NewTag(0x0000, 0x0000)
	tagAffectedSOPClassUID     = dicomio.NewTag(0x0000, 0x0002)
	tagCommandField            = dicomio.NewTag(0x0000, 0x0100)
	tagMessageID               = dicomio.NewTag(0x0000, 0x0110)
	tagMessageIDRespondedTo    = dicomio.NewTag(0x0000, 0x0120)
	tagPriority                = dicomio.NewTag(0x0000, 0x0700)
	tagCommandDataSetType      = dicomio.NewTag(0x0000, 0x0800)
	tagStatus                  = dicomio.NewTag(0x0000, 0x0900)
	tagAffectedSOPInstanceUID  = dicomio.NewTag(0x0000, 0x1000)
	tagMoveOriginatorAETitle   = dicomio.NewTag(0x0000, 0x1030)
	tagMoveOriginatorMessageID = dicomio.NewTag(0x0000, 0x1031)
)

// Command is a decoded DIMSE command set.
type Command struct {
	Field               uint16
	MessageID           uint16
	RespondingTo        uint16
	AffectedSOPClass    string
	AffectedSOPInstance string
	Priority            uint16
	HasDataset          bool
	Status              uint16
	MoveOriginatorAE    string
	MoveOriginatorMsgID uint16
}

// IsRequest reports whether the command is a request (high bit clear).
func (c Command) IsRequest() bool { return c.Field&0x8000 == 0 }

// Encode renders the command in implicit VR little endian with the group
// length element first.
func (c Command) Encode() []byte {
	var elements []dicomio.Element
	if c.AffectedSOPClass != "" {
		elements = append(elements, dicomio.StringElement(tagAffectedSOPClassUID, "UI", c.AffectedSOPClass))
	}
	elements = append(elements, dicomio.Uint16Element(tagCommandField, c.Field))
	if c.IsRequest() {
		elements = append(elements, dicomio.Uint16Element(tagMessageID, c.MessageID))
	} else {
		elements = append(elements, dicomio.Uint16Element(tagMessageIDRespondedTo, c.RespondingTo))
	}
	if c.Field == CStoreRQ {
		elements = append(elements, dicomio.Uint16Element(tagPriority, c.Priority))
	}
	dataSetType := noDatasetPresent
	if c.HasDataset {
		dataSetType = 0x0000
	}
	elements = append(elements, dicomio.Uint16Element(tagCommandDataSetType, dataSetType))
	if !c.IsRequest() {
		elements = append(elements, dicomio.Uint16Element(tagStatus, c.Status))
	}
	if c.AffectedSOPInstance != "" {
		elements = append(elements, dicomio.StringElement(tagAffectedSOPInstanceUID, "UI", c.AffectedSOPInstance))
	}
	if c.MoveOriginatorAE != "" {
		elements = append(elements,
			dicomio.StringElement(tagMoveOriginatorAETitle, "AE", c.MoveOriginatorAE),
			dicomio.Uint16Element(tagMoveOriginatorMessageID, c.MoveOriginatorMsgID))
	}
	body := dicomio.EncodeImplicit(elements)
	header := dicomio.EncodeImplicit([]dicomio.Element{dicomio.Uint32Element(tagGroupLength, uint32(len(body)))})
	return append(header, body...)
}

// DecodeCommand parses an implicit VR little endian command set.
func DecodeCommand(data []byte) (Command, error) {
	elements, err := dicomio.DecodeImplicit(data)
	if err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	cmd := Command{HasDataset: true}
	var sawField bool
	for _, el := range elements {
		if el.Tag.Group() != 0x0000 {
			continue
		}
		switch el.Tag {
		case tagAffectedSOPClassUID:
			cmd.AffectedSOPClass = el.String()
		case tagCommandField:
			cmd.Field, sawField = el.Uint16()
		case tagMessageID:
			cmd.MessageID, _ = el.Uint16()
		case tagMessageIDRespondedTo:
			cmd.RespondingTo, _ = el.Uint16()
		case tagPriority:
			cmd.Priority, _ = el.Uint16()
		case tagCommandDataSetType:
			if v, ok := el.Uint16(); ok {
				cmd.HasDataset = v != noDatasetPresent
			}
		case tagStatus:
			cmd.Status, _ = el.Uint16()
		case tagAffectedSOPInstanceUID:
			cmd.AffectedSOPInstance = el.String()
		case tagMoveOriginatorAETitle:
			cmd.MoveOriginatorAE = el.String()
		case tagMoveOriginatorMessageID:
			cmd.MoveOriginatorMsgID, _ = el.Uint16()
		}
	}
	if !sawField {
		return Command{}, fmt.Errorf("decode command: missing command field")
	}
	return cmd, nil
}
