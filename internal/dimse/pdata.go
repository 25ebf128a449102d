package dimse

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	pdvHeaderLength   = 6
	controlCommand    = 0x01
	controlLast       = 0x02
	minFragmentLength = 64
)

// PDV is one presentation data value item.
type PDV struct {
	ContextID byte
	Command   bool
	Last      bool
	Data      []byte
}

// ParsePDataTF splits a P-DATA-TF body into its PDVs.
func ParsePDataTF(data []byte) ([]PDV, error) {
	var out []PDV
	for off := 0; off < len(data); {
		if len(data)-off < pdvHeaderLength {
			return nil, errors.New("truncated pdv header")
		}
		length := int(binary.BigEndian.Uint32(data[off : off+4]))
		if length < 2 || off+4+length > len(data) {
			return nil, fmt.Errorf("pdv length %d out of range", length)
		}
		ctrl := data[off+5]
		out = append(out, PDV{
			ContextID: data[off+4],
			Command:   ctrl&controlCommand != 0,
			Last:      ctrl&controlLast != 0,
			Data:      data[off+6 : off+4+length],
		})
		off += 4 + length
	}
	return out, nil
}

func encodePDV(pdv PDV) []byte {
	var ctrl byte
	if pdv.Command {
		ctrl |= controlCommand
	}
	if pdv.Last {
		ctrl |= controlLast
	}
	buf := binary.BigEndian.AppendUint32(make([]byte, 0, pdvHeaderLength+len(pdv.Data)), uint32(len(pdv.Data)+2))
	buf = append(buf, pdv.ContextID, ctrl)
	return append(buf, pdv.Data...)
}

// fragment splits payload into PDVs that fit in a P-DATA-TF of at most
// maxPDU bytes. An empty payload yields one empty last fragment.
func fragment(contextID byte, command bool, payload []byte, maxPDU uint32) []PDV {
	size := int(maxPDU) - pdvHeaderLength
	if maxPDU == 0 || size > hardPDULimit {
		size = hardPDULimit - pdvHeaderLength
	}
	if size < minFragmentLength {
		size = minFragmentLength
	}
	var out []PDV
	for {
		n := len(payload)
		if n > size {
			n = size
		}
		out = append(out, PDV{ContextID: contextID, Command: command, Last: n == len(payload), Data: payload[:n]})
		payload = payload[n:]
		if len(payload) == 0 {
			return out
		}
	}
}

// Message is a complete DIMSE message.
type Message struct {
	ContextID byte
	Command   Command
	Dataset   []byte
}

// assembler accumulates PDVs into whole messages.
type assembler struct {
	contextID  byte
	command    []byte
	dataset    []byte
	cmd        *Command
	inProgress bool
}

// add consumes one PDV and returns a message once it is complete.
func (a *assembler) add(pdv PDV) (*Message, error) {
	if a.inProgress && pdv.ContextID != a.contextID {
		return nil, fmt.Errorf("pdv for context %d interleaved with message on context %d", pdv.ContextID, a.contextID)
	}
	a.contextID = pdv.ContextID
	a.inProgress = true

	if pdv.Command {
		if a.cmd != nil {
			return nil, errors.New("command fragment after command completed")
		}
		a.command = append(a.command, pdv.Data...)
		if !pdv.Last {
			return nil, nil
		}
		cmd, err := DecodeCommand(a.command)
		if err != nil {
			a.reset()
			return nil, err
		}
		a.cmd = &cmd
		if !cmd.HasDataset {
			return a.finish(), nil
		}
		return nil, nil
	}

	if a.cmd == nil {
		a.reset()
		return nil, errors.New("dataset fragment before command")
	}
	a.dataset = append(a.dataset, pdv.Data...)
	if !pdv.Last {
		return nil, nil
	}
	return a.finish(), nil
}

func (a *assembler) finish() *Message {
	msg := &Message{ContextID: a.contextID, Command: *a.cmd, Dataset: a.dataset}
	a.reset()
	return msg
}

func (a *assembler) reset() {
	*a = assembler{}
}
