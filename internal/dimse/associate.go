package dimse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"heimdallr/internal/dicomio"
)

// Presentation context results.
const (
	ResultAcceptance             byte = 0
	ResultUserRejection          byte = 1
	ResultNoReason               byte = 2
	ResultAbstractSyntaxRejected byte = 3
	ResultTransferSyntaxRejected byte = 4
)

const (
	fixedFieldsLength = 68
	protocolVersion   = 0x0001
	aeTitleLength     = 16

	// DefaultMaxPDULength is announced when callers do not configure one.
	DefaultMaxPDULength uint32 = 16384
)

// PresentationContext is one proposed or negotiated context.
type PresentationContext struct {
	ID               byte
	AbstractSyntax   string
	TransferSyntaxes []string
	Result           byte
	// TransferSyntax is the accepted syntax when Result is ResultAcceptance.
	TransferSyntax string
}

// Accepted reports whether the context was accepted.
func (pc PresentationContext) Accepted() bool {
	return pc.Result == ResultAcceptance && pc.TransferSyntax != ""
}

// AssociateRQ is a parsed A-ASSOCIATE-RQ.
type AssociateRQ struct {
	CalledAE               string
	CallingAE              string
	Contexts               []PresentationContext
	MaxPDULength           uint32
	ImplementationClassUID string
	ImplementationVersion  string
}

// AssociateAC is a parsed or outgoing A-ASSOCIATE-AC.
type AssociateAC struct {
	CalledAE     string
	CallingAE    string
	Contexts     []PresentationContext
	MaxPDULength uint32
}

func trimAE(raw []byte) string {
	value := string(raw)
	if idx := strings.IndexByte(value, 0); idx != -1 {
		value = value[:idx]
	}
	return strings.TrimSpace(value)
}

func trimUID(raw []byte) string {
	return strings.TrimRight(string(raw), "\x00 ")
}

func putAE(dst []byte, ae string) {
	if len(ae) > aeTitleLength {
		ae = ae[:aeTitleLength]
	}
	copy(dst, fmt.Sprintf("%-16s", ae))
}

func fixedFields(calledAE, callingAE string) []byte {
	fields := make([]byte, fixedFieldsLength)
	binary.BigEndian.PutUint16(fields[0:2], protocolVersion)
	putAE(fields[4:20], calledAE)
	putAE(fields[20:36], callingAE)
	return fields
}

func userInformation(maxPDU uint32) []byte {
	var sub []byte
	sub = appendItem(sub, itemMaxLength, binary.BigEndian.AppendUint32(nil, maxPDU))
	sub = appendItem(sub, itemImplementationUID, []byte(dicomio.ImplementationClassUID))
	sub = appendItem(sub, itemImplementationName, []byte(dicomio.ImplementationVersion))
	return sub
}

func parseUserInformation(data []byte) (maxPDU uint32, implUID, implName string, err error) {
	items, err := splitItems(data)
	if err != nil {
		return 0, "", "", fmt.Errorf("user information: %w", err)
	}
	for _, it := range items {
		switch it.Type {
		case itemMaxLength:
			if len(it.Value) == 4 {
				maxPDU = binary.BigEndian.Uint32(it.Value)
			}
		case itemImplementationUID:
			implUID = trimUID(it.Value)
		case itemImplementationName:
			implName = strings.TrimSpace(string(it.Value))
		}
	}
	return maxPDU, implUID, implName, nil
}

// ParseAssociateRQ decodes the body of an A-ASSOCIATE-RQ PDU.
func ParseAssociateRQ(data []byte) (AssociateRQ, error) {
	if len(data) < fixedFieldsLength {
		return AssociateRQ{}, errors.New("associate request too short")
	}
	rq := AssociateRQ{
		CalledAE:  trimAE(data[4:20]),
		CallingAE: trimAE(data[20:36]),
	}
	items, err := splitItems(data[fixedFieldsLength:])
	if err != nil {
		return AssociateRQ{}, fmt.Errorf("associate request: %w", err)
	}
	for _, it := range items {
		switch it.Type {
		case itemPresentationRQ:
			pc, err := parsePresentationRQ(it.Value)
			if err != nil {
				return AssociateRQ{}, err
			}
			rq.Contexts = append(rq.Contexts, pc)
		case itemUserInformation:
			rq.MaxPDULength, rq.ImplementationClassUID, rq.ImplementationVersion, err = parseUserInformation(it.Value)
			if err != nil {
				return AssociateRQ{}, err
			}
		}
	}
	return rq, nil
}

func parsePresentationRQ(data []byte) (PresentationContext, error) {
	if len(data) < 4 {
		return PresentationContext{}, fmt.Errorf("presentation context too short: %d", len(data))
	}
	pc := PresentationContext{ID: data[0]}
	subs, err := splitItems(data[4:])
	if err != nil {
		return PresentationContext{}, fmt.Errorf("presentation context %d: %w", pc.ID, err)
	}
	for _, sub := range subs {
		switch sub.Type {
		case itemAbstractSyntax:
			pc.AbstractSyntax = trimUID(sub.Value)
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, trimUID(sub.Value))
		}
	}
	if pc.AbstractSyntax == "" {
		return PresentationContext{}, fmt.Errorf("presentation context %d missing abstract syntax", pc.ID)
	}
	return pc, nil
}

// Encode renders the request body.
func (rq AssociateRQ) Encode() []byte {
	data := fixedFields(rq.CalledAE, rq.CallingAE)
	data = appendItem(data, itemApplicationContext, []byte(dicomio.ApplicationContextName))
	for _, pc := range rq.Contexts {
		value := []byte{pc.ID, 0, 0, 0}
		value = appendItem(value, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		for _, ts := range pc.TransferSyntaxes {
			value = appendItem(value, itemTransferSyntax, []byte(ts))
		}
		data = appendItem(data, itemPresentationRQ, value)
	}
	maxPDU := rq.MaxPDULength
	if maxPDU == 0 {
		maxPDU = DefaultMaxPDULength
	}
	return appendItem(data, itemUserInformation, userInformation(maxPDU))
}

// Encode renders the accept body. Every context is listed; rejected ones
// carry a transfer syntax sub-item whose value receivers ignore.
func (ac AssociateAC) Encode() []byte {
	data := fixedFields(ac.CalledAE, ac.CallingAE)
	data = appendItem(data, itemApplicationContext, []byte(dicomio.ApplicationContextName))
	for _, pc := range ac.Contexts {
		ts := pc.TransferSyntax
		if pc.Result != ResultAcceptance || ts == "" {
			ts = dicomio.ImplicitVRLittleEndian
		}
		value := []byte{pc.ID, 0, pc.Result, 0}
		value = appendItem(value, itemTransferSyntax, []byte(ts))
		data = appendItem(data, itemPresentationAC, value)
	}
	maxPDU := ac.MaxPDULength
	if maxPDU == 0 {
		maxPDU = DefaultMaxPDULength
	}
	return appendItem(data, itemUserInformation, userInformation(maxPDU))
}

// ParseAssociateAC decodes the body of an A-ASSOCIATE-AC PDU.
func ParseAssociateAC(data []byte) (AssociateAC, error) {
	if len(data) < fixedFieldsLength {
		return AssociateAC{}, errors.New("associate accept too short")
	}
	ac := AssociateAC{
		CalledAE:  trimAE(data[4:20]),
		CallingAE: trimAE(data[20:36]),
	}
	items, err := splitItems(data[fixedFieldsLength:])
	if err != nil {
		return AssociateAC{}, fmt.Errorf("associate accept: %w", err)
	}
	for _, it := range items {
		switch it.Type {
		case itemPresentationAC:
			if len(it.Value) < 4 {
				return AssociateAC{}, errors.New("presentation context result too short")
			}
			pc := PresentationContext{ID: it.Value[0], Result: it.Value[2]}
			subs, err := splitItems(it.Value[4:])
			if err != nil {
				return AssociateAC{}, err
			}
			for _, sub := range subs {
				if sub.Type == itemTransferSyntax && pc.Result == ResultAcceptance {
					pc.TransferSyntax = trimUID(sub.Value)
				}
			}
			ac.Contexts = append(ac.Contexts, pc)
		case itemUserInformation:
			ac.MaxPDULength, _, _, err = parseUserInformation(it.Value)
			if err != nil {
				return AssociateAC{}, err
			}
		}
	}
	return ac, nil
}

// Rejection result, source, and reason values for A-ASSOCIATE-RJ.
const (
	RejectPermanent byte = 1
	RejectTransient byte = 2

	RejectSourceUser     byte = 1
	RejectSourceACSE     byte = 2
	RejectSourceProvider byte = 3

	RejectReasonNoReason               byte = 1
	RejectReasonAppContextUnsupported  byte = 2
	RejectReasonCallingAENotRecognized byte = 3
	RejectReasonCalledAENotRecognized  byte = 7
)

// Rejection describes an A-ASSOCIATE-RJ.
type Rejection struct {
	Result byte
	Source byte
	Reason byte
}

func (r Rejection) encode() []byte { return []byte{0, r.Result, r.Source, r.Reason} }

// RejectedError is returned to a requestor whose association was rejected.
type RejectedError struct {
	Rejection Rejection
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("association rejected (result %d, source %d, reason %d)", e.Rejection.Result, e.Rejection.Source, e.Rejection.Reason)
}

func parseRejection(data []byte) Rejection {
	if len(data) < 4 {
		return Rejection{}
	}
	return Rejection{Result: data[1], Source: data[2], Reason: data[3]}
}
