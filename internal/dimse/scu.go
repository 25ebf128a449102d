package dimse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// RequestConfig describes an outgoing association.
type RequestConfig struct {
	CallingAE    string
	CalledAE     string
	Contexts     []PresentationContext
	MaxPDULength uint32
	ReadTimeout  time.Duration
}

// Request dials addr and negotiates an association as requestor.
func Request(ctx context.Context, addr string, cfg RequestConfig) (*Association, error) {
	if len(cfg.Contexts) == 0 {
		return nil, errors.New("request association: no presentation contexts proposed")
	}
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	reader := bufio.NewReader(conn)
	assoc := newAssociation(conn, reader, cfg.ReadTimeout)

	rq := AssociateRQ{CalledAE: cfg.CalledAE, CallingAE: cfg.CallingAE, Contexts: cfg.Contexts, MaxPDULength: cfg.MaxPDULength}
	if err := assoc.write(TypeAssociateRQ, rq.Encode()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send associate request: %w", err)
	}

	assoc.setReadDeadline(ctx)
	pdu, err := ReadPDU(reader)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read associate response: %w", err)
	}
	switch pdu.Type {
	case TypeAssociateAC:
	case TypeAssociateRJ:
		conn.Close()
		return nil, &RejectedError{Rejection: parseRejection(pdu.Data)}
	case TypeAbort:
		conn.Close()
		return nil, ErrAborted
	default:
		_ = assoc.Abort(AbortSourceUser, AbortReasonUnexpectedPDU)
		return nil, fmt.Errorf("unexpected pdu type 0x%02x during association", pdu.Type)
	}

	ac, err := ParseAssociateAC(pdu.Data)
	if err != nil {
		_ = assoc.Abort(AbortSourceUser, AbortReasonInvalidParam)
		return nil, err
	}
	proposed := make(map[byte]PresentationContext, len(cfg.Contexts))
	for _, pc := range cfg.Contexts {
		proposed[pc.ID] = pc
	}
	for _, pc := range ac.Contexts {
		if orig, ok := proposed[pc.ID]; ok {
			pc.AbstractSyntax = orig.AbstractSyntax
			pc.TransferSyntaxes = orig.TransferSyntaxes
		}
		assoc.Contexts[pc.ID] = pc
	}
	assoc.CalledAE = cfg.CalledAE
	assoc.CallingAE = cfg.CallingAE
	assoc.peerMaxPDU = ac.MaxPDULength
	return assoc, nil
}

// ProposeContexts numbers abstract syntaxes with odd context IDs, each
// offering the same transfer syntaxes.
func ProposeContexts(abstracts []string, transferSyntaxes ...string) []PresentationContext {
	out := make([]PresentationContext, 0, len(abstracts))
	for i, abstract := range abstracts {
		out = append(out, PresentationContext{
			ID:               byte(2*i + 1),
			AbstractSyntax:   abstract,
			TransferSyntaxes: append([]string(nil), transferSyntaxes...),
		})
	}
	return out
}

// Echo sends C-ECHO-RQ and returns the response status.
func (a *Association) Echo(ctx context.Context, verificationClass string) (uint16, error) {
	pc, ok := a.ContextFor(verificationClass)
	if !ok {
		return 0, fmt.Errorf("%w for %s", ErrNoContext, verificationClass)
	}
	cmd := Command{Field: CEchoRQ, MessageID: a.nextMessageID(), AffectedSOPClass: verificationClass}
	return a.roundTrip(ctx, pc.ID, cmd, nil, CEchoRSP)
}

// Store sends C-STORE-RQ with dataset, which must be encoded in the
// accepted transfer syntax of the chosen context.
func (a *Association) Store(ctx context.Context, contextID byte, sopClass, sopInstance string, dataset []byte) (uint16, error) {
	if _, ok := a.Context(contextID); !ok {
		return 0, fmt.Errorf("%w: id %d", ErrNoContext, contextID)
	}
	cmd := Command{
		Field:               CStoreRQ,
		MessageID:           a.nextMessageID(),
		AffectedSOPClass:    sopClass,
		AffectedSOPInstance: sopInstance,
	}
	if dataset == nil {
		dataset = []byte{}
	}
	return a.roundTrip(ctx, contextID, cmd, dataset, CStoreRSP)
}

func (a *Association) roundTrip(ctx context.Context, contextID byte, cmd Command, dataset []byte, want uint16) (uint16, error) {
	if err := a.Send(ctx, contextID, cmd, dataset); err != nil {
		return 0, err
	}
	msg, err := a.ReadMessage(ctx)
	if err != nil {
		return 0, err
	}
	if msg.Command.Field != want {
		return 0, fmt.Errorf("unexpected response command 0x%04x (want 0x%04x)", msg.Command.Field, want)
	}
	if msg.Command.RespondingTo != cmd.MessageID {
		return 0, fmt.Errorf("response for message %d, expected %d", msg.Command.RespondingTo, cmd.MessageID)
	}
	return msg.Command.Status, nil
}
