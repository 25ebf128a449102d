package dimse

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"
)

// AcceptConfig controls acceptor-side negotiation.
type AcceptConfig struct {
	AETitle      string
	MaxPDULength uint32
	ReadTimeout  time.Duration
	// Authorize returns a rejection to refuse the association.
	Authorize func(AssociateRQ) *Rejection
	// TransferSyntaxes lists acceptable syntaxes for an abstract syntax in
	// preference order. Nil or empty rejects the abstract syntax.
	TransferSyntaxes func(abstract string) []string
}

// Negotiate assigns a result to every proposed context. The first syntax in
// the acceptor's preference list that the requestor proposed wins.
func Negotiate(proposed []PresentationContext, supported func(string) []string) []PresentationContext {
	out := make([]PresentationContext, 0, len(proposed))
	for _, pc := range proposed {
		result := pc
		result.TransferSyntax = ""
		accepted := supported(pc.AbstractSyntax)
		if len(accepted) == 0 {
			result.Result = ResultAbstractSyntaxRejected
			out = append(out, result)
			continue
		}
		result.Result = ResultTransferSyntaxRejected
	search:
		for _, want := range accepted {
			for _, offered := range pc.TransferSyntaxes {
				if offered == want {
					result.Result = ResultAcceptance
					result.TransferSyntax = want
					break search
				}
			}
		}
		out = append(out, result)
	}
	return out
}

// Accept reads an A-ASSOCIATE-RQ from conn and answers it. On rejection the
// connection is closed and a *RejectedError is returned.
func Accept(ctx context.Context, conn net.Conn, cfg AcceptConfig) (*Association, *AssociateRQ, error) {
	reader := bufio.NewReader(conn)
	assoc := newAssociation(conn, reader, cfg.ReadTimeout)
	assoc.setReadDeadline(ctx)

	pdu, err := ReadPDU(reader)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("read associate request: %w", err)
	}
	if pdu.Type != TypeAssociateRQ {
		_ = assoc.Abort(AbortSourceProvider, AbortReasonUnexpectedPDU)
		return nil, nil, fmt.Errorf("expected A-ASSOCIATE-RQ, got pdu type 0x%02x", pdu.Type)
	}
	rq, err := ParseAssociateRQ(pdu.Data)
	if err != nil {
		_ = assoc.Abort(AbortSourceProvider, AbortReasonInvalidParam)
		return nil, nil, err
	}

	if cfg.Authorize != nil {
		if rej := cfg.Authorize(rq); rej != nil {
			_ = assoc.write(TypeAssociateRJ, rej.encode())
			assoc.Close()
			return nil, &rq, &RejectedError{Rejection: *rej}
		}
	}

	supported := cfg.TransferSyntaxes
	if supported == nil {
		supported = func(string) []string { return nil }
	}
	negotiated := Negotiate(rq.Contexts, supported)
	maxPDU := cfg.MaxPDULength
	if maxPDU == 0 {
		maxPDU = DefaultMaxPDULength
	}
	ac := AssociateAC{CalledAE: rq.CalledAE, CallingAE: rq.CallingAE, Contexts: negotiated, MaxPDULength: maxPDU}
	if err := assoc.write(TypeAssociateAC, ac.Encode()); err != nil {
		assoc.Close()
		return nil, &rq, fmt.Errorf("send associate accept: %w", err)
	}

	assoc.CalledAE = rq.CalledAE
	assoc.CallingAE = rq.CallingAE
	assoc.peerMaxPDU = rq.MaxPDULength
	for _, pc := range negotiated {
		assoc.Contexts[pc.ID] = pc
	}
	return assoc, &rq, nil
}
