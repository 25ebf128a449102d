package dimse

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

var (
	// ErrReleased is returned by ReadMessage after the peer released the association.
	ErrReleased = errors.New("association released")
	// ErrAborted is returned by ReadMessage after the peer aborted the association.
	ErrAborted = errors.New("association aborted")
	// ErrNoContext is returned when no accepted context matches a request.
	ErrNoContext = errors.New("no accepted presentation context")
)

// Association is an established upper layer association.
type Association struct {
	conn        net.Conn
	reader      *bufio.Reader
	readTimeout time.Duration
	peerMaxPDU  uint32

	CalledAE  string
	CallingAE string
	Contexts  map[byte]PresentationContext

	writeMu   sync.Mutex
	asm       assembler
	pending   []PDV
	messageID uint16
	closeOnce sync.Once
}

func newAssociation(conn net.Conn, reader *bufio.Reader, readTimeout time.Duration) *Association {
	return &Association{
		conn:        conn,
		reader:      reader,
		readTimeout: readTimeout,
		Contexts:    make(map[byte]PresentationContext),
	}
}

// RemoteAddr returns the peer network address.
func (a *Association) RemoteAddr() net.Addr { return a.conn.RemoteAddr() }

// Context returns the negotiated context with id.
func (a *Association) Context(id byte) (PresentationContext, bool) {
	pc, ok := a.Contexts[id]
	return pc, ok
}

// ContextFor returns an accepted context for abstract, preferring one whose
// transfer syntax is in preferred order.
func (a *Association) ContextFor(abstract string, preferred ...string) (PresentationContext, bool) {
	var fallback *PresentationContext
	for _, ts := range preferred {
		for _, pc := range a.Contexts {
			if pc.Accepted() && pc.AbstractSyntax == abstract && pc.TransferSyntax == ts {
				return pc, true
			}
		}
	}
	for id := range a.Contexts {
		pc := a.Contexts[id]
		if pc.Accepted() && pc.AbstractSyntax == abstract && (fallback == nil || pc.ID < fallback.ID) {
			fallback = &pc
		}
	}
	if fallback == nil {
		return PresentationContext{}, false
	}
	return *fallback, true
}

func (a *Association) setReadDeadline(ctx context.Context) {
	var deadline time.Time
	if a.readTimeout > 0 {
		deadline = time.Now().Add(a.readTimeout)
	}
	if d, ok := ctx.Deadline(); ok && (deadline.IsZero() || d.Before(deadline)) {
		deadline = d
	}
	_ = a.conn.SetReadDeadline(deadline)
}

// ReadMessage returns the next complete DIMSE message. A-RELEASE-RQ is
// answered and reported as ErrReleased; A-ABORT as ErrAborted.
func (a *Association) ReadMessage(ctx context.Context) (*Message, error) {
	for {
		if len(a.pending) > 0 {
			pdv := a.pending[0]
			a.pending = a.pending[1:]
			msg, err := a.asm.add(pdv)
			if err != nil {
				return nil, err
			}
			if msg != nil {
				return msg, nil
			}
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		a.setReadDeadline(ctx)
		pdu, err := ReadPDU(a.reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrAborted
			}
			return nil, err
		}
		switch pdu.Type {
		case TypePDataTF:
			pdvs, err := ParsePDataTF(pdu.Data)
			if err != nil {
				return nil, err
			}
			a.pending = pdvs
		case TypeReleaseRQ:
			if err := a.write(TypeReleaseRP, releaseRP()); err != nil {
				return nil, fmt.Errorf("send release response: %w", err)
			}
			return nil, ErrReleased
		case TypeReleaseRP:
			return nil, ErrReleased
		case TypeAbort:
			return nil, ErrAborted
		default:
			_ = a.Abort(AbortSourceProvider, AbortReasonUnexpectedPDU)
			return nil, fmt.Errorf("unexpected pdu type 0x%02x", pdu.Type)
		}
	}
}

// Send writes cmd and an optional dataset on context id, fragmenting to the
// peer's maximum PDU length.
func (a *Association) Send(ctx context.Context, contextID byte, cmd Command, dataset []byte) error {
	cmd.HasDataset = dataset != nil
	if deadline, ok := ctx.Deadline(); ok {
		_ = a.conn.SetWriteDeadline(deadline)
		defer a.conn.SetWriteDeadline(time.Time{})
	}
	pdvs := fragment(contextID, true, cmd.Encode(), a.peerMaxPDU)
	if dataset != nil {
		pdvs = append(pdvs, fragment(contextID, false, dataset, a.peerMaxPDU)...)
	}
	for _, pdv := range pdvs {
		if err := a.write(TypePDataTF, encodePDV(pdv)); err != nil {
			return fmt.Errorf("send p-data: %w", err)
		}
	}
	return nil
}

// Respond sends a response command with no dataset.
func (a *Association) Respond(ctx context.Context, req *Message, field, status uint16) error {
	return a.Send(ctx, req.ContextID, Command{
		Field:               field,
		RespondingTo:        req.Command.MessageID,
		AffectedSOPClass:    req.Command.AffectedSOPClass,
		AffectedSOPInstance: req.Command.AffectedSOPInstance,
		Status:              status,
	}, nil)
}

func (a *Association) nextMessageID() uint16 {
	a.messageID++
	if a.messageID == 0 {
		a.messageID = 1
	}
	return a.messageID
}

func (a *Association) write(pduType byte, data []byte) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return WritePDU(a.conn, pduType, data)
}

// Release performs an orderly A-RELEASE exchange and closes the connection.
func (a *Association) Release(ctx context.Context) error {
	defer a.Close()
	if err := a.write(TypeReleaseRQ, releaseRQ()); err != nil {
		return fmt.Errorf("send release request: %w", err)
	}
	for {
		a.setReadDeadline(ctx)
		pdu, err := ReadPDU(a.reader)
		if err != nil {
			return fmt.Errorf("await release response: %w", err)
		}
		switch pdu.Type {
		case TypeReleaseRP:
			return nil
		case TypeAbort:
			return ErrAborted
		}
	}
}

// Abort sends A-ABORT and closes the connection.
func (a *Association) Abort(source, reason byte) error {
	err := a.write(TypeAbort, abortData(source, reason))
	a.Close()
	return err
}

// Close closes the underlying connection.
func (a *Association) Close() error {
	var err error
	a.closeOnce.Do(func() { err = a.conn.Close() })
	return err
}
