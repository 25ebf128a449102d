package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"heimdallr/internal/config"
	"heimdallr/internal/dicomio"
	"heimdallr/internal/dimse"
	"heimdallr/internal/imaging"
	"heimdallr/internal/logging"
	"heimdallr/internal/services"
)

// Sink accepts received instances. Submit must not block.
type Sink interface {
	Submit(inst imaging.Instance) error
}

// Option configures a Server.
type Option func(*Server)

// WithMetadataReader replaces the attribute reader, mainly for tests.
func WithMetadataReader(reader dicomio.MetadataReader) Option {
	return func(s *Server) {
		if reader != nil {
			s.reader = reader
		}
	}
}

// WithClock overrides the time source used for fallback names.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// Stats counts receiver activity since start.
type Stats struct {
	Associations int64 `json:"associations"`
	Rejected     int64 `json:"rejected"`
	Stored       int64 `json:"stored"`
	Failed       int64 `json:"failed"`
}

// Server is the storage SCP.
type Server struct {
	aeTitle        string
	allowed        map[string]struct{}
	strictCalledAE bool
	incomingDir    string
	readTimeout    time.Duration
	maxPDU         uint32
	address        string

	sink   Sink
	reader dicomio.MetadataReader
	logger *slog.Logger
	now    func() time.Time

	associations atomic.Int64
	rejected     atomic.Int64
	stored       atomic.Int64
	failed       atomic.Int64
}

// New builds a Server from configuration.
func New(cfg *config.Config, sink Sink, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		aeTitle:        cfg.Receiver.AETitle,
		strictCalledAE: cfg.Receiver.StrictCalledAE,
		incomingDir:    cfg.Paths.IncomingDir,
		readTimeout:    time.Duration(cfg.Receiver.ReadTimeoutSeconds) * time.Second,
		maxPDU:         uint32(cfg.Receiver.MaxPDULength),
		address:        cfg.ListenAddress(),
		sink:           sink,
		reader:         dicomio.FileReader{},
		logger:         logging.NewComponentLogger(logger, "receiver"),
		now:            time.Now,
	}
	if len(cfg.Receiver.AllowedCallingAEs) > 0 {
		s.allowed = make(map[string]struct{}, len(cfg.Receiver.AllowedCallingAEs))
		for _, ae := range cfg.Receiver.AllowedCallingAEs {
			s.allowed[strings.TrimSpace(ae)] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Stats returns activity counters.
func (s *Server) Stats() Stats {
	return Stats{
		Associations: s.associations.Load(),
		Rejected:     s.rejected.Load(),
		Stored:       s.stored.Load(),
		Failed:       s.failed.Load(),
	}
}

// ListenAndServe binds the configured address and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "receiver", "listen", "bind "+s.address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections until ctx is cancelled. Open associations are
// closed on cancellation and Serve waits for their goroutines.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if ln == nil {
		return errors.New("receiver: listener is required")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	s.logger.Info("dicom listener started",
		logging.String("address", ln.Addr().String()),
		logging.String("ae_title", s.aeTitle),
		logging.Int("allowed_callers", len(s.allowed)),
	)

	var (
		wg       sync.WaitGroup
		serveErr error
	)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			serveErr = err
			break
		}
		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			closer := context.AfterFunc(ctx, func() { _ = c.Close() })
			defer closer()
			s.handleConnection(ctx, c)
		}(conn)
	}
	wg.Wait()
	s.logger.Info("dicom listener stopped", logging.Int64("stored", s.stored.Load()))
	if serveErr != nil {
		return fmt.Errorf("accept: %w", serveErr)
	}
	return nil
}

func (s *Server) acceptConfig() dimse.AcceptConfig {
	return dimse.AcceptConfig{
		AETitle:          s.aeTitle,
		MaxPDULength:     s.maxPDU,
		ReadTimeout:      s.readTimeout,
		Authorize:        s.authorize,
		TransferSyntaxes: supportedSyntaxes,
	}
}

func (s *Server) authorize(rq dimse.AssociateRQ) *dimse.Rejection {
	if s.allowed != nil {
		if _, ok := s.allowed[rq.CallingAE]; !ok {
			return &dimse.Rejection{Result: dimse.RejectPermanent, Source: dimse.RejectSourceUser, Reason: dimse.RejectReasonCallingAENotRecognized}
		}
	}
	if s.strictCalledAE && rq.CalledAE != s.aeTitle {
		return &dimse.Rejection{Result: dimse.RejectPermanent, Source: dimse.RejectSourceUser, Reason: dimse.RejectReasonCalledAENotRecognized}
	}
	return nil
}

func supportedSyntaxes(abstract string) []string {
	switch {
	case abstract == dicomio.VerificationSOPClass:
		return dicomio.VerificationTransferSyntaxes
	case dicomio.IsStorageSOPClass(abstract):
		return dicomio.StorageTransferSyntaxes
	}
	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr().String()
	assoc, rq, err := dimse.Accept(ctx, conn, s.acceptConfig())
	if err != nil {
		var rejected *dimse.RejectedError
		if errors.As(err, &rejected) && rq != nil {
			s.rejected.Add(1)
			logging.WarnWithContext(s.logger, "association rejected", "association_rejected",
				logging.String(logging.FieldCallingAE, rq.CallingAE),
				logging.String("called_ae", rq.CalledAE),
				logging.Int("reason", int(rejected.Rejection.Reason)),
				logging.String("remote_addr", remote),
				logging.String(logging.FieldErrorHint, "add the calling AE to receiver.allowed_calling_aes"),
				logging.String(logging.FieldImpact, "instances from this sender are not received"),
			)
			return
		}
		if ctx.Err() == nil {
			s.logger.Warn("association negotiation failed", logging.String("remote_addr", remote), logging.Error(err))
		}
		return
	}
	defer assoc.Close()
	s.associations.Add(1)

	logger := s.logger.With(
		logging.String(logging.FieldCallingAE, assoc.CallingAE),
		logging.String(logging.FieldCorrelationID, uuid.NewString()),
	)
	accepted := 0
	for _, pc := range assoc.Contexts {
		if pc.Accepted() {
			accepted++
		}
	}
	logger.Info("association accepted",
		logging.String("remote_addr", remote),
		logging.Int("proposed_contexts", len(rq.Contexts)),
		logging.Int("accepted_contexts", accepted),
	)

	stored := 0
	for {
		msg, err := assoc.ReadMessage(ctx)
		if err != nil {
			switch {
			case errors.Is(err, dimse.ErrReleased):
				logger.Info("association released", logging.Int("stored", stored))
			case errors.Is(err, dimse.ErrAborted):
				logger.Info("association aborted by peer", logging.Int("stored", stored))
			case ctx.Err() != nil:
			default:
				logger.Warn("association closed", logging.Int("stored", stored), logging.Error(err))
			}
			return
		}

		switch msg.Command.Field {
		case dimse.CEchoRQ:
			if err := assoc.Respond(ctx, msg, dimse.CEchoRSP, dimse.StatusSuccess); err != nil {
				logger.Warn("echo response failed", logging.Error(err))
				return
			}
		case dimse.CStoreRQ:
			status := s.store(assoc, msg, logger)
			if status == dimse.StatusSuccess {
				stored++
			}
			if err := assoc.Respond(ctx, msg, dimse.CStoreRSP, status); err != nil {
				logger.Warn("store response failed", logging.Error(err))
				return
			}
		default:
			logger.Warn("unsupported dimse command", logging.String("command", fmt.Sprintf("0x%04x", msg.Command.Field)))
			if msg.Command.IsRequest() {
				if err := assoc.Respond(ctx, msg, msg.Command.Field|0x8000, dimse.StatusUnrecognizedOperation); err != nil {
					return
				}
			}
		}
	}
}

// store persists one C-STORE dataset and returns the DIMSE status.
func (s *Server) store(assoc *dimse.Association, msg *dimse.Message, logger *slog.Logger) uint16 {
	pc, ok := assoc.Context(msg.ContextID)
	if !ok || !pc.Accepted() {
		s.failed.Add(1)
		logger.Warn("store on unnegotiated context", logging.Int("context_id", int(msg.ContextID)))
		return dimse.StatusCannotUnderstand
	}
	if len(msg.Dataset) == 0 {
		s.failed.Add(1)
		logger.Warn("store without dataset", logging.String("sop_instance_uid", msg.Command.AffectedSOPInstance))
		return dimse.StatusCannotUnderstand
	}

	meta := dicomio.FileMeta{
		SOPClassUID:       firstNonEmpty(msg.Command.AffectedSOPClass, pc.AbstractSyntax),
		SOPInstanceUID:    msg.Command.AffectedSOPInstance,
		TransferSyntaxUID: pc.TransferSyntax,
		SourceAETitle:     assoc.CallingAE,
	}
	staging := filepath.Join(s.incomingDir, ".staging", uuid.NewString()+".dcm")
	if err := dicomio.WritePart10(staging, meta, msg.Dataset); err != nil {
		s.failed.Add(1)
		logging.ErrorWithContext(logger, "instance write failed", "store_write_failed",
			logging.String("sop_instance_uid", meta.SOPInstanceUID),
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check free space and permissions on paths.incoming_dir"),
		)
		return dimse.StatusOutOfResources
	}

	inst, err := s.reader.ReadInstance(staging)
	if err != nil {
		_ = os.Remove(staging)
		s.failed.Add(1)
		logger.Warn("malformed dataset discarded",
			logging.String("sop_instance_uid", meta.SOPInstanceUID),
			logging.Error(err),
		)
		return dimse.StatusCannotUnderstand
	}
	if inst.SOPInstanceUID == "" {
		inst.SOPInstanceUID = meta.SOPInstanceUID
	}
	if inst.SOPClassUID == "" {
		inst.SOPClassUID = meta.SOPClassUID
	}

	final := InstancePath(s.incomingDir, inst.StudyUID, inst.SeriesUID, inst.SOPInstanceUID, s.now())
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		_ = os.Remove(staging)
		s.failed.Add(1)
		logger.Error("create study directory failed", logging.Error(err))
		return dimse.StatusOutOfResources
	}
	if err := os.Rename(staging, final); err != nil {
		_ = os.Remove(staging)
		s.failed.Add(1)
		logger.Error("move instance into study tree failed", logging.Error(err))
		return dimse.StatusOutOfResources
	}
	inst.Path = final
	s.stored.Add(1)

	if err := s.sink.Submit(inst); err != nil {
		logger.Warn("instance stored but not aggregated",
			logging.String(logging.FieldStudyUID, inst.StudyUID),
			logging.Error(err),
		)
	} else {
		logger.Debug("instance stored",
			logging.String(logging.FieldStudyUID, inst.StudyUID),
			logging.String(logging.FieldSeriesUID, inst.SeriesUID),
			logging.String("sop_instance_uid", inst.SOPInstanceUID),
		)
	}
	return dimse.StatusSuccess
}

// AllowedCallers returns the sorted allow-list, empty when all callers are accepted.
func (s *Server) AllowedCallers() []string {
	out := make([]string, 0, len(s.allowed))
	for ae := range s.allowed {
		out = append(out, ae)
	}
	slices.Sort(out)
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
