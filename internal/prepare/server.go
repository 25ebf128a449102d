package prepare

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"heimdallr/internal/config"
	"heimdallr/internal/logging"
	"heimdallr/internal/notifications"
	"heimdallr/internal/services"
)

const conversionBacklog = 32

// UploadResponse is returned for an accepted archive.
type UploadResponse struct {
	CaseID string `json:"case_id"`
	Status string `json:"status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server accepts study archives over HTTP and converts them in the
// background.
type Server struct {
	preparer   *Preparer
	notifier   notifications.Service
	logger     *slog.Logger
	bind       string
	token      string
	uploadsDir string
	maxBytes   int64

	jobs chan *Job
	wg   sync.WaitGroup
}

// NewServer wires the upload endpoint around p.
func NewServer(cfg *config.Config, p *Preparer, notifier notifications.Service, logger *slog.Logger) *Server {
	if notifier == nil {
		notifier = notifications.NewService(&config.Config{})
	}
	return &Server{
		preparer:   p,
		notifier:   notifier,
		logger:     logging.NewComponentLogger(logger, "prepare-http"),
		bind:       cfg.Prepare.Bind,
		token:      cfg.Prepare.UploadToken,
		uploadsDir: cfg.Paths.UploadsDir,
		maxBytes:   int64(cfg.Prepare.MaxUploadMB) << 20,
		jobs:       make(chan *Job, conversionBacklog),
	}
}

// Handler exposes the routes for embedding and tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// ListenAndServe binds the configured address and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.bind)
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "prepare", "listen", "bind "+s.bind, err)
	}
	return s.Serve(ctx, ln)
}

// Serve handles requests on ln and runs the conversion worker. Queued
// conversions finish before Serve returns.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.wg.Add(1)
	go s.work(ctx)

	s.logger.Info("upload endpoint listening", logging.String("address", ln.Addr().String()))
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	var err error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	case err = <-errCh:
	}
	close(s.jobs)
	s.wg.Wait()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) work(ctx context.Context) {
	defer s.wg.Done()
	for job := range s.jobs {
		if ctx.Err() != nil {
			// Leave the upload for an operator rerun; the id.json is stale.
			_ = os.RemoveAll(job.WorkDir)
			continue
		}
		s.convert(ctx, job)
	}
}

func (s *Server) convert(ctx context.Context, job *Job) {
	logger := s.logger.With(logging.String(logging.FieldCaseID, job.CaseID))
	if err := s.preparer.Convert(ctx, job); err != nil {
		target := s.preparer.Quarantine(job.Archive, err)
		logging.ErrorWithContext(logger, "conversion failed", "prepare_failed",
			logging.Error(err),
			logging.String("archive", target),
			logging.String(logging.FieldErrorHint, "check dcm2niix output in the error log"),
		)
		_ = s.notifier.Publish(ctx, notifications.EventError, notifications.Payload{
			"context": "conversion of " + job.CaseID,
			"error":   services.FailureReason(err),
		})
		return
	}
	_ = os.Remove(job.Archive)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid or missing bearer token"})
		return
	}
	if s.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBytes)
	}
	archive, err := s.receive(r)
	if err != nil {
		status := http.StatusBadRequest
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		s.logger.Warn("upload rejected", logging.Error(err), logging.Int("status", status))
		writeJSON(w, status, errorResponse{Error: err.Error()})
		return
	}

	job, err := s.preparer.Plan(r.Context(), archive)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, services.ErrValidation) {
			status = http.StatusUnprocessableEntity
		}
		target := s.preparer.Quarantine(archive, err)
		logging.WarnWithContext(s.logger, "upload not prepared", "prepare_rejected",
			logging.Error(err),
			logging.Int("status", status),
			logging.String("archive", target),
			logging.String(logging.FieldImpact, "study will not be processed"),
		)
		writeJSON(w, status, errorResponse{Error: services.FailureReason(err)})
		return
	}

	select {
	case s.jobs <- job:
	default:
		_ = os.RemoveAll(job.WorkDir)
		_ = os.RemoveAll(filepath.Join(s.preparer.outputDir, job.CaseID))
		_ = os.Remove(archive)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "conversion backlog full"})
		return
	}
	writeJSON(w, http.StatusOK, UploadResponse{CaseID: job.CaseID, Status: "accepted"})
}

// receive streams the "file" part to the uploads directory.
func (s *Server) receive(r *http.Request) (string, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return "", fmt.Errorf("expected multipart body: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", errors.New("missing file field")
		}
		if err != nil {
			return "", err
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}
		dest := filepath.Join(s.uploadsDir, uuid.NewString()+".zip")
		out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
		if err != nil {
			part.Close()
			return "", fmt.Errorf("create upload file: %w", err)
		}
		_, copyErr := io.Copy(out, part)
		closeErr := out.Close()
		part.Close()
		if copyErr != nil || closeErr != nil {
			_ = os.Remove(dest)
			return "", errors.Join(copyErr, closeErr)
		}
		return dest, nil
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
