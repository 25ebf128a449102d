package receiver_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"heimdallr/internal/dicomio"
	"heimdallr/internal/dimse"
	"heimdallr/internal/imaging"
	"heimdallr/internal/logging"
	"heimdallr/internal/receiver"
	"heimdallr/internal/testsupport"
)

type recordingSink struct {
	mu        sync.Mutex
	instances []imaging.Instance
	err       error
}

func (s *recordingSink) Submit(inst imaging.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances = append(s.instances, inst)
	return s.err
}

func (s *recordingSink) snapshot() []imaging.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]imaging.Instance(nil), s.instances...)
}

func startServer(t *testing.T, srv *receiver.Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after cancel")
		}
	})
	return ln.Addr().String()
}

func dial(t *testing.T, ctx context.Context, addr, callingAE string) *dimse.Association {
	t.Helper()
	assoc, err := dimse.Request(ctx, addr, dimse.RequestConfig{
		CallingAE: callingAE,
		CalledAE:  "HEIMDALLR",
		Contexts: dimse.ProposeContexts(
			[]string{dicomio.VerificationSOPClass, dicomio.CTImageStorage},
			dicomio.ExplicitVRLittleEndian,
		),
	})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	return assoc
}

func ctInstance(sop string) imaging.Instance {
	thickness := 1.0
	return imaging.Instance{
		StudyUID:       "1.2.3",
		SeriesUID:      "1.2.3.4",
		SOPInstanceUID: sop,
		SOPClassUID:    dicomio.CTImageStorage,
		Modality:       "CT",
		SeriesNumber:   2,
		InstanceNumber: 1,
		SliceThickness: &thickness,
	}
}

func TestStoreWritesInstanceIntoStudyTree(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	sink := &recordingSink{}
	addr := startServer(t, receiver.New(cfg, sink, logging.NewNop()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assoc := dial(t, ctx, addr, "CT01")

	if status, err := assoc.Echo(ctx, dicomio.VerificationSOPClass); err != nil || status != dimse.StatusSuccess {
		t.Fatalf("Echo: status=0x%04x err=%v", status, err)
	}

	pc, ok := assoc.ContextFor(dicomio.CTImageStorage)
	if !ok {
		t.Fatal("storage context not accepted")
	}
	inst := ctInstance("1.2.3.4.5")
	dataset, err := dicomio.EncodeInstance(inst)
	if err != nil {
		t.Fatal(err)
	}
	status, err := assoc.Store(ctx, pc.ID, inst.SOPClassUID, inst.SOPInstanceUID, dataset)
	if err != nil || status != dimse.StatusSuccess {
		t.Fatalf("Store: status=0x%04x err=%v", status, err)
	}
	if err := assoc.Release(ctx); err != nil {
		t.Fatalf("Release: %v", err)
	}

	want := filepath.Join(cfg.Paths.IncomingDir, "1.2.3", "1.2.3.4", "1.2.3.4.5.dcm")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected stored file at %s: %v", want, err)
	}
	got := sink.snapshot()
	if len(got) != 1 || got[0].Path != want || got[0].StudyUID != "1.2.3" {
		t.Fatalf("unexpected submissions: %+v", got)
	}
	staging, _ := os.ReadDir(filepath.Join(cfg.Paths.IncomingDir, ".staging"))
	if len(staging) != 0 {
		t.Fatalf("expected empty staging dir, found %d entries", len(staging))
	}
}

type failingReader struct{}

func (failingReader) ReadInstance(string) (imaging.Instance, error) {
	return imaging.Instance{}, dicomio.ErrMissingStudyUID
}

func TestStoreRejectsUnparseableDataset(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	sink := &recordingSink{}
	srv := receiver.New(cfg, sink, logging.NewNop(), receiver.WithMetadataReader(failingReader{}))
	addr := startServer(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assoc := dial(t, ctx, addr, "CT01")
	defer assoc.Close()

	pc, _ := assoc.ContextFor(dicomio.CTImageStorage)
	status, err := assoc.Store(ctx, pc.ID, dicomio.CTImageStorage, "9.9", []byte{0x08, 0x00, 0x60, 0x00})
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if status != dimse.StatusCannotUnderstand {
		t.Fatalf("expected 0xC000, got 0x%04x", status)
	}
	if len(sink.snapshot()) != 0 {
		t.Fatal("unparseable dataset must not reach the aggregator")
	}
	if got := srv.Stats().Failed; got != 1 {
		t.Fatalf("expected one failed store, got %d", got)
	}
}

func TestStoreSucceedsWhenSinkRefuses(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	sink := &recordingSink{err: errors.New("aggregator stopped")}
	addr := startServer(t, receiver.New(cfg, sink, logging.NewNop()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	assoc := dial(t, ctx, addr, "CT01")
	defer assoc.Close()

	inst := ctInstance("1.2.3.4.6")
	dataset, _ := dicomio.EncodeInstance(inst)
	pc, _ := assoc.ContextFor(dicomio.CTImageStorage)
	status, err := assoc.Store(ctx, pc.ID, inst.SOPClassUID, inst.SOPInstanceUID, dataset)
	if err != nil || status != dimse.StatusSuccess {
		t.Fatalf("Store: status=0x%04x err=%v", status, err)
	}
}

func TestUnknownCallingAERejected(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithAllowedCallers("CT01"))
	srv := receiver.New(cfg, &recordingSink{}, logging.NewNop())
	addr := startServer(t, srv)

	_, err := dimse.Request(context.Background(), addr, dimse.RequestConfig{
		CallingAE: "INTRUDER",
		CalledAE:  "HEIMDALLR",
		Contexts:  dimse.ProposeContexts([]string{dicomio.VerificationSOPClass}, dicomio.ImplicitVRLittleEndian),
	})
	var rejected *dimse.RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("expected rejection, got %v", err)
	}
	if rejected.Rejection.Reason != dimse.RejectReasonCallingAENotRecognized {
		t.Fatalf("unexpected reason %d", rejected.Rejection.Reason)
	}
	deadline := time.Now().Add(2 * time.Second)
	for srv.Stats().Rejected == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if srv.Stats().Rejected != 1 {
		t.Fatalf("expected rejected counter to be 1, got %d", srv.Stats().Rejected)
	}
}

func TestStrictCalledAE(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Receiver.StrictCalledAE = true
	addr := startServer(t, receiver.New(cfg, &recordingSink{}, logging.NewNop()))

	_, err := dimse.Request(context.Background(), addr, dimse.RequestConfig{
		CallingAE: "CT01",
		CalledAE:  "SOMEONE_ELSE",
		Contexts:  dimse.ProposeContexts([]string{dicomio.VerificationSOPClass}, dicomio.ImplicitVRLittleEndian),
	})
	var rejected *dimse.RejectedError
	if !errors.As(err, &rejected) || rejected.Rejection.Reason != dimse.RejectReasonCalledAENotRecognized {
		t.Fatalf("expected called-AE rejection, got %v", err)
	}
}

func TestInstancePathFallbacks(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	got := receiver.InstancePath("/in", "", "", "", now)
	want := filepath.Join("/in", "study_unknown_1700000000123", "series_unknown", "inst_1700000000123.dcm")
	if got != want {
		t.Fatalf("InstancePath = %q, want %q", got, want)
	}
	got = receiver.InstancePath("/in", "1.2/../3", "4", "5", now)
	if filepath.Dir(filepath.Dir(got)) != filepath.Join("/in", "1.2_.._3") {
		t.Fatalf("expected sanitized study directory, got %q", got)
	}
}
