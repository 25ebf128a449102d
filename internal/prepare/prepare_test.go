package prepare_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"heimdallr/internal/config"
	"heimdallr/internal/imaging"
	"heimdallr/internal/logging"
	"heimdallr/internal/prepare"
	"heimdallr/internal/services"
	"heimdallr/internal/testsupport"
)

type fakeConverter struct {
	calls int
	seen  int
	err   error
}

func (f *fakeConverter) Convert(_ context.Context, inputDir, outputDir string) (string, error) {
	f.calls++
	entries, _ := os.ReadDir(inputDir)
	f.seen = len(entries)
	if f.err != nil {
		return "", f.err
	}
	path := filepath.Join(outputDir, "converted.nii.gz")
	return path, os.WriteFile(path, []byte("volume"), 0o644)
}

func newConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Selection.MinInstances = 2
	return cfg
}

func ctSeries(uid string, number, count int, kernel string) []imaging.Instance {
	out := make([]imaging.Instance, 0, count)
	for i := range count {
		out = append(out, imaging.Instance{
			StudyUID:        "1.2.3",
			SeriesUID:       uid,
			SOPInstanceUID:  fmt.Sprintf("%s.%d", uid, i+1),
			Modality:        "CT",
			PatientName:     "SILVA^JOAO CARLOS",
			PatientID:       "P1",
			AccessionNumber: "A1",
			StudyDate:       "20240102",
			SeriesNumber:    number,
			InstanceNumber:  i + 1,
			Kernel:          kernel,
			SliceThickness:  testsupport.Float(1),
		})
	}
	return out
}

// buildArchive writes instances as Part 10 files and zips them.
func buildArchive(t *testing.T, instances []imaging.Instance, extra map[string]string) string {
	t.Helper()
	src := t.TempDir()
	for _, inst := range instances {
		testsupport.WriteInstance(t, filepath.Join(src, inst.SeriesUID), inst)
	}
	path := filepath.Join(t.TempDir(), "study.zip")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create zip: %v", err)
	}
	zw := zip.NewWriter(f)
	err = filepath.Walk(src, func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, _ := filepath.Rel(src, p)
		w, err := zw.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
	if err != nil {
		t.Fatalf("zip instances: %v", err)
	}
	for name, body := range extra {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip %s: %v", name, err)
		}
		_, _ = io.WriteString(w, body)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	return path
}

func fixedClock() func() time.Time {
	start := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	return func() time.Time { return start }
}

func TestPrepareSelectsConvertsAndDropsVolume(t *testing.T) {
	cfg := newConfig(t)
	conv := &fakeConverter{}
	p := prepare.New(cfg, logging.NewNop(), prepare.WithConverter(conv), prepare.WithClock(fixedClock()))

	instances := append(ctSeries("1.2.3.1", 1, 5, "B70f"), ctSeries("1.2.3.2", 2, 3, "B30f")...)
	archive := buildArchive(t, instances, nil)

	job, err := p.Prepare(context.Background(), archive)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if job.CaseID != "JoaoCS_20240102_A1" {
		t.Fatalf("unexpected case id %q", job.CaseID)
	}
	if job.Selection.Winner.SeriesUID != "1.2.3.2" {
		t.Fatalf("expected soft kernel series to win, got %s", job.Selection.Winner.SeriesUID)
	}
	if conv.seen != 3 {
		t.Fatalf("expected converter to see 3 winner files, saw %d", conv.seen)
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.IntakeDir, job.CaseID+".nii.gz")); err != nil {
		t.Fatalf("volume not in intake: %v", err)
	}
	if _, err := os.Stat(job.WorkDir); !os.IsNotExist(err) {
		t.Fatalf("work dir should be removed, stat err=%v", err)
	}

	meta, err := prepare.ReadMetadata(cfg.Paths.OutputDir, job.CaseID)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if meta.ClinicalName != job.CaseID || meta.SelectedSeries.InstanceCount != 3 || meta.Modality != "CT" {
		t.Fatalf("unexpected metadata %+v", meta)
	}
	if meta.Pipeline.StartTime != "2024-01-02T10:00:00Z" {
		t.Fatalf("unexpected start time %q", meta.Pipeline.StartTime)
	}
}

func TestPlanSuffixesCollidingCaseIDs(t *testing.T) {
	cfg := newConfig(t)
	p := prepare.New(cfg, logging.NewNop(), prepare.WithConverter(&fakeConverter{}))

	first, err := p.Plan(context.Background(), buildArchive(t, ctSeries("1.2.3.2", 2, 3, "B30f"), nil))
	if err != nil {
		t.Fatalf("first Plan: %v", err)
	}
	second, err := p.Plan(context.Background(), buildArchive(t, ctSeries("1.2.3.2", 2, 3, "B30f"), nil))
	if err != nil {
		t.Fatalf("second Plan: %v", err)
	}
	if second.CaseID != first.CaseID+"_2" {
		t.Fatalf("expected suffixed case id, got %q after %q", second.CaseID, first.CaseID)
	}
}

func TestPlanReservesDistinctIDsConcurrently(t *testing.T) {
	cfg := newConfig(t)
	p := prepare.New(cfg, logging.NewNop(), prepare.WithConverter(&fakeConverter{}))
	const uploads = 8
	archives := make([]string, uploads)
	for i := range archives {
		archives[i] = buildArchive(t, ctSeries("1.2.3.2", 2, 3, "B30f"), nil)
	}

	ids := make(chan string, uploads)
	errs := make(chan error, uploads)
	var wg sync.WaitGroup
	for _, archive := range archives {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := p.Plan(context.Background(), archive)
			if err != nil {
				errs <- err
				return
			}
			ids <- job.CaseID
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)
	for err := range errs {
		t.Fatalf("Plan: %v", err)
	}
	seen := make(map[string]bool)
	for id := range ids {
		if seen[id] {
			t.Fatalf("case id %q reserved twice", id)
		}
		seen[id] = true
	}
	if len(seen) != uploads {
		t.Fatalf("expected %d case ids, got %d", uploads, len(seen))
	}
}

func TestPlanRejectsEscapingEntries(t *testing.T) {
	cfg := newConfig(t)
	p := prepare.New(cfg, logging.NewNop())

	archive := buildArchive(t, ctSeries("1.2.3.2", 2, 3, "B30f"), map[string]string{"../evil.dcm": "x"})
	_, err := p.Plan(context.Background(), archive)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestPlanWithoutEligibleSeriesIsValidationError(t *testing.T) {
	cfg := newConfig(t)
	cfg.Selection.MinInstances = 10
	p := prepare.New(cfg, logging.NewNop())

	_, err := p.Plan(context.Background(), buildArchive(t, ctSeries("1.2.3.2", 2, 3, "B30f"), nil))
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	entries, _ := os.ReadDir(cfg.Paths.UploadsDir)
	if len(entries) != 0 {
		t.Fatalf("work dir left behind: %v", entries)
	}
}

func TestPlanRejectsNonZip(t *testing.T) {
	cfg := newConfig(t)
	p := prepare.New(cfg, logging.NewNop())
	path := filepath.Join(t.TempDir(), "junk.zip")
	testsupport.WriteFile(t, path, 64)

	if _, err := p.Plan(context.Background(), path); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func upload(t *testing.T, url, token, archive string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "study.zip")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	data, err := os.ReadFile(archive)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	_, _ = part.Write(data)
	_ = mw.Close()

	req, _ := http.NewRequest(http.MethodPost, url+"/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	return resp
}

func TestUploadHandlerAcceptsArchive(t *testing.T) {
	cfg := newConfig(t)
	cfg.Prepare.UploadToken = "secret"
	p := prepare.New(cfg, logging.NewNop(), prepare.WithConverter(&fakeConverter{}))
	srv := prepare.NewServer(cfg, p, nil, logging.NewNop())

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := upload(t, ts.URL, "wrong", buildArchive(t, ctSeries("1.2.3.2", 2, 3, "B30f"), nil))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d", resp.StatusCode)
	}

	resp = upload(t, ts.URL, "secret", buildArchive(t, ctSeries("1.2.3.2", 2, 3, "B30f"), nil))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var got prepare.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.CaseID != "JoaoCS_20240102_A1" {
		t.Fatalf("unexpected case id %q", got.CaseID)
	}
}

func TestUploadHandlerQuarantinesUnusableStudy(t *testing.T) {
	cfg := newConfig(t)
	cfg.Selection.MinInstances = 50
	p := prepare.New(cfg, logging.NewNop(), prepare.WithConverter(&fakeConverter{}))
	srv := prepare.NewServer(cfg, p, nil, logging.NewNop())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp := upload(t, ts.URL, "", buildArchive(t, ctSeries("1.2.3.2", 2, 3, "B30f"), nil))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}
	logs, _ := filepath.Glob(filepath.Join(cfg.Paths.ErrorDir, "*.zip.error.log"))
	if len(logs) != 1 {
		t.Fatalf("expected one error log, got %v", logs)
	}
}

func TestServeConvertsInBackground(t *testing.T) {
	cfg := newConfig(t)
	conv := &fakeConverter{err: services.Wrap(services.ErrExternalTool, "prepare", "dcm2niix", "exit 1", nil)}
	p := prepare.New(cfg, logging.NewNop(), prepare.WithConverter(conv))
	srv := prepare.NewServer(cfg, p, nil, logging.NewNop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	resp := upload(t, "http://"+ln.Addr().String(), "", buildArchive(t, ctSeries("1.2.3.2", 2, 3, "B30f"), nil))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		logs, _ := filepath.Glob(filepath.Join(cfg.Paths.ErrorDir, "*.error.log"))
		if len(logs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("conversion failure never quarantined the upload")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Serve: %v", err)
	}
}

func TestDcm2niixCommandAndFailures(t *testing.T) {
	out := t.TempDir()
	exec := &scriptedExecutor{write: filepath.Join(out, "converted.nii.gz")}
	conv := prepare.NewDcm2niixWithExecutor("dcm2niix", time.Minute, exec)

	path, err := conv.Convert(context.Background(), "/in", out)
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if path != exec.write {
		t.Fatalf("unexpected volume %q", path)
	}
	want := []string{"-z", "y", "-f", "converted", "-o", out, "/in"}
	if fmt.Sprint(exec.args) != fmt.Sprint(want) {
		t.Fatalf("unexpected args %v", exec.args)
	}

	empty := prepare.NewDcm2niixWithExecutor("dcm2niix", time.Minute, &scriptedExecutor{})
	if _, err := empty.Convert(context.Background(), "/in", t.TempDir()); !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error for missing output, got %v", err)
	}

	unset := prepare.NewDcm2niix(" ", time.Minute)
	if _, err := unset.Convert(context.Background(), "/in", out); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

type scriptedExecutor struct {
	args  []string
	write string
}

func (s *scriptedExecutor) Run(_ context.Context, _ string, args []string) ([]byte, error) {
	s.args = args
	if s.write != "" {
		return nil, os.WriteFile(s.write, []byte("nii"), 0o644)
	}
	return []byte("no images"), nil
}
