package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"heimdallr/internal/config"
	"heimdallr/internal/deps"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckPreparationEndpoint_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" || r.Header.Get("Authorization") != "Bearer secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	result := CheckPreparationEndpoint(context.Background(), srv.URL+"/upload", "secret")
	if !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
}

func TestCheckPreparationEndpoint_BadToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	result := CheckPreparationEndpoint(context.Background(), srv.URL+"/upload", "wrong")
	if result.Passed {
		t.Fatal("expected failure for bad token")
	}
}

func TestCheckPreparationEndpoint_MissingURL(t *testing.T) {
	if result := CheckPreparationEndpoint(context.Background(), "", ""); result.Passed {
		t.Fatal("expected failure for missing URL")
	}
	if result := CheckPreparationEndpoint(context.Background(), "not a url", ""); result.Passed {
		t.Fatal("expected failure for invalid URL")
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	results := RunAll(context.Background(), nil)
	if results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func pathsUnder(t *testing.T, cfg *config.Config) {
	t.Helper()
	base := t.TempDir()
	p := &cfg.Paths
	dirs := map[string]*string{
		"state": &p.StateDir, "incoming": &p.IncomingDir, "outbox": &p.OutboxDir,
		"failed": &p.FailedDir, "uploads": &p.UploadsDir, "intake": &p.IntakeDir,
		"output": &p.OutputDir, "error": &p.ErrorDir, "archive": &p.ArchiveDir,
	}
	for name, dir := range dirs {
		*dir = filepath.Join(base, name)
		if err := os.MkdirAll(*dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRunAll_ProcessingOnly(t *testing.T) {
	cfg := config.Default()
	cfg.Receiver.Enabled = false
	cfg.Prepare.Enabled = false
	cfg.Processing.Enabled = true
	pathsUnder(t, &cfg)

	results := RunAll(context.Background(), &cfg)
	// state + intake + output + error + archive
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d: %+v", len(results), results)
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}

func TestRunAll_ChecksRemotePreparationEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Receiver.Enabled = true
	cfg.Prepare.Enabled = false
	cfg.Processing.Enabled = false
	cfg.Transfer.UploadURL = srv.URL + "/upload"
	pathsUnder(t, &cfg)

	failed := Failed(RunAll(context.Background(), &cfg))
	if len(failed) != 1 || failed[0].Name != "Preparation endpoint" {
		t.Fatalf("expected only the endpoint check to fail, got %+v", failed)
	}
}

func TestCheckSystemDepsReportsMissingTools(t *testing.T) {
	t.Setenv("TOTALSEG_HOME_DIR", t.TempDir())
	cfg := config.Default()
	cfg.Prepare.Enabled = true
	cfg.Processing.Enabled = true
	cfg.Prepare.Dcm2niixBinary = "clearly-not-dcm2niix"
	cfg.Processing.TotalSegmentatorBinary = "clearly-not-totalsegmentator"

	statuses := CheckSystemDeps(context.Background(), &cfg)
	if len(statuses) != 3 {
		t.Fatalf("expected 3 statuses, got %d", len(statuses))
	}
	missing := MissingRequired(statuses)
	if len(missing) != 2 || missing[0] != "dcm2niix" || missing[1] != "TotalSegmentator" {
		t.Fatalf("unexpected missing list %v", missing)
	}
	if MissingRequired([]deps.Status{{Name: "weights", Optional: true}}) != nil {
		t.Fatal("optional tools must not block startup")
	}
}
