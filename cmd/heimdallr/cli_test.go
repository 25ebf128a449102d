package main

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"heimdallr/internal/aggregator"
	"heimdallr/internal/config"
	"heimdallr/internal/daemon"
	"heimdallr/internal/dicomio"
	"heimdallr/internal/fileutil"
	"heimdallr/internal/imaging"
	"heimdallr/internal/logging"
	"heimdallr/internal/queue"
	"heimdallr/internal/receiver"
	"heimdallr/internal/results"
	"heimdallr/internal/testsupport"
	"heimdallr/internal/workflow"
)

type cliTestEnv struct {
	cfg        *config.Config
	configPath string
	baseDir    string
}

// setupCLITestEnv writes a config rooted in a temp dir and loads it back the
// way the CLI will.
func setupCLITestEnv(t *testing.T, receiverPort int) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	t.Setenv("HOME", filepath.Join(base, "home"))
	t.Setenv("TOTALSEG_HOME_DIR", filepath.Join(base, "totalseg"))
	stub := filepath.Join(base, "bin", "TotalSegmentator")
	if err := os.MkdirAll(filepath.Dir(stub), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stub, []byte("#!/bin/sh\nexit 0\n"), 0o755); err != nil {
		t.Fatal(err)
	}

	receiverSection := "enabled = false"
	if receiverPort > 0 {
		receiverSection = fmt.Sprintf("enabled = true\nbind = \"127.0.0.1\"\nport = %d\nae_title = \"HEIMDALLR\"", receiverPort)
	}
	content := fmt.Sprintf(`[paths]
data_dir = %q

[receiver]
%s

[prepare]
enabled = false

[processing]
enabled = true
totalsegmentator_binary = %q
`, filepath.Join(base, "data"), receiverSection, stub)

	configPath := filepath.Join(base, "config.toml")
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, _, _, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return &cliTestEnv{cfg: cfg, configPath: configPath, baseDir: base}
}

func runCLI(t *testing.T, args []string, configPath string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	var flags []string
	if configPath != "" {
		flags = append(flags, "--config", configPath)
	}
	cmd.SetArgs(append(flags, args...))
	err := cmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, substr string) {
	t.Helper()
	if !strings.Contains(output, substr) {
		t.Fatalf("expected %q to contain %q", output, substr)
	}
}

func ctInstances(n int) []imaging.Instance {
	thickness := 1.0
	out := make([]imaging.Instance, 0, n)
	for i := range n {
		z := float64(i)
		out = append(out, imaging.Instance{
			StudyUID:          "1.2.3",
			SeriesUID:         "1.2.3.2",
			SOPInstanceUID:    fmt.Sprintf("1.2.3.2.%d", i+1),
			SOPClassUID:       dicomio.CTImageStorage,
			Modality:          "CT",
			PatientName:       "DOE^JANE",
			SeriesNumber:      2,
			SeriesDescription: "ABDOMEN PORTAL",
			InstanceNumber:    i + 1,
			SliceThickness:    &thickness,
			Kernel:            "B30f",
			PositionZ:         &z,
		})
	}
	return out
}

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t, 0)

	out, _, err := runCLI(t, []string{"config", "validate"}, env.configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, env.configPath)

	target := filepath.Join(t.TempDir(), "config.toml")
	out, _, err = runCLI(t, []string{"config", "init", "--path", target}, "")
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}
	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, ""); err == nil {
		t.Fatal("expected init to refuse overwriting without --overwrite")
	}
}

func TestQueueCommands(t *testing.T) {
	env := setupCLITestEnv(t, 0)
	ctx := context.Background()
	store := testsupport.MustOpenStore(t, env.cfg)

	failedSource := filepath.Join(env.cfg.Paths.ErrorDir, "case_a.nii.gz")
	testsupport.WriteFile(t, failedSource, 16)
	if _, err := store.Upsert(ctx, "case_a", filepath.Join(env.cfg.Paths.IntakeDir, "case_a.nii.gz"), "CT"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := store.Claim(ctx, "case_a"); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.Fail(ctx, "case_a", "structural: exit 1", failedSource); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if _, err := store.Upsert(ctx, "case_b", filepath.Join(env.cfg.Paths.IntakeDir, "case_b.nii.gz"), "MR"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	out, _, err := runCLI(t, []string{"queue", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("queue list: %v", err)
	}
	requireContains(t, out, "case_a")
	requireContains(t, out, "Failed")
	requireContains(t, out, "structural: exit 1")

	out, _, err = runCLI(t, []string{"queue", "list", "--status", "pending"}, env.configPath)
	if err != nil {
		t.Fatalf("queue list --status: %v", err)
	}
	if strings.Contains(out, "case_a") || !strings.Contains(out, "case_b") {
		t.Fatalf("status filter not applied:\n%s", out)
	}
	if _, _, err := runCLI(t, []string{"queue", "list", "--status", "bogus"}, env.configPath); err == nil {
		t.Fatal("expected unknown status to be rejected")
	}

	out, _, err = runCLI(t, []string{"queue", "status"}, env.configPath)
	if err != nil {
		t.Fatalf("queue status: %v", err)
	}
	requireContains(t, out, "Pending")

	out, _, err = runCLI(t, []string{"queue", "retry", "case_a"}, env.configPath)
	if err != nil {
		t.Fatalf("queue retry: %v", err)
	}
	requireContains(t, out, "Retrying 1 case(s)")
	item, err := store.Get(ctx, "case_a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Status != queue.StatusPending || filepath.Dir(item.SourcePath) != env.cfg.Paths.IntakeDir {
		t.Fatalf("unexpected item after retry %+v", item)
	}

	if _, _, err := runCLI(t, []string{"queue", "clear"}, env.configPath); err == nil {
		t.Fatal("expected clear without a target to fail")
	}
	out, _, err = runCLI(t, []string{"queue", "clear", "case_b"}, env.configPath)
	if err != nil {
		t.Fatalf("queue clear: %v", err)
	}
	requireContains(t, out, "case_b not removed")
}

func TestResultsShow(t *testing.T) {
	env := setupCLITestEnv(t, 0)
	ctx := context.Background()
	store := testsupport.MustOpenResults(t, env.cfg)
	if err := store.SaveStage(ctx, "case_a", "metrics", map[string]any{"liver_vol_cm3": 1520.5}); err != nil {
		t.Fatalf("SaveStage: %v", err)
	}
	if err := store.SetStatus(ctx, "case_a", results.StatusCompleted, ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	out, _, err := runCLI(t, []string{"results", "show", "case_a"}, env.configPath)
	if err != nil {
		t.Fatalf("results show: %v", err)
	}
	requireContains(t, out, "[metrics]")
	requireContains(t, out, "liver_vol_cm3")
	requireContains(t, out, "Completed")

	out, _, err = runCLI(t, []string{"results", "list"}, env.configPath)
	if err != nil {
		t.Fatalf("results list: %v", err)
	}
	requireContains(t, out, "case_a")

	if _, _, err := runCLI(t, []string{"results", "show", "missing"}, env.configPath); err == nil {
		t.Fatal("expected missing case to fail")
	}
}

func TestSelectCommand(t *testing.T) {
	env := setupCLITestEnv(t, 0)
	dir := t.TempDir()
	for _, inst := range ctInstances(12) {
		testsupport.WriteInstance(t, dir, inst)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("not dicom"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, _, err := runCLI(t, []string{"select", dir}, env.configPath)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	requireContains(t, out, "ABDOMEN PORTAL")
	requireContains(t, out, "selected")
	requireContains(t, out, "1 file(s) skipped")
}

type recordingSink struct {
	mu        sync.Mutex
	instances []imaging.Instance
}

func (s *recordingSink) Submit(inst imaging.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances = append(s.instances, inst)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}

func TestEchoAndSendAgainstReceiver(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	env := setupCLITestEnv(t, ln.Addr().(*net.TCPAddr).Port)

	sink := &recordingSink{}
	srv := receiver.New(env.cfg, sink, logging.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("receiver did not stop")
		}
	})

	out, _, err := runCLI(t, []string{"echo", "--calling-ae", "TESTSCU"}, env.configPath)
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	requireContains(t, out, "ok")

	dir := t.TempDir()
	for _, inst := range ctInstances(3) {
		testsupport.WriteInstance(t, dir, inst)
	}
	out, _, err = runCLI(t, []string{"send", dir}, env.configPath)
	if err != nil {
		t.Fatalf("send: %v\n%s", err, out)
	}
	requireContains(t, out, "Sent 3 of 3")
	if got := sink.count(); got != 3 {
		t.Fatalf("receiver got %d instances, want 3", got)
	}
}

func TestStatusCommand(t *testing.T) {
	env := setupCLITestEnv(t, 0)
	out, _, err := runCLI(t, []string{"status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "== Daemon ==")
	requireContains(t, out, "not running")
	requireContains(t, out, "TotalSegmentator")
	requireContains(t, out, "Intake directory")
}

func TestStatusCommandShowsPublishedSnapshot(t *testing.T) {
	env := setupCLITestEnv(t, 0)
	if err := os.MkdirAll(env.cfg.Paths.StateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	lock := flock.New(env.cfg.LockPath())
	if ok, err := lock.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock = %v, %v", ok, err)
	}
	defer lock.Unlock()
	snapshot := daemon.Status{
		Running:     true,
		UpdatedAt:   time.Now(),
		Receiver:    &receiver.Stats{Stored: 12, Failed: 1},
		OpenStudies: []aggregator.StudyStatus{{StudyUID: "1.2.3", Instances: 12, IdleRemaining: 30 * time.Second}},
		Transfer:    &daemon.TransferStatus{Pending: 1, Delivered: 4},
		Workflow: &workflow.StatusSummary{
			Running:   true,
			Workers:   2,
			Active:    []string{"case_a"},
			LastError: "segmentation: exit 1",
		},
	}
	if err := fileutil.WriteJSONAtomic(env.cfg.StatusPath(), snapshot); err != nil {
		t.Fatal(err)
	}

	out, _, err := runCLI(t, []string{"status"}, env.configPath)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	requireContains(t, out, "12 stored, 1 failed")
	requireContains(t, out, "12 instances, closes in 30s")
	requireContains(t, out, "1 queued, 4 delivered, 0 failed")
	requireContains(t, out, "2 workers, 1 active (case_a)")
	requireContains(t, out, "segmentation: exit 1")
}

func TestLogsCommandFiltersByCase(t *testing.T) {
	env := setupCLITestEnv(t, 0)
	content := "INFO case started case_id=case_a\n" +
		"INFO case started case_id=case_b\n" +
		"INFO case finished case_id=case_a\n"
	path := filepath.Join(env.cfg.Paths.LogDir, logging.LogFileName)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	out, _, err := runCLI(t, []string{"logs", "-n", "5", "--case", "case_a"}, env.configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	requireContains(t, out, "case finished case_id=case_a")
	if strings.Contains(out, "case_b") {
		t.Fatalf("unexpected case_b line in %q", out)
	}
}
