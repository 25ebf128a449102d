package daemon_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"heimdallr/internal/config"
	"heimdallr/internal/daemon"
	"heimdallr/internal/logging"
	"heimdallr/internal/pipeline"
	"heimdallr/internal/queue"
	"heimdallr/internal/services"
	"heimdallr/internal/testsupport"
	"heimdallr/internal/workflow"
)

func processingOnly(t *testing.T) *config.Config {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	t.Setenv("TOTALSEG_HOME_DIR", t.TempDir())
	cfg.Receiver.Enabled = false
	cfg.Prepare.Enabled = false
	cfg.Processing.Enabled = true
	return cfg
}

func startDaemon(t *testing.T, d *daemon.Daemon) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	waitFor(t, d.Running)
	return cancel, done
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func newDaemon(t *testing.T, cfg *config.Config, opts ...daemon.Option) *daemon.Daemon {
	t.Helper()
	d, err := daemon.New(context.Background(), cfg, logging.NewNop(), opts...)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestRunRefusesSecondInstance(t *testing.T) {
	cfg := processingOnly(t)
	first := newDaemon(t, cfg)
	cancel, done := startDaemon(t, first)

	held, err := daemon.LockHeld(cfg)
	if err != nil || !held {
		t.Fatalf("LockHeld = %v, %v; want true", held, err)
	}

	second := newDaemon(t, cfg)
	if err := second.Run(context.Background()); !errors.Is(err, daemon.ErrLocked) {
		t.Fatalf("second Run error = %v, want ErrLocked", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v after cancel", err)
	}
	if first.Status(context.Background()).Running {
		t.Fatal("expected daemon to report stopped")
	}
	if held, _ := daemon.LockHeld(cfg); held {
		t.Fatal("lock still held after shutdown")
	}
}

func TestRunRefusesMissingSegmentationTool(t *testing.T) {
	cfg := processingOnly(t)
	cfg.Processing.TotalSegmentatorBinary = filepath.Join(t.TempDir(), "missing")
	d := newDaemon(t, cfg)

	err := d.Run(context.Background())
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("Run error = %v, want configuration error", err)
	}
	if held, _ := daemon.LockHeld(cfg); held {
		t.Fatal("lock still held after refused start")
	}
}

func TestRunProcessesIntakeCase(t *testing.T) {
	cfg := processingOnly(t)
	seg := &testsupport.Segmenter{}
	d := newDaemon(t, cfg,
		daemon.WithPipelineOptions(pipeline.WithSegmenter(seg), pipeline.WithStageRetry(1, 0)),
		daemon.WithWorkflowOptions(workflow.WithPollInterval(10*time.Millisecond)),
	)
	testsupport.WriteVolume(t, filepath.Join(cfg.Paths.IntakeDir, "case_a.nii.gz"), 40)

	cancel, done := startDaemon(t, d)
	defer func() {
		cancel()
		<-done
	}()

	waitFor(t, func() bool {
		status := d.Status(context.Background())
		return status.Workflow != nil && status.Workflow.Queue[queue.StatusSucceeded] == 1
	})
	status := d.Status(context.Background())
	if status.Receiver != nil || status.Transfer != nil {
		t.Fatalf("disabled components reported status: %+v", status)
	}
	if got := len(seg.Tasks()); got == 0 {
		t.Fatal("expected segmentation tasks to run")
	}
}

func TestRunComposesIngestionComponents(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithStubbedBinaries())
	cfg.Receiver.Enabled = true
	cfg.Prepare.Enabled = true
	cfg.Processing.Enabled = false
	d := newDaemon(t, cfg)

	cancel, done := startDaemon(t, d)
	status := d.Status(context.Background())
	if status.Receiver == nil || status.Transfer == nil {
		t.Fatalf("expected receiver and transfer status, got %+v", status)
	}
	if status.Workflow != nil {
		t.Fatal("processing disabled but workflow status reported")
	}
	waitFor(t, func() bool {
		published, err := daemon.ReadStatus(cfg)
		return err == nil && published.Running
	})
	published, _ := daemon.ReadStatus(cfg)
	if published.Receiver == nil || published.Transfer == nil || published.PID != os.Getpid() {
		t.Fatalf("unexpected published status %+v", published)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v after cancel", err)
	}
	final, err := daemon.ReadStatus(cfg)
	if err != nil {
		t.Fatalf("ReadStatus after stop: %v", err)
	}
	if final.Running {
		t.Fatal("final snapshot must report the daemon stopped")
	}
}

func TestRunSweepsStaleSegmentationHomes(t *testing.T) {
	cfg := processingOnly(t)
	stale := filepath.Join(cfg.Paths.StateDir, "totalseg", "home-crashed")
	testsupport.WriteFile(t, filepath.Join(stale, "weights.lock"), 1)
	d := newDaemon(t, cfg)

	cancel, done := startDaemon(t, d)
	defer func() {
		cancel()
		<-done
	}()

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatalf("expected stale home to be removed, stat err = %v", err)
	}
}
