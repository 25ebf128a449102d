package pipeline_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"heimdallr/internal/config"
	"heimdallr/internal/fileutil"
	"heimdallr/internal/logging"
	"heimdallr/internal/metrics"
	"heimdallr/internal/notifications"
	"heimdallr/internal/pipeline"
	"heimdallr/internal/prepare"
	"heimdallr/internal/queue"
	"heimdallr/internal/results"
	"heimdallr/internal/segmentation"
	"heimdallr/internal/services"
	"heimdallr/internal/testsupport"
)

type harness struct {
	cfg      *config.Config
	queue    *queue.Store
	results  *results.Store
	seg      *testsupport.Segmenter
	notifier *testsupport.Notifier
	pipeline *pipeline.Pipeline
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	h := &harness{
		cfg:      cfg,
		queue:    testsupport.MustOpenStore(t, cfg),
		results:  testsupport.MustOpenResults(t, cfg),
		seg:      &testsupport.Segmenter{},
		notifier: &testsupport.Notifier{},
	}
	h.pipeline = pipeline.New(cfg, h.queue, h.results, logging.NewNop(),
		pipeline.WithSegmenter(h.seg),
		pipeline.WithNotifier(h.notifier),
		pipeline.WithStageRetry(3, 0),
	)
	return h
}

// enqueue drops a volume into intake, records clinical metadata and claims
// the case.
func (h *harness) enqueue(t *testing.T, caseID, modality string) *queue.Item {
	t.Helper()
	source := filepath.Join(h.cfg.Paths.IntakeDir, caseID+".nii.gz")
	testsupport.WriteVolume(t, source, 40)
	meta := prepare.CaseMetadata{
		CaseID:       caseID,
		ClinicalName: caseID + "_clinical",
		Modality:     modality,
		Pipeline:     prepare.PipelineTimes{StartTime: "2024-01-02T10:00:00Z"},
	}
	if err := prepare.WriteMetadata(h.cfg.Paths.OutputDir, meta); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}
	ctx := context.Background()
	if _, err := h.queue.Upsert(ctx, caseID, source, modality); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	item, err := h.queue.Claim(ctx, caseID)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	return item
}

func TestRunCTWithCerebralBleed(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Processing.BleedMinBrainBytes = 0 })
	item := h.enqueue(t, "case-ct", "CT")
	ctx := context.Background()

	if err := h.pipeline.Run(ctx, item); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{segmentation.TaskTotal, segmentation.TaskCerebralBleed, segmentation.TaskTissueTypes}
	if diff := cmp.Diff(want, h.seg.Tasks()); diff != "" {
		t.Fatalf("tasks (-want +got):\n%s", diff)
	}
	if extra := h.seg.Calls()[0].Extra; len(extra) != 1 || extra[0] != "--fast" {
		t.Fatalf("structural extra args = %v", extra)
	}

	archive := filepath.Join(h.cfg.Paths.ArchiveDir, "case-ct_clinical.nii.gz")
	if !fileutil.Exists(archive) || fileutil.Exists(item.SourcePath) {
		t.Fatalf("source not relocated to %s", archive)
	}
	got, err := h.queue.Get(ctx, "case-ct")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != queue.StatusSucceeded || got.ArchivePath != archive {
		t.Fatalf("unexpected item %+v", got)
	}

	caseDir := filepath.Join(h.cfg.Paths.OutputDir, "case-ct")
	if !fileutil.Exists(filepath.Join(caseDir, metrics.ResultsFile)) {
		t.Fatalf("metrics document missing")
	}
	meta, err := prepare.ReadMetadata(h.cfg.Paths.OutputDir, "case-ct")
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if meta.Pipeline.EndTime == "" || meta.Pipeline.ElapsedTime == "" {
		t.Fatalf("pipeline times not recorded: %+v", meta.Pipeline)
	}

	stored, err := h.results.Get(ctx, "case-ct")
	if err != nil {
		t.Fatalf("results.Get: %v", err)
	}
	if stored.Status != results.StatusCompleted {
		t.Fatalf("result status = %s", stored.Status)
	}
	var stages []string
	for _, s := range stored.Stages {
		stages = append(stages, s.Stage)
	}
	sort.Strings(stages)
	if diff := cmp.Diff([]string{pipeline.StageMetrics, pipeline.StagePlan}, stages); diff != "" {
		t.Fatalf("stored stages (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]notifications.Event{notifications.EventCaseCompleted}, h.notifier.Events()); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}
}

func TestRunMRSkipsDensityStages(t *testing.T) {
	h := newHarness(t, func(cfg *config.Config) { cfg.Processing.BleedMinBrainBytes = 0 })
	item := h.enqueue(t, "case-mr", "MR")

	if err := h.pipeline.Run(context.Background(), item); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if diff := cmp.Diff([]string{segmentation.TaskTotalMR}, h.seg.Tasks()); diff != "" {
		t.Fatalf("tasks (-want +got):\n%s", diff)
	}
}

func TestRunFailureRoutesToErrorDir(t *testing.T) {
	h := newHarness(t, nil)
	h.seg.Before = func(_ context.Context, task segmentation.Task) error {
		if task.Name == segmentation.TaskTissueTypes {
			return services.Wrap(services.ErrExternalTool, "segmentation", "run", "exit 1: corrupt input", nil)
		}
		return nil
	}
	item := h.enqueue(t, "case-bad", "CT")
	ctx := context.Background()

	err := h.pipeline.Run(ctx, item)
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool error, got %v", err)
	}
	if diff := cmp.Diff([]string{segmentation.TaskTotal, segmentation.TaskTissueTypes}, h.seg.Tasks()); diff != "" {
		t.Fatalf("definite failure must not retry (-want +got):\n%s", diff)
	}

	moved := filepath.Join(h.cfg.Paths.ErrorDir, "case-bad.nii.gz")
	if !fileutil.Exists(moved) || fileutil.Exists(item.SourcePath) {
		t.Fatalf("source not moved to error dir")
	}
	logData, err := os.ReadFile(filepath.Join(h.cfg.Paths.OutputDir, "case-bad", pipeline.ErrorLogName))
	if err != nil {
		t.Fatalf("read error.log: %v", err)
	}
	if len(logData) == 0 {
		t.Fatalf("error.log empty")
	}

	got, err := h.queue.Get(ctx, "case-bad")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != queue.StatusFailed || got.Stage != pipeline.StageTissue || got.SourcePath != moved {
		t.Fatalf("unexpected item %+v", got)
	}
	stored, err := h.results.Get(ctx, "case-bad")
	if err != nil {
		t.Fatalf("results.Get: %v", err)
	}
	if stored.Status != results.StatusFailed || stored.Reason == "" {
		t.Fatalf("unexpected result case %+v", stored)
	}
	if diff := cmp.Diff([]notifications.Event{notifications.EventCaseFailed}, h.notifier.Events()); diff != "" {
		t.Fatalf("events (-want +got):\n%s", diff)
	}
}

func TestRetryRestoresFailedSourceToIntake(t *testing.T) {
	h := newHarness(t, nil)
	h.seg.Before = func(_ context.Context, task segmentation.Task) error {
		if task.Name == segmentation.TaskTotal {
			return services.Wrap(services.ErrExternalTool, "segmentation", "run", "exit 1", nil)
		}
		return nil
	}
	item := h.enqueue(t, "case-retry", "CT")
	ctx := context.Background()
	if err := h.pipeline.Run(ctx, item); err == nil {
		t.Fatal("expected failure")
	}

	restore := pipeline.RestoreSource(h.cfg.Paths.IntakeDir, h.cfg.Paths.ErrorDir)
	n, err := h.queue.RetryFailed(ctx, restore, "case-retry")
	if err != nil || n != 1 {
		t.Fatalf("RetryFailed = %d, %v", n, err)
	}
	got, err := h.queue.Get(ctx, "case-retry")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != queue.StatusPending || got.SourcePath != item.SourcePath {
		t.Fatalf("unexpected item after retry %+v", got)
	}
	if !fileutil.Exists(item.SourcePath) {
		t.Fatal("volume not restored to intake")
	}
}

func TestRunRetriesTransientStageFailure(t *testing.T) {
	h := newHarness(t, nil)
	failures := 1
	h.seg.Before = func(_ context.Context, task segmentation.Task) error {
		if task.Name == segmentation.TaskTotal && failures > 0 {
			failures--
			return services.Wrap(services.ErrTransient, "segmentation", "run", "launch failed", nil)
		}
		return nil
	}
	item := h.enqueue(t, "case-flaky", "CT")

	if err := h.pipeline.Run(context.Background(), item); err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := []string{segmentation.TaskTotal, segmentation.TaskTotal, segmentation.TaskTissueTypes}
	if diff := cmp.Diff(want, h.seg.Tasks()); diff != "" {
		t.Fatalf("tasks (-want +got):\n%s", diff)
	}
}

func TestRunMissingMaskFailsStage(t *testing.T) {
	h := newHarness(t, nil)
	h.seg.NoOutput = map[string]bool{segmentation.TaskTissueTypes: true}
	item := h.enqueue(t, "case-empty", "CT")

	err := h.pipeline.Run(context.Background(), item)
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected missing mask failure, got %v", err)
	}
	got, err := h.queue.Get(context.Background(), "case-empty")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != queue.StatusFailed || got.Stage != pipeline.StageTissue {
		t.Fatalf("unexpected item %+v", got)
	}
}

func TestRunCancellationLeavesCaseRunning(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	h.seg.Before = func(ctx context.Context, task segmentation.Task) error {
		cancel()
		return ctx.Err()
	}
	item := h.enqueue(t, "case-stop", "CT")

	err := h.pipeline.Run(ctx, item)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	got, err := h.queue.Get(context.Background(), "case-stop")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != queue.StatusRunning || !fileutil.Exists(item.SourcePath) {
		t.Fatalf("interrupted case should stay running in place, got %+v", got)
	}
	if fileutil.Exists(filepath.Join(h.cfg.Paths.OutputDir, "case-stop", pipeline.ErrorLogName)) {
		t.Fatalf("interrupted case must not write error.log")
	}
}

func TestCrashAfterArchiveIsRecoveredOnce(t *testing.T) {
	h := newHarness(t, nil)
	item := h.enqueue(t, "case-crash", "CT")
	ctx := context.Background()

	// Simulate a crash once the rename landed but before completion.
	archive := filepath.Join(h.cfg.Paths.ArchiveDir, "case-crash_clinical.nii.gz")
	if err := h.queue.RecordArchiveIntent(ctx, item.CaseID, archive); err != nil {
		t.Fatalf("RecordArchiveIntent: %v", err)
	}
	if err := fileutil.MoveFile(item.SourcePath, archive); err != nil {
		t.Fatalf("MoveFile: %v", err)
	}

	res, err := h.queue.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if res.Recovered != 1 {
		t.Fatalf("expected one recovered item, got %+v", res)
	}
	pending, err := h.queue.Pending(ctx, 10)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 || fileutil.Exists(item.SourcePath) {
		t.Fatalf("recovered case must not be reprocessed")
	}

	if err := h.pipeline.Settle(ctx, res.Repairs); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	stored, err := h.results.Get(ctx, "case-crash")
	if err != nil {
		t.Fatalf("results.Get: %v", err)
	}
	if stored.Status != results.StatusCompleted {
		t.Fatalf("result status after recovery = %s", stored.Status)
	}
	meta, err := prepare.ReadMetadata(h.cfg.Paths.OutputDir, "case-crash")
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if meta.Pipeline.EndTime == "" {
		t.Fatal("recovered case has no pipeline end time")
	}
	if len(h.seg.Tasks()) != 0 {
		t.Fatalf("recovered case ran segmentation: %v", h.seg.Tasks())
	}
}

func TestSettleRecordsOrphanFailure(t *testing.T) {
	h := newHarness(t, nil)
	item := h.enqueue(t, "case-gone", "CT")
	ctx := context.Background()
	if err := h.results.SetStatus(ctx, item.CaseID, results.StatusProcessing, ""); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	if err := os.Remove(item.SourcePath); err != nil {
		t.Fatalf("remove source: %v", err)
	}

	res, err := h.queue.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if err := h.pipeline.Settle(ctx, res.Repairs); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	stored, err := h.results.Get(ctx, "case-gone")
	if err != nil {
		t.Fatalf("results.Get: %v", err)
	}
	if stored.Status != results.StatusFailed || stored.Reason == "" {
		t.Fatalf("orphaned case result = %+v", stored)
	}
}

func TestRunResumesCaseArchivedByEarlierRun(t *testing.T) {
	h := newHarness(t, nil)
	item := h.enqueue(t, "case-resume", "CT")
	ctx := context.Background()

	// An earlier run moved the volume but could not record completion and
	// handed the case back to pending.
	archive := filepath.Join(h.cfg.Paths.ArchiveDir, "case-resume_clinical.nii.gz")
	if err := h.queue.RecordArchiveIntent(ctx, item.CaseID, archive); err != nil {
		t.Fatalf("RecordArchiveIntent: %v", err)
	}
	if err := fileutil.MoveFile(item.SourcePath, archive); err != nil {
		t.Fatalf("MoveFile: %v", err)
	}
	if err := h.queue.Release(ctx, item.CaseID, "completion pending"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	again, err := h.queue.Claim(ctx, item.CaseID)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if err := h.pipeline.Run(ctx, again); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(h.seg.Tasks()) != 0 {
		t.Fatalf("archived case was reprocessed: %v", h.seg.Tasks())
	}
	got, err := h.queue.Get(ctx, item.CaseID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != queue.StatusSucceeded || !fileutil.Exists(archive) {
		t.Fatalf("resumed case = %+v", got)
	}
	stored, err := h.results.Get(ctx, item.CaseID)
	if err != nil {
		t.Fatalf("results.Get: %v", err)
	}
	if stored.Status != results.StatusCompleted {
		t.Fatalf("result status = %s", stored.Status)
	}
}

func TestPlanResolve(t *testing.T) {
	out := t.TempDir()
	write := func(p *pipeline.Plan, size int64) {
		testsupport.WriteFile(t, filepath.Join(p.Dir(metrics.TotalDir), "brain.nii.gz"), size)
	}

	ct := pipeline.NewPlan("a", "ct", "/in/a.nii.gz", out, false)
	write(ct, 2000)
	if _, ok := ct.Resolve(1000).(pipeline.CerebralBleed); !ok {
		t.Fatalf("expected cerebral bleed, got %#v", ct.Secondary)
	}
	if task, ok := ct.SecondaryTask(); !ok || task.Output != ct.Dir(metrics.BleedDir) {
		t.Fatalf("unexpected secondary task %+v", task)
	}

	small := pipeline.NewPlan("b", "CT", "/in/b.nii.gz", out, false)
	write(small, 500)
	if s, ok := small.Resolve(1000).(pipeline.NoSecondary); !ok || s.Reason == "" {
		t.Fatalf("expected no secondary, got %#v", small.Secondary)
	}

	mr := pipeline.NewPlan("c", "MR", "/in/c.nii.gz", out, true)
	write(mr, 5000)
	if _, ok := mr.Resolve(1000).(pipeline.NoSecondary); !ok {
		t.Fatalf("MR must not run bleed analysis")
	}
	if _, ok := mr.TissueTask(); ok {
		t.Fatalf("MR has no tissue task")
	}
	if task := mr.StructuralTask(); task.Name != segmentation.TaskTotalMR {
		t.Fatalf("structural task = %s", task.Name)
	}
}

func TestStagesOrder(t *testing.T) {
	want := []string{"structural", "plan", "secondary", "tissue", "metrics", "persist", "archive"}
	if diff := cmp.Diff(want, pipeline.Stages); diff != "" {
		t.Fatalf("stage order (-want +got):\n%s", diff)
	}
}
