package pipeline

import (
	"context"
	"path/filepath"
	"strings"

	"heimdallr/internal/fileutil"
	"heimdallr/internal/logging"
	"heimdallr/internal/metrics"
	"heimdallr/internal/prepare"
	"heimdallr/internal/segmentation"
	"heimdallr/internal/services"
)

// Masks whose absence means a segmentation run did not produce usable output.
var requiredMasks = map[string][]string{
	segmentation.TaskTotal:         {"liver"},
	segmentation.TaskTotalMR:       {"liver"},
	segmentation.TaskTissueTypes:   {"skeletal_muscle"},
	segmentation.TaskCerebralBleed: {"intracerebral_hemorrhage"},
}

func (p *Pipeline) segment(ctx context.Context, task segmentation.Task) error {
	if err := resetDir(task.Output); err != nil {
		return err
	}
	if err := p.segmenter.Run(ctx, task); err != nil {
		return err
	}
	return segmentation.RequireMasks(task.Name, task.Output, requiredMasks[task.Name]...)
}

func (p *Pipeline) structural(ctx context.Context, r *run) error {
	if !fileutil.Exists(r.plan.Source) {
		return services.Wrap(services.ErrNotFound, "pipeline", "structural", "Source volume missing", nil)
	}
	return p.segment(ctx, r.plan.StructuralTask())
}

func (p *Pipeline) resolvePlan(ctx context.Context, r *run) error {
	secondary := r.plan.Resolve(p.cfg.Processing.BleedMinBrainBytes)
	attrs := []logging.Attr{
		logging.String("secondary", secondary.Name()),
		logging.String(logging.FieldEventType, "plan_resolved"),
	}
	switch s := secondary.(type) {
	case NoSecondary:
		attrs = append(attrs, logging.String("reason", s.Reason))
	case CerebralBleed:
		attrs = append(attrs, logging.Int64("brain_mask_bytes", s.BrainBytes))
	}
	r.logger.Info("plan resolved", logging.Args(attrs...)...)
	return p.results.SaveStage(ctx, r.item.CaseID, StagePlan, planPayload{
		Modality:  r.plan.Modality,
		Secondary: secondary.Name(),
		Tissue:    r.plan.IsCT(),
	})
}

type planPayload struct {
	Modality  string `json:"modality"`
	Secondary string `json:"secondary"`
	Tissue    bool   `json:"tissue"`
}

func (p *Pipeline) secondary(ctx context.Context, r *run) error {
	task, ok := r.plan.SecondaryTask()
	if !ok {
		r.logger.Debug("no secondary analysis")
		return nil
	}
	return p.segment(ctx, task)
}

func (p *Pipeline) tissue(ctx context.Context, r *run) error {
	task, ok := r.plan.TissueTask()
	if !ok {
		r.logger.Debug("tissue segmentation skipped", logging.String("modality", r.plan.Modality))
		return nil
	}
	return p.segment(ctx, task)
}

func (p *Pipeline) computeMetrics(ctx context.Context, r *run) error {
	result, err := p.calculator.Compute(ctx, r.item.CaseID, r.plan.Modality, r.plan.Source, r.plan.CaseDir)
	if err != nil {
		return err
	}
	if err := metrics.Write(r.plan.CaseDir, result); err != nil {
		return err
	}
	r.result = result
	return nil
}

func (p *Pipeline) persist(ctx context.Context, r *run) error {
	return p.results.SaveStage(ctx, r.item.CaseID, StageMetrics, r.result)
}

// archive records the destination before renaming so a crash between the
// two steps is recognised on restart.
func (p *Pipeline) archive(ctx context.Context, r *run) error {
	name := r.item.CaseID
	if meta, err := prepare.ReadMetadata(p.cfg.Paths.OutputDir, r.item.CaseID); err == nil && strings.TrimSpace(meta.ClinicalName) != "" {
		name = meta.ClinicalName
	}
	target := filepath.Join(p.cfg.Paths.ArchiveDir, fileutil.SanitizeName(name, r.item.CaseID)+".nii.gz")

	if err := p.queue.RecordArchiveIntent(ctx, r.item.CaseID, target); err != nil {
		return err
	}
	if err := fileutil.MoveFile(r.plan.Source, target); err != nil {
		return services.Wrap(services.ErrTransient, "pipeline", "archive", "Could not relocate source volume", err)
	}
	r.archive = target
	return p.finish(ctx, r)
}
