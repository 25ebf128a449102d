package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"heimdallr/internal/fileutil"
	"heimdallr/internal/logging"
	"heimdallr/internal/prepare"
	"heimdallr/internal/queue"
	"heimdallr/internal/results"
	"heimdallr/internal/services"
)

// errCompletionPending marks a case whose volume reached the archive dir but
// whose terminal status could not be recorded. The case is not failed; the
// next claim or the startup reconcile finishes it.
var errCompletionPending = errors.New("archived, completion pending")

// Settle mirrors queue repairs made at startup into the result store and
// id.json, so recovered and orphaned cases do not stay "processing".
func (p *Pipeline) Settle(ctx context.Context, repairs []queue.Repair) error {
	var errs []error
	for _, repair := range repairs {
		logger := p.logger.With(logging.String(logging.FieldCaseID, repair.CaseID))
		switch repair.Status {
		case queue.StatusSucceeded:
			p.markEnd(logger, repair.CaseID)
			if err := p.results.SetStatus(ctx, repair.CaseID, results.StatusCompleted, ""); err != nil {
				errs = append(errs, err)
				continue
			}
			logger.Info("recovered case settled", logging.String("archive_path", repair.ArchivePath))
		case queue.StatusFailed:
			if err := p.results.SetStatus(ctx, repair.CaseID, results.StatusFailed, repair.Reason); err != nil {
				errs = append(errs, err)
				continue
			}
			logger.Info("orphaned case settled", logging.String("reason", repair.Reason))
		}
	}
	return errors.Join(errs...)
}

// markEnd stamps the pipeline end time unless a previous run already did.
func (p *Pipeline) markEnd(logger *slog.Logger, caseID string) {
	meta, err := prepare.ReadMetadata(p.cfg.Paths.OutputDir, caseID)
	if err != nil || meta.Pipeline.EndTime != "" {
		return
	}
	if err := prepare.MarkPipelineEnd(p.cfg.Paths.OutputDir, caseID, p.now()); err != nil {
		logger.Warn("pipeline times not recorded", logging.Error(err))
	}
}

// archivedEarlier reports whether a previous run already relocated the
// source to its recorded archive path.
func archivedEarlier(item *queue.Item) bool {
	return item.ArchivePath != "" && !fileutil.Exists(item.SourcePath) && fileutil.Exists(item.ArchivePath)
}

// finish records the terminal status of an archived case. The result store
// is written first so a failure on the queue side leaves a row that resumes
// here rather than a completed queue row with a stale result status.
func (p *Pipeline) finish(ctx context.Context, r *run) error {
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	p.markEnd(r.logger, r.item.CaseID)
	if err := p.results.SetStatus(recordCtx, r.item.CaseID, results.StatusCompleted, ""); err != nil {
		return services.Wrap(errCompletionPending, "pipeline", "archive", "Result status not recorded", err)
	}
	if err := p.queue.Complete(recordCtx, r.item.CaseID); err != nil {
		return services.Wrap(errCompletionPending, "pipeline", "archive", "Queue status not recorded", err)
	}
	return nil
}

// deferCompletion hands an archived case back to the queue so the next claim
// resumes at finish. If even that fails, the row stays running with its
// archive intent and Reconcile or stale reclaim picks it up.
func (p *Pipeline) deferCompletion(ctx context.Context, r *run, err error) error {
	logging.WarnWithContext(r.logger, "case archived but completion not recorded", "case_completion_pending",
		logging.String("archive_path", r.archive),
		logging.Error(err),
		logging.String(logging.FieldImpact, "case completes on its next claim"),
	)
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if relErr := p.queue.Release(releaseCtx, r.item.CaseID, "completion pending"); relErr != nil {
		r.logger.Warn("archived case not released", logging.Error(relErr))
	}
	return err
}
