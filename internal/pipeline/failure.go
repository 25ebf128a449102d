package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"heimdallr/internal/fileutil"
	"heimdallr/internal/logging"
	"heimdallr/internal/notifications"
	"heimdallr/internal/queue"
	"heimdallr/internal/results"
	"heimdallr/internal/services"
)

// ErrorLogName is written into the case output dir when a case fails.
const ErrorLogName = "error.log"

// fail records stageErr as the terminal state of the case: the source moves
// to the error dir, error.log is written and both stores mark the failure.
// The original error is returned.
func (p *Pipeline) fail(ctx context.Context, r *run, stageName string, stageErr error) error {
	reason := fmt.Sprintf("%s: %s", stageName, services.FailureReason(stageErr))
	logging.ErrorWithContext(r.logger, "case failed", "case_failed",
		logging.String(logging.FieldStage, stageName),
		logging.String("error_class", string(services.Classify(stageErr))),
		logging.String(logging.FieldErrorHint, "inspect error.log in the case output dir"),
		logging.Error(stageErr),
	)

	moved := ""
	if fileutil.Exists(r.plan.Source) {
		target := filepath.Join(p.cfg.Paths.ErrorDir, filepath.Base(r.plan.Source))
		if err := fileutil.MoveFile(r.plan.Source, target); err != nil {
			r.logger.Warn("source volume not moved to error dir", logging.Error(err))
		} else {
			moved = target
		}
	}

	entry := fmt.Sprintf("%s stage=%s\n%s\n", p.now().UTC().Format(time.RFC3339), stageName, services.FailureReason(stageErr))
	if err := os.MkdirAll(r.plan.CaseDir, 0o755); err == nil {
		if err := fileutil.WriteFileAtomic(filepath.Join(r.plan.CaseDir, ErrorLogName), []byte(entry), 0o644); err != nil {
			r.logger.Warn("error log not written", logging.Error(err))
		}
	}

	// Terminal bookkeeping must survive a shutdown that races the failure.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.queue.Fail(recordCtx, r.item.CaseID, reason, moved); err != nil {
		r.logger.Error("queue failure not recorded", logging.Error(err))
	}
	if err := p.results.SetStatus(recordCtx, r.item.CaseID, results.StatusFailed, reason); err != nil {
		r.logger.Error("result status not recorded", logging.Error(err))
	}
	p.publish(recordCtx, r.logger, notifications.EventCaseFailed, notifications.Payload{
		"caseID": r.item.CaseID,
		"stage":  stageName,
		"error":  services.FailureReason(stageErr),
	})
	return stageErr
}

// RestoreSource returns a queue.Store.RetryFailed mapper that moves a failed
// case's volume from the error dir back into intake. Items whose volume is
// elsewhere keep their recorded path.
func RestoreSource(intakeDir, errorDir string) func(*queue.Item) string {
	return func(item *queue.Item) string {
		source := item.SourcePath
		if filepath.Dir(source) != filepath.Clean(errorDir) || !fileutil.Exists(source) {
			return source
		}
		target := filepath.Join(intakeDir, item.CaseID+".nii.gz")
		if err := fileutil.MoveFile(source, target); err != nil {
			return source
		}
		return target
	}
}
