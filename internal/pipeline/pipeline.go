package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"heimdallr/internal/config"
	"heimdallr/internal/logging"
	"heimdallr/internal/metrics"
	"heimdallr/internal/notifications"
	"heimdallr/internal/queue"
	"heimdallr/internal/results"
	"heimdallr/internal/segmentation"
	"heimdallr/internal/services"
)

// Stage names, in execution order.
const (
	StageStructural = "structural"
	StagePlan       = "plan"
	StageSecondary  = "secondary"
	StageTissue     = "tissue"
	StageMetrics    = "metrics"
	StagePersist    = "persist"
	StageArchive    = "archive"
)

// Stages lists every stage in execution order.
var Stages = []string{
	StageStructural,
	StagePlan,
	StageSecondary,
	StageTissue,
	StageMetrics,
	StagePersist,
	StageArchive,
}

const (
	defaultStageAttempts = 3
	defaultStageBackoff  = 2 * time.Second
)

// Segmenter runs one segmentation task.
type Segmenter interface {
	Run(ctx context.Context, task segmentation.Task) error
}

// Calculator computes case metrics from segmentation outputs.
type Calculator interface {
	Compute(ctx context.Context, caseID, modality, volumePath, caseDir string) (*metrics.Result, error)
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSegmenter replaces the TotalSegmentator runner.
func WithSegmenter(s Segmenter) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.segmenter = s
		}
	}
}

// WithCalculator replaces the metrics calculator.
func WithCalculator(c Calculator) Option {
	return func(p *Pipeline) {
		if c != nil {
			p.calculator = c
		}
	}
}

// WithNotifier sets the notification sink.
func WithNotifier(n notifications.Service) Option {
	return func(p *Pipeline) {
		if n != nil {
			p.notifier = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// WithStageRetry bounds retries of transient stage failures.
func WithStageRetry(attempts int, backoff time.Duration) Option {
	return func(p *Pipeline) {
		p.attempts = max(attempts, 1)
		p.backoff = backoff
	}
}

// Pipeline runs claimed cases to a terminal state.
type Pipeline struct {
	cfg        *config.Config
	queue      *queue.Store
	results    *results.Store
	segmenter  Segmenter
	calculator Calculator
	notifier   notifications.Service
	logger     *slog.Logger
	now        func() time.Time
	attempts   int
	backoff    time.Duration
}

// New constructs a Pipeline over the queue and result stores.
func New(cfg *config.Config, store *queue.Store, resultStore *results.Store, logger *slog.Logger, opts ...Option) *Pipeline {
	logger = logging.NewComponentLogger(logger, "pipeline")
	p := &Pipeline{
		cfg:      cfg,
		queue:    store,
		results:  resultStore,
		logger:   logger,
		now:      time.Now,
		attempts: defaultStageAttempts,
		backoff:  defaultStageBackoff,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.segmenter == nil {
		p.segmenter = segmentation.New(cfg, logger)
	}
	if p.calculator == nil {
		p.calculator = metrics.New(logger)
	}
	if p.notifier == nil {
		p.notifier = notifications.NewService(cfg)
	}
	return p
}

// stage is one step of a run. retry marks stages whose transient failures
// are retried here; persistence retries inside the result store.
type stage struct {
	name  string
	retry bool
	run   func(context.Context, *run) error
}

// run is the mutable state of one case execution.
type run struct {
	item    *queue.Item
	plan    *Plan
	result  *metrics.Result
	archive string
	logger  *slog.Logger
	started time.Time
}

func (p *Pipeline) stages() []stage {
	return []stage{
		{name: StageStructural, retry: true, run: p.structural},
		{name: StagePlan, run: p.resolvePlan},
		{name: StageSecondary, retry: true, run: p.secondary},
		{name: StageTissue, retry: true, run: p.tissue},
		{name: StageMetrics, run: p.computeMetrics},
		{name: StagePersist, run: p.persist},
		{name: StageArchive, run: p.archive},
	}
}

// Run drives a claimed item through every stage. Failures are recorded as
// the case's terminal state and returned; a cancelled context is returned
// without recording anything so the caller can release the claim.
func (p *Pipeline) Run(ctx context.Context, item *queue.Item) error {
	ctx = services.WithCaseID(ctx, item.CaseID)
	r := &run{
		item:    item,
		plan:    NewPlan(item.CaseID, item.Modality, item.SourcePath, p.cfg.Paths.OutputDir, p.cfg.Processing.Fast),
		logger:  logging.WithContext(ctx, p.logger),
		started: p.now(),
	}
	r.logger.Info("case started",
		logging.String(logging.FieldEventType, "case_start"),
		logging.String("modality", r.plan.Modality),
		logging.String("source_file", item.SourcePath),
		logging.Int("attempt", item.Attempts),
	)
	if archivedEarlier(item) {
		r.archive = item.ArchivePath
		r.logger.Info("resuming archived case", logging.String("archive_path", r.archive))
		if err := p.finish(ctx, r); err != nil {
			return p.deferCompletion(ctx, r, err)
		}
		p.completed(ctx, r)
		return nil
	}
	if err := p.results.SetStatus(ctx, item.CaseID, results.StatusProcessing, ""); err != nil {
		return p.fail(ctx, r, StagePersist, err)
	}

	for _, stg := range p.stages() {
		if err := p.runStage(ctx, r, stg); err != nil {
			if errors.Is(err, errCompletionPending) {
				return p.deferCompletion(ctx, r, err)
			}
			if ctx.Err() != nil {
				r.logger.Info("case interrupted by shutdown", logging.String(logging.FieldStage, stg.name))
				return err
			}
			return p.fail(ctx, r, stg.name, err)
		}
	}
	p.completed(ctx, r)
	return nil
}

func (p *Pipeline) completed(ctx context.Context, r *run) {
	elapsed := p.now().Sub(r.started)
	r.logger.Info("case completed",
		logging.String(logging.FieldEventType, "case_complete"),
		logging.String("archive_path", r.archive),
		logging.Duration("elapsed", elapsed),
	)
	p.publish(ctx, r.logger, notifications.EventCaseCompleted, notifications.Payload{
		"caseID":  r.item.CaseID,
		"elapsed": elapsed,
	})
}

func (p *Pipeline) runStage(ctx context.Context, r *run, stg stage) error {
	ctx = services.WithStage(ctx, stg.name)
	logger := r.logger.With(logging.String(logging.FieldStage, stg.name))
	if err := p.queue.SetStage(ctx, r.item.CaseID, stg.name); err != nil {
		return err
	}

	start := p.now()
	logger.Debug("stage started", logging.String(logging.FieldEventType, "stage_start"))
	attempts := 1
	if stg.retry {
		attempts = p.attempts
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = stg.run(ctx, r)
		if err == nil || !services.IsRetryable(err) || attempt == attempts {
			break
		}
		delay := p.backoff * time.Duration(1<<(attempt-1))
		logger.Warn("stage failed transiently; retrying",
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.Error(err),
			logging.String(logging.FieldEventType, "stage_retry"),
		)
		if waitErr := sleep(ctx, delay); waitErr != nil {
			return waitErr
		}
	}
	if err != nil {
		return err
	}
	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.Duration("stage_duration", p.now().Sub(start)),
	)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *Pipeline) publish(ctx context.Context, logger *slog.Logger, event notifications.Event, payload notifications.Payload) {
	if err := p.notifier.Publish(ctx, event, payload); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("daemon shutting down, notification skipped", logging.String("event", string(event)))
			return
		}
		logger.Debug("notification failed", logging.String("event", string(event)), logging.Error(err))
	}
}

// resetDir clears a segmentation output dir so stale masks from an earlier
// attempt cannot satisfy this one.
func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return services.Wrap(services.ErrTransient, "pipeline", "reset output", fmt.Sprintf("Could not clear %s", dir), err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return services.Wrap(services.ErrTransient, "pipeline", "reset output", fmt.Sprintf("Could not create %s", dir), err)
	}
	return nil
}
