package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"heimdallr/internal/aggregator"
	"heimdallr/internal/config"
	"heimdallr/internal/logging"
	"heimdallr/internal/notifications"
	"heimdallr/internal/pipeline"
	"heimdallr/internal/prepare"
	"heimdallr/internal/queue"
	"heimdallr/internal/receiver"
	"heimdallr/internal/results"
	"heimdallr/internal/transfer"
	"heimdallr/internal/workflow"
)

// ErrLocked reports that another daemon holds the instance lock.
var ErrLocked = errors.New("another heimdallr daemon instance is already running")

// Option customises daemon construction.
type Option func(*Daemon)

// WithNotifier overrides the notification service shared by all components.
func WithNotifier(n notifications.Service) Option {
	return func(d *Daemon) {
		if n != nil {
			d.notifier = n
		}
	}
}

// WithPipelineOptions forwards options to the case pipeline.
func WithPipelineOptions(opts ...pipeline.Option) Option {
	return func(d *Daemon) {
		d.pipelineOpts = append(d.pipelineOpts, opts...)
	}
}

// WithWorkflowOptions forwards options to the processing manager.
func WithWorkflowOptions(opts ...workflow.Option) Option {
	return func(d *Daemon) {
		d.workflowOpts = append(d.workflowOpts, opts...)
	}
}

// Daemon owns every long-running component and enforces single-instance
// execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	notifier notifications.Service
	lock     *flock.Flock

	queue   *queue.Store
	results *results.Store

	receiver   *receiver.Server
	aggregator *aggregator.Aggregator
	dispatcher *transfer.Dispatcher
	prepare    *prepare.Server
	workflow   *workflow.Manager

	pipelineOpts []pipeline.Option
	workflowOpts []workflow.Option

	running   atomic.Bool
	mu        sync.RWMutex
	startedAt time.Time
	closeOnce sync.Once
}

// Status represents daemon runtime information.
type Status struct {
	Running     bool                     `json:"running"`
	PID         int                      `json:"pid"`
	StartedAt   time.Time                `json:"started_at,omitzero"`
	UpdatedAt   time.Time                `json:"updated_at"`
	Receiver    *receiver.Stats          `json:"receiver,omitempty"`
	OpenStudies []aggregator.StudyStatus `json:"open_studies,omitempty"`
	Transfer    *TransferStatus          `json:"transfer,omitempty"`
	Workflow    *workflow.StatusSummary  `json:"workflow,omitempty"`
	LockPath    string                   `json:"lock_path"`
}

// TransferStatus summarises the delivery workers.
type TransferStatus struct {
	Pending   int   `json:"pending"`
	Delivered int64 `json:"delivered"`
	Failed    int64 `json:"failed"`
}

// New constructs a daemon with the components enabled in cfg. Stores are
// opened here so configuration problems surface before Run.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Daemon, error) {
	if cfg == nil {
		return nil, errors.New("daemon requires config")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	d := &Daemon{
		cfg:      cfg,
		logger:   logging.NewComponentLogger(logger, "daemon"),
		notifier: notifications.NewService(cfg),
		lock:     flock.New(cfg.LockPath()),
	}
	for _, opt := range opts {
		opt(d)
	}

	if cfg.Receiver.Enabled {
		d.dispatcher = transfer.NewDispatcher(cfg, d.notifier, logger)
		d.aggregator = aggregator.New(cfg, d.dispatcher, logger)
		d.receiver = receiver.New(cfg, d.aggregator, logger)
	}
	if cfg.Prepare.Enabled {
		d.prepare = prepare.NewServer(cfg, prepare.New(cfg, logger), d.notifier, logger)
	}
	if cfg.Processing.Enabled {
		store, err := queue.Open(ctx, cfg.QueueDBPath())
		if err != nil {
			return nil, fmt.Errorf("open queue store: %w", err)
		}
		resultStore, err := results.Open(ctx, cfg.ResultsDBPath(), cfg.Results.MaxAttempts)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("open result store: %w", err)
		}
		d.queue = store
		d.results = resultStore

		pipelineOpts := append([]pipeline.Option{pipeline.WithNotifier(d.notifier)}, d.pipelineOpts...)
		runner := pipeline.New(cfg, store, resultStore, logger, pipelineOpts...)
		d.workflow = workflow.NewManager(cfg, store, runner, logger, d.workflowOpts...)
	}
	return d, nil
}

// Run acquires the instance lock, verifies readiness and runs every enabled
// component until ctx is cancelled or one of them fails.
func (d *Daemon) Run(ctx context.Context) error {
	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	defer func() {
		if err := d.lock.Unlock(); err != nil {
			d.logger.Warn("failed to release daemon lock", logging.Error(err))
		}
	}()

	if err := d.checkReadiness(ctx); err != nil {
		logging.ErrorWithContext(d.logger, "daemon not ready", "daemon_not_ready",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "run heimdallr status for details"),
			logging.String(logging.FieldImpact, "daemon refuses to start"),
		)
		return err
	}

	if d.aggregator != nil {
		recovered, err := d.aggregator.Recover(nil)
		if err != nil {
			logging.WarnWithContext(d.logger, "incoming recovery failed", "aggregator_recover_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "studies left from a previous run are not re-seeded"),
			)
		} else if recovered.Studies > 0 {
			d.logger.Info("studies re-seeded", logging.Int("studies", recovered.Studies))
		}
	}

	d.mu.Lock()
	d.startedAt = time.Now()
	d.mu.Unlock()
	d.running.Store(true)

	d.logger.Info("heimdallr daemon started",
		logging.String("lock", d.lock.Path()),
		logging.Bool("receiver", d.receiver != nil),
		logging.Bool("prepare", d.prepare != nil),
		logging.Bool("processing", d.workflow != nil),
	)

	err = d.components(ctx).Wait()
	d.running.Store(false)
	d.publishStatus(context.WithoutCancel(ctx))
	if err != nil && ctx.Err() == nil {
		d.logger.Error("daemon stopped on component failure", logging.Error(err))
		return err
	}
	d.logger.Info("heimdallr daemon stopped")
	return nil
}

// Running reports whether Run is active.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// Status returns the current daemon status.
func (d *Daemon) Status(ctx context.Context) Status {
	d.mu.RLock()
	started := d.startedAt
	d.mu.RUnlock()

	status := Status{
		Running:   d.running.Load(),
		PID:       os.Getpid(),
		UpdatedAt: time.Now(),
		LockPath:  d.lock.Path(),
	}
	if status.Running {
		status.StartedAt = started
	}
	if d.receiver != nil {
		stats := d.receiver.Stats()
		status.Receiver = &stats
	}
	if d.aggregator != nil {
		status.OpenStudies = d.aggregator.Snapshot()
	}
	if d.dispatcher != nil {
		delivered, failed := d.dispatcher.Counts()
		status.Transfer = &TransferStatus{
			Pending:   d.dispatcher.Pending(),
			Delivered: delivered,
			Failed:    failed,
		}
	}
	if d.workflow != nil {
		summary := d.workflow.Status(ctx)
		status.Workflow = &summary
	}
	return status
}

// Close releases the stores held by the daemon.
func (d *Daemon) Close() error {
	var errs []error
	d.closeOnce.Do(func() {
		if d.queue != nil {
			errs = append(errs, d.queue.Close())
		}
		if d.results != nil {
			errs = append(errs, d.results.Close())
		}
	})
	return errors.Join(errs...)
}

// LockHeld reports whether a daemon currently holds the instance lock for cfg.
func LockHeld(cfg *config.Config) (bool, error) {
	if cfg == nil || strings.TrimSpace(cfg.Paths.StateDir) == "" {
		return false, errors.New("state directory not configured")
	}
	lock := flock.New(cfg.LockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	_ = lock.Unlock()
	return false, nil
}
