package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"heimdallr/internal/config"
	"heimdallr/internal/fileutil"
	"heimdallr/internal/imaging"
	"heimdallr/internal/logging"
	"heimdallr/internal/notifications"
	"heimdallr/internal/services"
)

// ErrQueueFull is returned by Enqueue when the delivery queue is saturated.
var ErrQueueFull = errors.New("transfer queue full")

// ErrNotRunning is returned by Enqueue after the dispatcher stopped.
var ErrNotRunning = errors.New("transfer dispatcher not running")

const queueCapacity = 64

// Uploader sends an archive and reports the server's answer.
type Uploader interface {
	Upload(ctx context.Context, path string) (UploadResult, error)
}

// FailureRecord is written next to a quarantined archive.
type FailureRecord struct {
	StudyUID   string    `json:"study_uid"`
	Archive    string    `json:"archive,omitempty"`
	RawDir     string    `json:"raw_dir"`
	Attempts   int       `json:"attempts"`
	LastStatus int       `json:"last_status,omitempty"`
	LastError  string    `json:"last_error"`
	Instances  int       `json:"instances"`
	FailedAt   time.Time `json:"failed_at"`
}

// Outcome describes the result of delivering one bundle.
type Outcome struct {
	StudyUID string
	Archive  string
	CaseID   string
	Attempts int
	Err      error
}

// Delivered reports whether the bundle reached the endpoint.
func (o Outcome) Delivered() bool { return o.Err == nil }

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithUploader replaces the HTTP client.
func WithUploader(u Uploader) Option {
	return func(d *Dispatcher) {
		if u != nil {
			d.uploader = u
		}
	}
}

// WithSleep overrides the backoff wait, mainly for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(d *Dispatcher) {
		if sleep != nil {
			d.sleep = sleep
		}
	}
}

// WithClock overrides the time source used for archive names.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithOutcomeHook registers a callback invoked after each delivery.
func WithOutcomeHook(hook func(Outcome)) Option {
	return func(d *Dispatcher) {
		d.hook = hook
	}
}

// Dispatcher runs the delivery workers.
type Dispatcher struct {
	queue    chan imaging.Bundle
	stopped  atomic.Bool
	uploader Uploader
	notifier notifications.Service
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error
	now      func() time.Time
	hook     func(Outcome)

	workers     int
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	keepSent    bool
	outboxDir   string
	sentDir     string
	failedDir   string

	delivered atomic.Int64
	failed    atomic.Int64
}

// NewDispatcher builds a Dispatcher from configuration.
func NewDispatcher(cfg *config.Config, notifier notifications.Service, logger *slog.Logger, opts ...Option) *Dispatcher {
	if notifier == nil {
		notifier = notifications.NewService(&config.Config{})
	}
	timeout := time.Duration(cfg.Transfer.TimeoutSeconds) * time.Second
	d := &Dispatcher{
		queue:       make(chan imaging.Bundle, queueCapacity),
		uploader:    NewClient(cfg.Transfer.UploadURL, cfg.Transfer.UploadToken, timeout),
		notifier:    notifier,
		logger:      logging.NewComponentLogger(logger, "transfer"),
		sleep:       sleepWithContext,
		now:         time.Now,
		workers:     max(cfg.Transfer.Workers, 1),
		maxAttempts: max(cfg.Transfer.MaxAttempts, 1),
		backoff:     time.Duration(cfg.Transfer.BackoffSeconds) * time.Second,
		maxBackoff:  time.Duration(cfg.Transfer.MaxBackoffSeconds) * time.Second,
		keepSent:    cfg.Transfer.KeepSent,
		outboxDir:   cfg.Paths.OutboxDir,
		sentDir:     cfg.Paths.SentDir,
		failedDir:   cfg.Paths.FailedDir,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Enqueue schedules a bundle for delivery without blocking. Bundles queued
// before Run starts are delivered once workers come up.
func (d *Dispatcher) Enqueue(bundle imaging.Bundle) error {
	if d.stopped.Load() {
		return ErrNotRunning
	}
	select {
	case d.queue <- bundle:
		return nil
	default:
		return ErrQueueFull
	}
}

// Pending returns the number of bundles waiting for a worker.
func (d *Dispatcher) Pending() int { return len(d.queue) }

// Counts returns delivered and failed totals since start.
func (d *Dispatcher) Counts() (delivered, failed int64) {
	return d.delivered.Load(), d.failed.Load()
}

// Run starts the workers and blocks until ctx is cancelled. Bundles still
// queued at shutdown stay in the incoming directory for recovery.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.stopped.Store(true)

	group, gctx := errgroup.WithContext(ctx)
	for range d.workers {
		group.Go(func() error {
			d.work(gctx)
			return nil
		})
	}
	d.logger.Info("transfer workers started", logging.Int("workers", d.workers))
	return group.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case bundle := <-d.queue:
			outcome := d.Deliver(ctx, bundle)
			if d.hook != nil {
				d.hook(outcome)
			}
		}
	}
}

// Deliver zips, uploads and settles one bundle.
func (d *Dispatcher) Deliver(ctx context.Context, bundle imaging.Bundle) Outcome {
	ctx = services.WithStudyUID(ctx, bundle.StudyUID)
	logger := logging.WithContext(ctx, d.logger)
	outcome := Outcome{StudyUID: bundle.StudyUID}

	archive := filepath.Join(d.outboxDir, ArchiveName(bundle.StudyUID, d.now()))
	files, err := ZipFiles(bundle.StudyDir, BundleFiles(bundle), archive)
	if err != nil {
		outcome.Err = services.Wrap(services.ErrExternalTool, "transfer", "zip", bundle.StudyDir, err)
		d.quarantine(ctx, logger, bundle, archive, 0, outcome.Err)
		return outcome
	}
	outcome.Archive = archive
	logger.Info("study archived", logging.String("archive", archive), logging.Int("files", files))

	var (
		result UploadResult
		last   error
	)
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		outcome.Attempts = attempt
		result, last = d.uploader.Upload(ctx, archive)
		if last == nil {
			break
		}
		if ctx.Err() != nil {
			last = ctx.Err()
			break
		}
		if !services.IsRetryable(last) || attempt == d.maxAttempts {
			break
		}
		wait := d.delay(attempt)
		logger.Warn("upload failed, retrying",
			logging.Int("attempt", attempt),
			logging.Int("max_attempts", d.maxAttempts),
			logging.Duration("backoff", wait),
			logging.Error(last),
			logging.String(logging.FieldEventType, "transfer_retry"),
		)
		if err := d.sleep(ctx, wait); err != nil {
			last = err
			break
		}
	}

	if last != nil {
		if errors.Is(last, context.Canceled) {
			// Shutdown mid-delivery: leave the study for recovery.
			_ = os.Remove(archive)
			outcome.Archive = ""
			outcome.Err = last
			return outcome
		}
		outcome.Err = last
		d.quarantine(ctx, logger, bundle, archive, outcome.Attempts, last)
		return outcome
	}

	outcome.CaseID = result.CaseID
	d.settleSuccess(logger, bundle, archive)
	d.delivered.Add(1)
	logger.Info("study delivered",
		logging.String(logging.FieldCaseID, result.CaseID),
		logging.Int("attempts", outcome.Attempts),
		logging.Int("status", result.Status),
	)
	d.notify(ctx, notifications.EventStudyDelivered, notifications.Payload{
		"studyUID":  bundle.StudyUID,
		"instances": bundle.Summary.InstanceCount,
		"caseID":    result.CaseID,
	})
	return outcome
}

func (d *Dispatcher) settleSuccess(logger *slog.Logger, bundle imaging.Bundle, archive string) {
	if d.keepSent {
		if err := fileutil.MoveFile(archive, filepath.Join(d.sentDir, filepath.Base(archive))); err != nil {
			logger.Warn("archive could not be moved to sent", logging.Error(err))
		}
	} else if err := os.Remove(archive); err != nil {
		logger.Warn("delivered archive could not be removed", logging.Error(err))
	}
	if err := removeFiles(bundle.StudyDir, BundleFiles(bundle)); err != nil {
		logger.Warn("delivered instances could not be removed", logging.String("dir", bundle.StudyDir), logging.Error(err))
	}
}

func (d *Dispatcher) quarantine(ctx context.Context, logger *slog.Logger, bundle imaging.Bundle, archive string, attempts int, cause error) {
	d.failed.Add(1)
	target := filepath.Join(d.failedDir, filepath.Base(archive))
	if !fileutil.Exists(archive) {
		target = ""
	} else if err := fileutil.MoveFile(archive, target); err != nil {
		logger.Warn("archive could not be moved to failed", logging.Error(err))
		target = archive
	}
	// Raw instances leave incoming so recovery does not resend them.
	rawDir := QuarantineDir(d.failedDir, archive)
	if err := moveFiles(bundle.StudyDir, BundleFiles(bundle), rawDir); err != nil {
		logger.Warn("raw instances could not be moved to failed", logging.String("dir", rawDir), logging.Error(err))
	}
	record := FailureRecord{
		StudyUID:   bundle.StudyUID,
		Archive:    target,
		RawDir:     rawDir,
		Attempts:   attempts,
		LastStatus: statusOf(cause),
		LastError:  services.FailureReason(cause),
		Instances:  bundle.Summary.InstanceCount,
		FailedAt:   d.now().UTC(),
	}
	if err := fileutil.WriteJSONAtomic(filepath.Join(d.failedDir, filepath.Base(archive)+".failure.json"), record); err != nil {
		logger.Warn("failure record not written", logging.Error(err))
	}
	logging.ErrorWithContext(logger, "study delivery failed", "transfer_failed",
		logging.Int("attempts", attempts),
		logging.Int("last_status", record.LastStatus),
		logging.Error(cause),
		logging.String(logging.FieldErrorHint, "inspect failed/ and the upload endpoint; the raw instances are kept there"),
		logging.String(logging.FieldImpact, "study is not processed until resent"),
	)
	d.notify(ctx, notifications.EventDeliveryFailed, notifications.Payload{
		"studyUID": bundle.StudyUID,
		"attempts": attempts,
		"error":    record.LastError,
	})
}

// QuarantineDir is where the raw instances of a failed archive are kept.
func QuarantineDir(failedDir, archive string) string {
	return filepath.Join(failedDir, strings.TrimSuffix(filepath.Base(archive), ".zip")+".study")
}

// delay returns backoff*2^(attempt-1) capped at the maximum, plus up to 20%
// jitter.
func (d *Dispatcher) delay(attempt int) time.Duration {
	wait := d.backoff << (attempt - 1)
	if d.maxBackoff > 0 && (wait > d.maxBackoff || wait <= 0) {
		wait = d.maxBackoff
	}
	if wait <= 0 {
		return 0
	}
	return wait + time.Duration(rand.Int64N(int64(wait)/5+1))
}

func (d *Dispatcher) notify(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if err := d.notifier.Publish(context.WithoutCancel(ctx), event, payload); err != nil {
		d.logger.Debug("notification failed", logging.String("event", string(event)), logging.Error(err))
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

// String implements fmt.Stringer for log output.
func (o Outcome) String() string {
	if o.Err != nil {
		return fmt.Sprintf("%s failed after %d attempts: %v", o.StudyUID, o.Attempts, o.Err)
	}
	return fmt.Sprintf("%s delivered as case %q", o.StudyUID, o.CaseID)
}
