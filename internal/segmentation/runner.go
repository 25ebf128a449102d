package segmentation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"heimdallr/internal/config"
	"heimdallr/internal/deps"
	"heimdallr/internal/fileutil"
	"heimdallr/internal/logging"
	"heimdallr/internal/services"
)

// Task names understood by the tool.
const (
	TaskTotal         = "total"
	TaskTotalMR       = "total_mr"
	TaskTissueTypes   = "tissue_types"
	TaskCerebralBleed = "cerebral_bleed"
)

const sharedConfigName = "config.json"

// MaskExt is the suffix TotalSegmentator gives every per-structure mask.
const MaskExt = ".nii.gz"

// raceMarkers are output fragments that, next to a mention of config.json,
// identify the shared-config initialisation race.
var raceMarkers = []string{
	"JSONDecodeError",
	"Expecting value",
	"FileExistsError",
	"No such file or directory",
}

// Task is one segmentation request.
type Task struct {
	Name   string
	Input  string
	Output string
	Extra  []string
}

// Option configures a Runner.
type Option func(*Runner)

// WithExecutor replaces process execution.
func WithExecutor(e Executor) Option {
	return func(r *Runner) {
		if e != nil {
			r.exec = e
		}
	}
}

// WithSleep overrides the race delay wait.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(r *Runner) {
		if sleep != nil {
			r.sleep = sleep
		}
	}
}

// WithTimeout overrides the per-invocation wall clock limit.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) { r.timeout = d }
}

// WithSharedHome overrides the tool's shared home directory.
func WithSharedHome(dir string) Option {
	return func(r *Runner) { r.sharedHome = dir }
}

// Runner invokes TotalSegmentator with isolation, timeout and race retry.
type Runner struct {
	binary      string
	license     string
	timeout     time.Duration
	raceRetries int
	delayMin    time.Duration
	delayMax    time.Duration
	sharedHome  string
	workRoot    string
	exec        Executor
	sleep       func(context.Context, time.Duration) error
	logger      *slog.Logger
}

// New builds a Runner from the processing configuration.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) *Runner {
	p := cfg.Processing
	r := &Runner{
		binary:      p.TotalSegmentatorBinary,
		license:     p.License,
		timeout:     cfg.ToolTimeout(),
		raceRetries: p.RaceRetries,
		delayMin:    time.Duration(p.RaceDelayMinMS) * time.Millisecond,
		delayMax:    time.Duration(p.RaceDelayMaxMS) * time.Millisecond,
		sharedHome:  deps.SegmentationHome(),
		workRoot:    filepath.Join(cfg.Paths.StateDir, "totalseg"),
		exec:        commandExecutor{},
		sleep:       sleepWithContext,
		logger:      logging.NewComponentLogger(logger, "segmentation"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes task, retrying only the shared-config race.
func (r *Runner) Run(ctx context.Context, task Task) error {
	if err := os.MkdirAll(task.Output, 0o755); err != nil {
		return fmt.Errorf("create task output: %w", err)
	}
	logger := logging.WithContext(ctx, r.logger).With(logging.String("task", task.Name))

	attempts := r.raceRetries + 1
	for attempt := 1; ; attempt++ {
		started := time.Now()
		output, err := r.attempt(ctx, task, logger)
		if err == nil {
			logger.Info("segmentation task finished",
				logging.Int("attempt", attempt),
				logging.Duration("duration", time.Since(started)),
			)
			return nil
		}
		if !errors.Is(err, errRace) || attempt >= attempts {
			if errors.Is(err, errRace) {
				return services.Wrap(services.ErrExternalTool, "segmentation", task.Name,
					fmt.Sprintf("shared config race persisted after %d attempts: %s", attempt, tail(output, 300)), nil)
			}
			return err
		}
		delay := r.raceDelay()
		logging.WarnWithContext(logger, "shared config race detected, retrying", "segmentation_race",
			logging.Int("attempt", attempt),
			logging.Duration("delay", delay),
			logging.String(logging.FieldImpact, "stage delayed"),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

var errRace = errors.New("shared config race")

func (r *Runner) attempt(ctx context.Context, task Task, logger *slog.Logger) ([]byte, error) {
	if strings.TrimSpace(r.binary) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "segmentation", task.Name, "binary not configured", nil)
	}
	home, err := r.isolatedHome()
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(home)

	runCtx := ctx
	if r.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := []string{"-i", task.Input, "-o", task.Output, "--task", task.Name}
	if r.license != "" {
		args = append([]string{"-l", r.license}, args...)
	}
	args = append(args, task.Extra...)
	env := []string{"TOTALSEG_HOME_DIR=" + home}
	if os.Getenv("TOTALSEG_WEIGHTS_PATH") == "" && r.sharedHome != "" {
		env = append(env, "TOTALSEG_WEIGHTS_PATH="+filepath.Join(r.sharedHome, "nnunet", "results"))
	}

	output, err := r.exec.Run(runCtx, Command{
		Binary: r.binary,
		Args:   args,
		Env:    env,
		Line:   func(line string) { logger.Debug(line) },
	})
	if err == nil {
		return output, nil
	}
	if ctx.Err() != nil {
		return output, ctx.Err()
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return output, services.Wrap(services.ErrTimeout, "segmentation", task.Name, fmt.Sprintf("exceeded %s", r.timeout), err)
	}
	if IsRaceSignature(output) {
		return output, errRace
	}
	if errors.Is(err, exec.ErrNotFound) {
		return output, services.Wrap(services.ErrConfiguration, "segmentation", task.Name, "binary not found", err)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return output, services.Wrap(services.ErrExternalTool, "segmentation", task.Name,
			fmt.Sprintf("exit %d: %s", exitErr.ExitCode(), tail(output, 400)), err)
	}
	return output, services.Wrap(services.ErrTransient, "segmentation", task.Name, "launch", err)
}

// isolatedHome creates a per-attempt home seeded with the shared config.
func (r *Runner) isolatedHome() (string, error) {
	if err := os.MkdirAll(r.workRoot, 0o755); err != nil {
		return "", fmt.Errorf("create segmentation work root: %w", err)
	}
	home, err := os.MkdirTemp(r.workRoot, "home-")
	if err != nil {
		return "", fmt.Errorf("create isolated home: %w", err)
	}
	if r.sharedHome != "" {
		src := filepath.Join(r.sharedHome, sharedConfigName)
		if fileutil.Exists(src) {
			if err := fileutil.CopyFile(src, filepath.Join(home, sharedConfigName)); err != nil {
				_ = os.RemoveAll(home)
				return "", fmt.Errorf("seed isolated home: %w", err)
			}
		}
	}
	return home, nil
}

func (r *Runner) raceDelay() time.Duration {
	if r.delayMax <= r.delayMin {
		return r.delayMin
	}
	return r.delayMin + rand.N(r.delayMax-r.delayMin+1)
}

// IsRaceSignature reports whether tool output matches the shared-config race.
func IsRaceSignature(output []byte) bool {
	text := string(output)
	if !strings.Contains(text, sharedConfigName) {
		return false
	}
	for _, marker := range raceMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}

// RequireMasks fails when any of the named structures has no mask file in
// dir. Names may omit the mask suffix.
func RequireMasks(task, dir string, names ...string) error {
	var missing []string
	for _, name := range names {
		file := name
		if !strings.HasSuffix(file, MaskExt) {
			file += MaskExt
		}
		if !fileutil.Exists(filepath.Join(dir, file)) {
			missing = append(missing, file)
		}
	}
	if len(missing) > 0 {
		return services.Wrap(services.ErrExternalTool, "segmentation", task,
			"missing expected mask: "+strings.Join(missing, ", "), nil)
	}
	return nil
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func tail(output []byte, n int) string {
	s := strings.TrimSpace(string(output))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}
