// Package daemonrun hosts the foreground process runtime behind
// "heimdallr run": signal handling, logger construction, the PID file and the
// daemon lifecycle.
package daemonrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"heimdallr/internal/config"
	"heimdallr/internal/daemon"
	"heimdallr/internal/deps"
	"heimdallr/internal/logging"
	"heimdallr/internal/preflight"
)

// PIDFileName is written inside the state directory while the daemon runs.
const PIDFileName = "heimdallr.pid"

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel    string
	Development bool
}

// Run starts the heimdallr daemon and blocks until SIGINT/SIGTERM or a
// component failure.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	level := cfg.Logging.Level
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	logger, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		FilePath:    filepath.Join(cfg.Paths.LogDir, logging.LogFileName),
		Color:       logging.StdoutIsTerminal(),
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger = logger.With(logging.String(logging.FieldCorrelationID, uuid.NewString()))

	logDependencySnapshot(signalCtx, logger, cfg)

	pidPath := filepath.Join(cfg.Paths.StateDir, PIDFileName)
	if held, _ := daemon.LockHeld(cfg); held {
		return daemon.ErrLocked
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	d, err := daemon.New(signalCtx, cfg, logger)
	if err != nil {
		logger.Error("create daemon", logging.Error(err))
		return err
	}
	defer d.Close()

	if err := d.Run(signalCtx); err != nil {
		if errors.Is(err, daemon.ErrLocked) {
			return err
		}
		return fmt.Errorf("daemon: %w", err)
	}
	logger.Info("heimdallr daemon shut down")
	return nil
}

// ReadPID returns the PID recorded by a running daemon, if any.
func ReadPID(cfg *config.Config) (int, bool) {
	data, err := os.ReadFile(filepath.Join(cfg.Paths.StateDir, PIDFileName))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}

func logDependencySnapshot(ctx context.Context, logger *slog.Logger, cfg *config.Config) {
	if logger == nil || cfg == nil {
		return
	}
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "dependency_snapshot"),
		logging.Bool("receiver_enabled", cfg.Receiver.Enabled),
		logging.Bool("prepare_enabled", cfg.Prepare.Enabled),
		logging.Bool("processing_enabled", cfg.Processing.Enabled),
		logging.Bool("license_present", cfg.Processing.License != ""),
	}
	for _, status := range preflight.CheckSystemDeps(ctx, cfg) {
		attrs = append(attrs,
			logging.Bool(status.Name+"_available", status.Available),
			logging.String(status.Name+"_command", status.Command),
		)
		if status.Version != "" {
			attrs = append(attrs, logging.String(status.Name+"_version", status.Version))
		}
	}
	attrs = append(attrs, logging.String("segmentation_home", deps.SegmentationHome()))
	logger.Info("dependency snapshot", logging.Args(attrs...)...)
}
