// Package staging sweeps scratch files left behind by interrupted runs.
//
// Preparation work dirs, half-published intake volumes, orphaned uploads and
// per-run segmentation homes are all created next to live data. A crash can
// strand any of them, so the daemon sweeps them once before it starts work.
package staging

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"heimdallr/internal/config"
	"heimdallr/internal/logging"
)

// Target is one directory and the glob of scratch entries inside it.
type Target struct {
	Name    string
	Dir     string
	Pattern string
}

// SweepResult contains the outcome of a sweep.
type SweepResult struct {
	Removed []string
	Errors  []CleanupError
}

// CleanupError pairs a path with its cleanup error.
type CleanupError struct {
	Path  string
	Error error
}

// Targets lists the scratch locations used by the enabled components.
func Targets(cfg *config.Config) []Target {
	if cfg == nil {
		return nil
	}
	var targets []Target
	if cfg.Prepare.Enabled {
		targets = append(targets,
			Target{Name: "prepare work dir", Dir: cfg.Paths.UploadsDir, Pattern: ".work-*"},
			Target{Name: "orphaned upload", Dir: cfg.Paths.UploadsDir, Pattern: "*.zip"},
			Target{Name: "unpublished volume", Dir: cfg.Paths.IntakeDir, Pattern: ".*.nii.gz.tmp"},
		)
	}
	if cfg.Processing.Enabled {
		targets = append(targets,
			Target{Name: "segmentation home", Dir: filepath.Join(cfg.Paths.StateDir, "totalseg"), Pattern: "home-*"},
		)
	}
	return targets
}

// Sweep removes entries matching each target that were last modified
// before maxAge ago. A zero maxAge removes every match.
func Sweep(ctx context.Context, targets []Target, maxAge time.Duration, logger *slog.Logger) SweepResult {
	if logger == nil {
		logger = logging.NewNop()
	}
	result := SweepResult{}
	cutoff := time.Now().Add(-maxAge)

	for _, target := range targets {
		if ctx.Err() != nil {
			return result
		}
		dir := strings.TrimSpace(target.Dir)
		if dir == "" {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			if !os.IsNotExist(err) {
				result.Errors = append(result.Errors, CleanupError{Path: dir, Error: err})
			}
			continue
		}
		for _, entry := range entries {
			if ok, _ := filepath.Match(target.Pattern, entry.Name()); !ok {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			info, err := entry.Info()
			if err != nil {
				result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
				continue
			}
			if maxAge > 0 && !info.ModTime().Before(cutoff) {
				continue
			}
			if err := os.RemoveAll(path); err != nil {
				result.Errors = append(result.Errors, CleanupError{Path: path, Error: err})
				logging.WarnWithContext(logger, "failed to remove stale "+target.Name, "staging_cleanup_failed",
					logging.String("path", path),
					logging.Error(err),
					logging.String(logging.FieldErrorHint, "check directory permissions"),
					logging.String(logging.FieldImpact, "disk space not reclaimed"),
				)
				continue
			}
			result.Removed = append(result.Removed, path)
			logger.Info("removed stale "+target.Name,
				logging.String("path", path),
				logging.Duration("age", time.Since(info.ModTime()).Round(time.Second)),
				logging.String(logging.FieldEventType, "staging_cleanup"),
			)
		}
	}
	return result
}
