package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"heimdallr/internal/config"
	"heimdallr/internal/daemon"
	"heimdallr/internal/daemonrun"
	"heimdallr/internal/fileutil"
	"heimdallr/internal/preflight"
	"heimdallr/internal/queue"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon state, dependencies and readiness checks",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			report := newStatusReport(out)

			report.section("Daemon")
			if daemonLine(report, cfg) {
				snapshotLines(report, cfg)
			}

			report.section("Dependencies")
			statuses := preflight.CheckSystemDeps(cmd.Context(), cfg)
			if len(statuses) == 0 {
				report.line("Tools", statusInfo, "no external tools required by enabled components")
			}
			for _, status := range statuses {
				switch {
				case status.Available:
					detail := status.Path
					if status.Version != "" {
						detail += " (" + status.Version + ")"
					}
					report.line(status.Name, statusOK, detail)
				case status.Optional:
					report.line(status.Name, statusWarn, status.Detail)
				default:
					report.line(status.Name, statusError, status.Detail)
				}
			}

			report.section("Readiness")
			for _, result := range preflight.RunAll(cmd.Context(), cfg) {
				kind := statusOK
				if !result.Passed {
					kind = statusError
				}
				report.line(result.Name, kind, result.Detail)
			}

			if cfg.Processing.Enabled && fileutil.Exists(cfg.QueueDBPath()) {
				report.section("Queue")
				if err := queueLines(report, cmd, cfg); err != nil {
					report.line("Queue", statusError, err.Error())
				}
			}

			fmt.Fprintln(out, report.String())
			return nil
		},
	}
}

// daemonLine reports whether a daemon holds the instance lock.
func daemonLine(report *statusReport, cfg *config.Config) bool {
	held, err := daemon.LockHeld(cfg)
	switch {
	case err != nil:
		report.line("Daemon", statusWarn, fmt.Sprintf("lock check failed: %v", err))
	case held:
		message := "running"
		if pid, ok := daemonrun.ReadPID(cfg); ok {
			message = fmt.Sprintf("running (pid %d)", pid)
		}
		report.line("Daemon", statusOK, message)
	default:
		report.line("Daemon", statusInfo, "not running")
	}
	return held
}

// snapshotLines renders the component counters the running daemon publishes.
func snapshotLines(report *statusReport, cfg *config.Config) {
	status, err := daemon.ReadStatus(cfg)
	if err != nil {
		report.line("Snapshot", statusWarn, "no status published yet")
		return
	}
	report.line("Snapshot", statusInfo, "updated "+status.UpdatedAt.Local().Format(time.DateTime))
	if r := status.Receiver; r != nil {
		report.line("Receiver", warnIf(r.Failed > 0),
			fmt.Sprintf("%d stored, %d failed, %d rejected associations", r.Stored, r.Failed, r.Rejected))
		report.line("Open studies", statusInfo, fmt.Sprintf("%d", len(status.OpenStudies)))
		for _, study := range status.OpenStudies {
			report.line("  "+study.StudyUID, statusInfo,
				fmt.Sprintf("%d instances, closes in %s", study.Instances, study.IdleRemaining.Round(time.Second)))
		}
	}
	if t := status.Transfer; t != nil {
		report.line("Transfer", warnIf(t.Failed > 0),
			fmt.Sprintf("%d queued, %d delivered, %d failed", t.Pending, t.Delivered, t.Failed))
	}
	if w := status.Workflow; w != nil {
		detail := fmt.Sprintf("%d workers, %d active", w.Workers, len(w.Active))
		if len(w.Active) > 0 {
			detail += " (" + strings.Join(w.Active, ", ") + ")"
		}
		report.line("Processing", statusOK, detail)
		if c := w.LastCase; c != nil {
			report.line("Last case", statusInfo, fmt.Sprintf("%s %s %s", c.CaseID, c.Status, formatDuration(c.Elapsed)))
		}
		if w.LastError != "" {
			report.line("Last error", statusWarn, w.LastError)
		}
	}
}

func warnIf(cond bool) statusKind {
	if cond {
		return statusWarn
	}
	return statusOK
}

func queueLines(report *statusReport, cmd *cobra.Command, cfg *config.Config) error {
	store, err := queue.Open(cmd.Context(), cfg.QueueDBPath())
	if err != nil {
		return err
	}
	defer store.Close()
	stats, err := store.Stats(cmd.Context())
	if err != nil {
		return err
	}
	for _, status := range queue.AllStatuses() {
		kind := statusInfo
		if status == queue.StatusFailed && stats[status] > 0 {
			kind = statusWarn
		}
		report.line(formatStatusLabel(string(status)), kind, fmt.Sprintf("%d", stats[status]))
	}
	return nil
}
