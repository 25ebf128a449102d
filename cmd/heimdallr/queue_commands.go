package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"heimdallr/internal/config"
	"heimdallr/internal/pipeline"
	"heimdallr/internal/queue"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage the processing queue",
	}

	queueCmd.AddCommand(newQueueStatusCommand(ctx))
	queueCmd.AddCommand(newQueueListCommand(ctx))
	queueCmd.AddCommand(newQueueRetryCommand(ctx))
	queueCmd.AddCommand(newQueueClearCommand(ctx))

	return queueCmd
}

func newQueueStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue status summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(cmd, func(_ *config.Config, store *queue.Store) error {
				stats, err := store.Stats(cmd.Context())
				if err != nil {
					return err
				}
				rows := buildQueueStatusRows(stats)
				if len(rows) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable([]column{{Header: "Status"}, {Header: "Count", Right: true}}, rows))

				health, err := store.CheckHealth(cmd.Context())
				if err != nil {
					return err
				}
				if !health.IntegrityCheck {
					fmt.Fprintf(cmd.OutOrStdout(), "Database integrity check failed: %s\n", health.Error)
				}
				return nil
			})
		},
	}
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var listStatuses []string
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queue items",
		RunE: func(cmd *cobra.Command, args []string) error {
			statuses := make([]queue.Status, 0, len(listStatuses))
			for _, value := range listStatuses {
				status, ok := queue.ParseStatus(value)
				if !ok {
					return fmt.Errorf("unknown status %q", value)
				}
				statuses = append(statuses, status)
			}
			return ctx.withQueue(cmd, func(_ *config.Config, store *queue.Store) error {
				items, err := store.List(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, items)
				}
				if len(items) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]column{{Header: "Case"}, {Header: "Modality"}, {Header: "Status"}, {Header: "Stage"}, {Header: "Attempts", Right: true}, {Header: "Updated"}, {Header: "Elapsed", Right: true}, {Header: "Error"}},
					buildQueueListRows(items, time.Now()),
				))
				return nil
			})
		},
	}

	cmd.Flags().StringSliceVarP(&listStatuses, "status", "s", nil, "Filter by queue status (repeatable)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	return cmd
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [case-id...]",
		Short: "Return failed cases to pending; all failed cases when none are named",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withQueue(cmd, func(cfg *config.Config, store *queue.Store) error {
				restore := pipeline.RestoreSource(cfg.Paths.IntakeDir, cfg.Paths.ErrorDir)
				count, err := store.RetryFailed(cmd.Context(), restore, args...)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				switch {
				case count == 0 && len(args) > 0:
					fmt.Fprintln(out, "No matching failed cases")
				case count == 0:
					fmt.Fprintln(out, "No failed cases to retry")
				default:
					fmt.Fprintf(out, "Retrying %d case(s)\n", count)
				}
				return nil
			})
		},
	}
}

func newQueueClearCommand(ctx *commandContext) *cobra.Command {
	var clearCompleted bool
	var clearFailed bool

	cmd := &cobra.Command{
		Use:   "clear [case-id...]",
		Short: "Remove finished queue items",
		RunE: func(cmd *cobra.Command, args []string) error {
			if clearCompleted && clearFailed {
				return errors.New("specify only one of --completed or --failed")
			}
			if len(args) > 0 && (clearCompleted || clearFailed) {
				return errors.New("case ids cannot be combined with --completed or --failed")
			}
			if len(args) == 0 && !clearCompleted && !clearFailed {
				return errors.New("name case ids or pass --completed or --failed")
			}
			return ctx.withQueue(cmd, func(_ *config.Config, store *queue.Store) error {
				out := cmd.OutOrStdout()
				switch {
				case clearCompleted:
					removed, err := store.ClearCompleted(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Cleared %d completed items\n", removed)
				case clearFailed:
					removed, err := store.ClearFailed(cmd.Context())
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "Cleared %d failed items\n", removed)
				default:
					for _, caseID := range args {
						removed, err := store.Remove(cmd.Context(), caseID)
						if err != nil {
							return err
						}
						if removed {
							fmt.Fprintf(out, "Removed %s\n", caseID)
						} else {
							fmt.Fprintf(out, "%s not removed (missing or still active)\n", caseID)
						}
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&clearCompleted, "completed", false, "Remove all succeeded items")
	cmd.Flags().BoolVar(&clearFailed, "failed", false, "Remove all failed items")
	return cmd
}

func buildQueueStatusRows(stats map[queue.Status]int) [][]string {
	total := 0
	for _, count := range stats {
		total += count
	}
	if total == 0 {
		return nil
	}
	rows := make([][]string, 0, len(stats))
	for _, status := range queue.AllStatuses() {
		rows = append(rows, []string{formatStatusLabel(string(status)), fmt.Sprintf("%d", stats[status])})
	}
	return rows
}

func buildQueueListRows(items []*queue.Item, now time.Time) [][]string {
	sorted := make([]*queue.Item, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].UpdatedAt.Equal(sorted[j].UpdatedAt) {
			return sorted[i].ID > sorted[j].ID
		}
		return sorted[i].UpdatedAt.After(sorted[j].UpdatedAt)
	})

	rows := make([][]string, 0, len(sorted))
	for _, item := range sorted {
		caseID := item.CaseID
		if caseID == "" {
			caseID = filepath.Base(item.SourcePath)
		}
		rows = append(rows, []string{
			caseID,
			orDash(item.Modality),
			formatStatusLabel(string(item.Status)),
			orDash(item.Stage),
			fmt.Sprintf("%d", item.Attempts),
			formatDisplayTime(item.UpdatedAt),
			formatDuration(item.Elapsed(now)),
			truncate(item.ErrorMessage, 60),
		})
	}
	return rows
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return orDash(value)
	}
	return string(runes[:limit-1]) + "…"
}
