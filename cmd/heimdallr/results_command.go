package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"heimdallr/internal/results"
	"heimdallr/internal/services"
)

func newResultsCommand(ctx *commandContext) *cobra.Command {
	resultsCmd := &cobra.Command{
		Use:   "results",
		Short: "Inspect persisted case results",
	}
	resultsCmd.AddCommand(newResultsListCommand(ctx))
	resultsCmd.AddCommand(newResultsShowCommand(ctx))
	return resultsCmd
}

func newResultsListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cases in the result store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withResults(cmd, func(store *results.Store) error {
				cases, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				if len(cases) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No results stored")
					return nil
				}
				rows := make([][]string, 0, len(cases))
				for _, c := range cases {
					rows = append(rows, []string{c.CaseID, formatStatusLabel(c.Status), formatDisplayTime(c.UpdatedAt), truncate(c.Reason, 60)})
				}
				fmt.Fprint(cmd.OutOrStdout(), renderTable(
					[]column{{Header: "Case"}, {Header: "Status"}, {Header: "Updated"}, {Header: "Reason"}},
					rows,
				))
				return nil
			})
		},
	}
}

func newResultsShowCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "show <case-id>",
		Short: "Show the stored stages of one case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withResults(cmd, func(store *results.Store) error {
				c, err := store.Get(cmd.Context(), args[0])
				if errors.Is(err, services.ErrNotFound) {
					return fmt.Errorf("no results for case %s", args[0])
				}
				if err != nil {
					return err
				}
				if asJSON {
					return writeJSON(cmd, c)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Case:    %s\n", c.CaseID)
				fmt.Fprintf(out, "Status:  %s\n", formatStatusLabel(c.Status))
				fmt.Fprintf(out, "Updated: %s\n", formatDisplayTime(c.UpdatedAt))
				if c.Reason != "" {
					fmt.Fprintf(out, "Reason:  %s\n", c.Reason)
				}
				for _, stage := range c.Stages {
					fmt.Fprintf(out, "\n[%s] saved %s\n", stage.Stage, formatDisplayTime(stage.SavedAt))
					var pretty bytes.Buffer
					if err := json.Indent(&pretty, stage.Payload, "", "  "); err != nil {
						out.Write(stage.Payload)
						fmt.Fprintln(out)
						continue
					}
					fmt.Fprintln(out, pretty.String())
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of text")
	return cmd
}
