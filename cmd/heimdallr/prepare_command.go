package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"heimdallr/internal/config"
	"heimdallr/internal/prepare"
)

func newPrepareCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "prepare <study.zip>",
		Short: "Select, convert and queue a study archive without the upload endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			archive, err := config.ExpandPath(args[0])
			if err != nil {
				return err
			}
			preparer := prepare.New(cfg, ctx.commandLogger(cmd))
			job, err := preparer.Prepare(cmd.Context(), archive)
			if job != nil {
				printCandidates(cmd.OutOrStdout(), job.Selection)
			}
			if err != nil {
				return fmt.Errorf("prepare %s: %w", filepath.Base(archive), err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Case %s queued at %s\n", job.CaseID, filepath.Join(cfg.Paths.IntakeDir, job.CaseID+".nii.gz"))
			fmt.Fprintf(out, "Metadata written to %s\n", prepare.MetadataPath(cfg.Paths.OutputDir, job.CaseID))
			return nil
		},
	}
}
