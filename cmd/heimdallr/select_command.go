package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"heimdallr/internal/config"
	"heimdallr/internal/dicomio"
	"heimdallr/internal/imaging"
	"heimdallr/internal/selection"
)

func newSelectCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "select <dir>",
		Short: "Score the series in a directory of DICOM files without converting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			dir, err := config.ExpandPath(args[0])
			if err != nil {
				return err
			}
			instances, skipped, err := readDirectory(dir)
			if err != nil {
				return err
			}
			if len(instances) == 0 {
				return fmt.Errorf("%s holds no readable DICOM instances (%d files skipped)", dir, skipped)
			}

			result, selectErr := selection.RulesFromConfig(cfg).Select(instances)
			if asJSON {
				return writeJSON(cmd, result)
			}
			out := cmd.OutOrStdout()
			printCandidates(out, result)
			if skipped > 0 {
				fmt.Fprintf(out, "%d file(s) skipped as unreadable\n", skipped)
			}
			if selectErr != nil {
				return selectErr
			}
			fmt.Fprintf(out, "Selected series %d (%s)\n", result.Winner.SeriesNumber, result.Winner.SeriesUID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit JSON instead of a table")
	return cmd
}

func readDirectory(dir string) ([]imaging.Instance, int, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, 0, err
	}
	if !info.IsDir() {
		return nil, 0, fmt.Errorf("%s is not a directory", dir)
	}
	var instances []imaging.Instance
	skipped := 0
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		inst, err := dicomio.ReadInstance(path)
		if err != nil {
			skipped++
			return nil
		}
		instances = append(instances, inst)
		return nil
	})
	if err != nil {
		return nil, skipped, err
	}
	return instances, skipped, nil
}

func printCandidates(out io.Writer, result selection.Result) {
	rows := make([][]string, 0, len(result.Candidates))
	for _, c := range result.Candidates {
		verdict := "eligible"
		if !c.Eligible() {
			verdict = c.Disqualified
		}
		if c.Eligible() && c.SeriesUID == result.Winner.SeriesUID {
			verdict = "selected"
		}
		rows = append(rows, []string{
			fmt.Sprintf("%d", c.SeriesNumber),
			orDash(c.Description),
			orDash(c.Modality),
			orDash(c.Kernel),
			formatThickness(c.SliceThickness),
			fmt.Sprintf("%d", c.Count),
			fmt.Sprintf("%d", c.Score),
			orDash(string(c.Phase)),
			verdict,
		})
	}
	fmt.Fprint(out, renderTable([]column{
		{Header: "Series", Right: true}, {Header: "Description"}, {Header: "Modality"}, {Header: "Kernel"},
		{Header: "Thickness", Right: true}, {Header: "Images", Right: true}, {Header: "Score", Right: true},
		{Header: "Phase"}, {Header: "Verdict"},
	}, rows))
}
