package preflight

import (
	"context"

	"heimdallr/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string
	Passed bool
	Detail string
}

// RunAll executes all applicable preflight checks for the given config.
// Checks are only run when the corresponding feature is enabled.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	p := cfg.Paths
	results := []Result{
		CheckDirectoryAccess("State directory", p.StateDir),
	}

	if cfg.Receiver.Enabled {
		results = append(results,
			CheckDirectoryAccess("Incoming directory", p.IncomingDir),
			CheckDirectoryAccess("Outbox directory", p.OutboxDir),
			CheckDirectoryAccess("Failed directory", p.FailedDir),
		)
		// The local preparation server is not listening yet during startup.
		if !cfg.Prepare.Enabled && cfg.Transfer.UploadURL != "" {
			results = append(results, CheckPreparationEndpoint(ctx, cfg.Transfer.UploadURL, cfg.Transfer.UploadToken))
		}
	}

	if cfg.Prepare.Enabled {
		results = append(results, CheckDirectoryAccess("Uploads directory", p.UploadsDir))
	}

	if cfg.Prepare.Enabled || cfg.Processing.Enabled {
		results = append(results,
			CheckDirectoryAccess("Intake directory", p.IntakeDir),
			CheckDirectoryAccess("Output directory", p.OutputDir),
			CheckDirectoryAccess("Error directory", p.ErrorDir),
		)
	}

	if cfg.Processing.Enabled {
		results = append(results, CheckDirectoryAccess("Archive directory", p.ArchiveDir))
	}

	return results
}

// Failed filters results down to the checks that did not pass.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r)
		}
	}
	return failed
}
