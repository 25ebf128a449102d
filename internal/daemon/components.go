package daemon

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"heimdallr/internal/logging"
	"heimdallr/internal/preflight"
	"heimdallr/internal/services"
	"heimdallr/internal/staging"
)

// components starts each enabled component in its own goroutine.
func (d *Daemon) components(ctx context.Context) *errgroup.Group {
	group, gctx := errgroup.WithContext(ctx)
	if d.dispatcher != nil {
		group.Go(func() error { return d.dispatcher.Run(gctx) })
	}
	if d.aggregator != nil {
		group.Go(func() error { return d.aggregator.Run(gctx) })
	}
	if d.receiver != nil {
		group.Go(func() error { return d.receiver.ListenAndServe(gctx) })
	}
	if d.prepare != nil {
		group.Go(func() error { return d.prepare.ListenAndServe(gctx) })
	}
	if d.workflow != nil {
		group.Go(func() error { return d.workflow.Run(gctx) })
	}
	group.Go(func() error {
		d.statusLoop(gctx)
		return nil
	})
	return group
}

// checkReadiness runs the preflight checks and refuses to start when a
// required directory or tool is unusable.
func (d *Daemon) checkReadiness(ctx context.Context) error {
	if err := d.cfg.EnsureDirectories(); err != nil {
		return services.Wrap(services.ErrConfiguration, "daemon", "ensure directories", "create data layout", err)
	}

	var problems []string
	for _, result := range preflight.Failed(preflight.RunAll(ctx, d.cfg)) {
		// A remote endpoint that is down delays deliveries; it does not block startup.
		if result.Name == preflight.EndpointCheckName {
			logging.WarnWithContext(d.logger, "preparation endpoint unavailable", "prepare_endpoint_unavailable",
				logging.String("detail", result.Detail),
				logging.String(logging.FieldImpact, "deliveries retry until the endpoint recovers"),
			)
			continue
		}
		problems = append(problems, fmt.Sprintf("%s: %s", result.Name, result.Detail))
	}

	statuses := preflight.CheckSystemDeps(ctx, d.cfg)
	for _, status := range statuses {
		if status.Optional && !status.Available {
			logging.WarnWithContext(d.logger, "optional dependency unavailable", "dependency_unavailable",
				logging.String("dependency", status.Name),
				logging.String("detail", status.Detail),
			)
		}
	}
	for _, name := range preflight.MissingRequired(statuses) {
		problems = append(problems, name+": not found")
	}

	if len(problems) > 0 {
		return services.Wrap(services.ErrConfiguration, "daemon", "preflight", strings.Join(problems, "; "), nil)
	}
	d.sweepScratch(ctx)
	return nil
}

// sweepScratch removes scratch entries stranded by an earlier run. The
// instance lock is held and no component has started, so every match is stale.
func (d *Daemon) sweepScratch(ctx context.Context) {
	result := staging.Sweep(ctx, staging.Targets(d.cfg), 0, d.logger)
	if len(result.Removed) > 0 || len(result.Errors) > 0 {
		d.logger.Info("scratch sweep complete",
			logging.Int("removed", len(result.Removed)),
			logging.Int("errors", len(result.Errors)),
		)
	}
}
