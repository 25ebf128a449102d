package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"heimdallr/internal/config"
	"heimdallr/internal/fileutil"
	"heimdallr/internal/logging"
)

const statusInterval = 5 * time.Second

// statusLoop publishes the status snapshot until ctx ends.
func (d *Daemon) statusLoop(ctx context.Context) {
	d.publishStatus(ctx)
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.publishStatus(ctx)
		}
	}
}

// publishStatus writes the current Status to the state directory for
// heimdallr status to read.
func (d *Daemon) publishStatus(ctx context.Context) {
	status := d.Status(ctx)
	if err := fileutil.WriteJSONAtomic(d.cfg.StatusPath(), status); err != nil {
		d.logger.Warn("status snapshot not written", logging.String("path", d.cfg.StatusPath()), logging.Error(err))
		return
	}
	d.logger.Debug("status snapshot written",
		logging.Int("open_studies", len(status.OpenStudies)),
		logging.Bool("running", status.Running),
	)
}

// ReadStatus loads the snapshot the daemon last published.
func ReadStatus(cfg *config.Config) (Status, error) {
	var status Status
	data, err := os.ReadFile(cfg.StatusPath())
	if err != nil {
		return status, err
	}
	if err := json.Unmarshal(data, &status); err != nil {
		return status, fmt.Errorf("parse status snapshot: %w", err)
	}
	return status, nil
}
