package aggregator

import (
	"context"
	"sort"
	"time"

	"heimdallr/internal/imaging"
	"heimdallr/internal/logging"
)

// Run scans for idle studies every scan interval until ctx is cancelled.
// With flush-on-shutdown enabled, remaining studies close on the way out.
func (a *Aggregator) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.scan)
	defer ticker.Stop()
	a.logger.Info("aggregator started",
		logging.Duration("idle_window", a.idle),
		logging.Duration("scan_interval", a.scan),
	)
	for {
		select {
		case <-ctx.Done():
			a.stop()
			if a.flush {
				if n := a.Flush(); n > 0 {
					a.logger.Info("flushed open studies on shutdown", logging.Int("count", n))
				}
			} else if open := a.Len(); open > 0 {
				a.logger.Info("open studies left for recovery", logging.Int("count", open))
			}
			return nil
		case <-ticker.C:
			a.Scan()
		}
	}
}

func (a *Aggregator) stop() {
	a.mu.Lock()
	a.stopped = true
	a.mu.Unlock()
}

// Scan closes every study idle for at least the idle window and returns the
// number closed.
func (a *Aggregator) Scan() int {
	return a.closeWhere(func(s *study, now time.Time) bool {
		return now.Sub(s.last) >= a.idle
	})
}

// Flush closes every open study regardless of activity.
func (a *Aggregator) Flush() int {
	return a.closeWhere(func(*study, time.Time) bool { return true })
}

func (a *Aggregator) closeWhere(ready func(*study, time.Time) bool) int {
	a.mu.Lock()
	candidates := make([]*study, 0, len(a.studies))
	for _, s := range a.studies {
		candidates = append(candidates, s)
	}
	a.mu.Unlock()

	var bundles []imaging.Bundle
	for _, s := range candidates {
		if b, ok := a.tryClose(s, ready); ok {
			bundles = append(bundles, b)
		}
	}
	for _, b := range bundles {
		a.handOff(b)
	}
	return len(bundles)
}

// tryClose re-checks s under its lock and, when ready, detaches it from the
// arena and snapshots the bundle.
func (a *Aggregator) tryClose(s *study, ready func(*study, time.Time) bool) (imaging.Bundle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen || !ready(s, a.now()) {
		return imaging.Bundle{}, false
	}
	s.state = StateClosing

	a.mu.Lock()
	if a.studies[s.uid] == s {
		delete(a.studies, s.uid)
	}
	a.mu.Unlock()

	instances := make([]imaging.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		instances = append(instances, inst)
	}
	bundle := imaging.NewBundle(s.uid, s.dir, instances, s.created, s.last)
	s.state = StateClosed
	return bundle, true
}

func (a *Aggregator) handOff(b imaging.Bundle) {
	logger := a.logger.With(logging.String(logging.FieldStudyUID, b.StudyUID))
	logger.Info("study closed",
		logging.Int("instances", b.Summary.InstanceCount),
		logging.Int("series", b.Summary.SeriesCount),
		logging.Any("modalities", b.Summary.Modalities),
		logging.Duration("open_for", b.Summary.LastActivity.Sub(b.Summary.FirstActivity)),
	)
	if a.sink == nil {
		return
	}
	if err := a.sink.Enqueue(b); err != nil {
		logging.ErrorWithContext(logger, "closed study not handed to transfer", "bundle_handoff_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "study stays in the incoming directory and is recovered on restart"),
		)
	}
}

// Len returns the number of studies in the arena.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.studies)
}

// Snapshot returns the open studies ordered by last activity, oldest first.
func (a *Aggregator) Snapshot() []StudyStatus {
	a.mu.Lock()
	studies := make([]*study, 0, len(a.studies))
	for _, s := range a.studies {
		studies = append(studies, s)
	}
	a.mu.Unlock()

	now := a.now()
	out := make([]StudyStatus, 0, len(studies))
	for _, s := range studies {
		s.mu.Lock()
		if s.state == StateOpen {
			out = append(out, StudyStatus{
				StudyUID:      s.uid,
				Instances:     len(s.instances),
				Created:       s.created,
				LastActivity:  s.last,
				IdleRemaining: max(a.idle-now.Sub(s.last), 0),
			})
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastActivity.Before(out[j].LastActivity) })
	return out
}
