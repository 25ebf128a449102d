package aggregator

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"heimdallr/internal/config"
	"heimdallr/internal/imaging"
	"heimdallr/internal/logging"
	"heimdallr/internal/receiver"
	"heimdallr/internal/services"
)

// State is the lifecycle state of a study aggregate.
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ErrStopped is returned by Submit after the aggregator stopped.
var ErrStopped = errors.New("aggregator stopped")

// Sink receives closed study bundles. Enqueue must not block.
type Sink interface {
	Enqueue(bundle imaging.Bundle) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(imaging.Bundle) error

// Enqueue implements Sink.
func (f SinkFunc) Enqueue(b imaging.Bundle) error { return f(b) }

type study struct {
	mu        sync.Mutex
	uid       string
	dir       string
	instances map[string]imaging.Instance
	created   time.Time
	last      time.Time
	state     State
}

// StudyStatus is a point-in-time view of an open study.
type StudyStatus struct {
	StudyUID      string        `json:"study_uid"`
	Instances     int           `json:"instances"`
	Created       time.Time     `json:"created"`
	LastActivity  time.Time     `json:"last_activity"`
	IdleRemaining time.Duration `json:"idle_remaining_ns"`
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) {
		if now != nil {
			a.now = now
		}
	}
}

// Aggregator is the study arena.
type Aggregator struct {
	mu      sync.Mutex
	studies map[string]*study
	stopped bool

	idle        time.Duration
	scan        time.Duration
	flush       bool
	incomingDir string

	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// New builds an Aggregator from configuration.
func New(cfg *config.Config, sink Sink, logger *slog.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		studies:     make(map[string]*study),
		idle:        cfg.IdleWindow(),
		scan:        cfg.ScanInterval(),
		flush:       cfg.Aggregator.FlushOnShutdown,
		incomingDir: cfg.Paths.IncomingDir,
		sink:        sink,
		logger:      logging.NewComponentLogger(logger, "aggregator"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Submit adds inst to its study, creating the study when absent. A re-sent
// SOP instance replaces the earlier record.
func (a *Aggregator) Submit(inst imaging.Instance) error {
	if inst.StudyUID == "" {
		return services.Wrap(services.ErrValidation, "aggregator", "submit", "instance has no study UID", nil)
	}
	for {
		s, err := a.lookupOrCreate(inst.StudyUID)
		if err != nil {
			return err
		}
		s.mu.Lock()
		if s.state != StateOpen {
			s.mu.Unlock()
			continue
		}
		s.instances[inst.SOPInstanceUID] = inst
		s.last = a.now()
		s.mu.Unlock()
		return nil
	}
}

func (a *Aggregator) lookupOrCreate(uid string) (*study, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return nil, ErrStopped
	}
	if s, ok := a.studies[uid]; ok {
		return s, nil
	}
	now := a.now()
	s := &study{
		uid:       uid,
		dir:       receiver.StudyDir(a.incomingDir, uid),
		instances: make(map[string]imaging.Instance),
		created:   now,
		last:      now,
	}
	a.studies[uid] = s
	a.logger.Info("study opened", logging.String(logging.FieldStudyUID, uid))
	return s, nil
}
