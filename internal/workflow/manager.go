package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"heimdallr/internal/config"
	"heimdallr/internal/logging"
	"heimdallr/internal/queue"
)

// Runner drives one claimed item to a terminal state.
type Runner interface {
	Run(ctx context.Context, item *queue.Item) error
}

// Settler is implemented by runners that keep other stores in step with
// the repairs Reconcile makes at startup.
type Settler interface {
	Settle(ctx context.Context, repairs []queue.Repair) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithPollInterval overrides the intake discovery interval.
func WithPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithHeartbeat overrides the heartbeat interval and stale timeout.
func WithHeartbeat(interval, stale time.Duration) Option {
	return func(m *Manager) {
		m.heartbeat = NewHeartbeatMonitor(m.store, m.logger, interval, stale)
	}
}

// WithWorkers overrides the pool size.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// Manager owns the intake poller and the worker pool.
type Manager struct {
	cfg          *config.Config
	store        *queue.Store
	runner       Runner
	logger       *slog.Logger
	claims       *ClaimSet
	heartbeat    *HeartbeatMonitor
	pollInterval time.Duration
	workers      int

	mu       sync.RWMutex
	running  bool
	lastErr  error
	lastItem *queue.Item
}

// NewManager constructs a workflow manager.
func NewManager(cfg *config.Config, store *queue.Store, runner Runner, logger *slog.Logger, opts ...Option) *Manager {
	logger = logging.NewComponentLogger(logger, "workflow")
	m := &Manager{
		cfg:          cfg,
		store:        store,
		runner:       runner,
		logger:       logger,
		claims:       NewClaimSet(),
		pollInterval: cfg.PollInterval(),
		workers:      max(cfg.Processing.Workers, 1),
	}
	m.heartbeat = NewHeartbeatMonitor(store, logger, cfg.HeartbeatInterval(), cfg.StaleTimeout())
	for _, opt := range opts {
		opt(m)
	}
	if m.pollInterval <= 0 {
		m.pollInterval = 2 * time.Second
	}
	return m
}

// Claims exposes the claimed set.
func (m *Manager) Claims() *ClaimSet { return m.claims }
