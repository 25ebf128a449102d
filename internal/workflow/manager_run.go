package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"heimdallr/internal/logging"
	"heimdallr/internal/queue"
	"heimdallr/internal/services"
)

// Run reconciles the queue, then polls intake and processes cases until ctx
// is cancelled. Workers finish or release their current case before Run
// returns.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	res, err := m.store.Reconcile(ctx)
	if err != nil {
		return err
	}
	if res.Reset+res.Recovered+res.Orphaned > 0 {
		m.logger.Info("queue reconciled",
			logging.Int("reset", res.Reset),
			logging.Int("recovered", res.Recovered),
			logging.Int("orphaned", res.Orphaned),
			logging.String(logging.FieldEventType, "queue_reconciled"),
		)
	}
	if settler, ok := m.runner.(Settler); ok && len(res.Repairs) > 0 {
		if err := settler.Settle(ctx, res.Repairs); err != nil {
			m.setLastError(err)
			logging.WarnWithContext(m.logger, "reconciled cases not settled", "reconcile_settle_failed",
				logging.Error(err),
				logging.String(logging.FieldImpact, "result status may lag the queue for recovered cases"),
			)
		}
	}

	m.logger.Info("workflow started",
		logging.Int("workers", m.workers),
		logging.Duration("poll_interval", m.pollInterval),
		logging.String("intake_dir", m.cfg.Paths.IntakeDir),
	)

	work := make(chan string)
	g, gctx := errgroup.WithContext(ctx)
	for range m.workers {
		g.Go(func() error {
			m.worker(gctx, work)
			return nil
		})
	}
	g.Go(func() error {
		defer close(work)
		m.poll(gctx, work)
		return nil
	})
	g.Go(func() error {
		m.reclaimLoop(gctx)
		return nil
	})
	return g.Wait()
}

// poll discovers intake files and feeds pending cases to the workers. A send
// blocks while every worker is busy, which bounds how far ahead it claims.
func (m *Manager) poll(ctx context.Context, work chan<- string) {
	for {
		if _, err := m.Scan(ctx); err != nil && ctx.Err() == nil {
			m.setLastError(err)
			logging.WarnWithContext(m.logger, "intake scan failed", "intake_scan_failed",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check intake directory and queue database access"),
				logging.String(logging.FieldImpact, "new volumes wait for the next poll"),
			)
		}
		if !m.dispatch(ctx, work) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.pollInterval):
		}
	}
}

// dispatch hands pending cases to workers. It returns false once ctx ends.
func (m *Manager) dispatch(ctx context.Context, work chan<- string) bool {
	items, err := m.store.Pending(ctx, m.workers*2)
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		m.setLastError(err)
		m.logger.Error("failed to fetch pending items",
			logging.Error(err),
			logging.String(logging.FieldEventType, "queue_fetch_failed"),
			logging.String(logging.FieldErrorHint, "check queue database access"),
		)
		return true
	}
	for _, item := range items {
		if !m.claims.TryClaim(item.CaseID) {
			continue
		}
		select {
		case <-ctx.Done():
			m.claims.Release(item.CaseID)
			return false
		case work <- item.CaseID:
		}
	}
	return true
}

func (m *Manager) worker(ctx context.Context, work <-chan string) {
	for caseID := range work {
		m.process(ctx, caseID)
		m.claims.Release(caseID)
	}
}

func (m *Manager) process(ctx context.Context, caseID string) {
	if ctx.Err() != nil {
		return
	}
	item, err := m.store.Claim(ctx, caseID)
	if err != nil {
		if !errors.Is(err, queue.ErrNotClaimable) && ctx.Err() == nil {
			m.setLastError(err)
			m.logger.Warn("claim failed", logging.String(logging.FieldCaseID, caseID), logging.Error(err))
		}
		return
	}
	m.setLastItem(item)

	runCtx := services.WithRequestID(ctx, uuid.NewString())
	hbCtx, hbCancel := context.WithCancel(runCtx)
	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go m.heartbeat.StartLoop(hbCtx, &hbWG, caseID)

	runErr := m.runner.Run(runCtx, item)
	hbCancel()
	hbWG.Wait()

	if runErr != nil && ctx.Err() != nil {
		m.release(ctx, caseID)
		return
	}
	if runErr != nil {
		m.setLastError(runErr)
	}
	if latest, err := m.store.Get(context.WithoutCancel(ctx), caseID); err == nil {
		m.setLastItem(latest)
	}
}

// release returns an interrupted case to pending so the next start picks it
// up.
func (m *Manager) release(ctx context.Context, caseID string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := m.store.Release(releaseCtx, caseID, queue.DaemonStopReason); err != nil {
		m.logger.Warn("interrupted case not released; reconcile will reset it",
			logging.String(logging.FieldCaseID, caseID),
			logging.Error(err),
		)
		return
	}
	m.logger.Info("interrupted case released", logging.String(logging.FieldCaseID, caseID))
}

func (m *Manager) reclaimLoop(ctx context.Context) {
	interval := m.heartbeat.heartbeatInterval
	if interval <= 0 || m.heartbeat.heartbeatTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.heartbeat.ReclaimStaleItems(ctx, m.claims.Held()); err != nil && ctx.Err() == nil {
				m.logger.Warn("reclaim stale processing failed; stuck items may remain",
					logging.Error(err),
					logging.String(logging.FieldEventType, "heartbeat_reclaim_failed"),
					logging.String(logging.FieldErrorHint, "check queue database access"),
				)
			}
		}
	}
}
