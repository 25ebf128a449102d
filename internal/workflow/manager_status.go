package workflow

import (
	"context"
	"time"

	"heimdallr/internal/logging"
	"heimdallr/internal/queue"
)

// StatusSummary is the processing half of the daemon status snapshot.
type StatusSummary struct {
	Running   bool                 `json:"running"`
	Workers   int                  `json:"workers"`
	Active    []string             `json:"active_cases,omitempty"`
	LastError string               `json:"last_error,omitempty"`
	LastCase  *CaseView            `json:"last_case,omitempty"`
	Queue     map[queue.Status]int `json:"queue"`
}

// CaseView is the last case a worker touched.
type CaseView struct {
	CaseID  string        `json:"case_id"`
	Status  queue.Status  `json:"status"`
	Stage   string        `json:"stage,omitempty"`
	Error   string        `json:"error,omitempty"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Status reports workers, claimed cases and queue counts.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	summary := StatusSummary{Running: m.running, Workers: m.workers}
	if m.lastErr != nil {
		summary.LastError = m.lastErr.Error()
	}
	if item := m.lastItem; item != nil {
		summary.LastCase = &CaseView{
			CaseID:  item.CaseID,
			Status:  item.Status,
			Stage:   item.Stage,
			Error:   item.ErrorMessage,
			Elapsed: item.Elapsed(time.Now()),
		}
	}
	m.mu.RUnlock()

	summary.Active = m.claims.Held()
	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.logger.Warn("queue stats unavailable", logging.Error(err))
	}
	summary.Queue = stats
	return summary
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = err
}

// setLastItem stores a copy of item.
func (m *Manager) setLastItem(item *queue.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if item == nil {
		m.lastItem = nil
		return
	}
	snapshot := *item
	m.lastItem = &snapshot
}
