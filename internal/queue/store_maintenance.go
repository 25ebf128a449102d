package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"heimdallr/internal/fileutil"
)

// UpdateHeartbeat refreshes the heartbeat of a running item.
func (s *Store) UpdateHeartbeat(ctx context.Context, caseID string) error {
	now := s.timestamp()
	if _, err := s.execWithRetry(ctx,
		`UPDATE queue_items SET last_heartbeat = ?, updated_at = ? WHERE case_id = ? AND status = ?`,
		now, now, caseID, StatusRunning,
	); err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// ReclaimStale returns running items whose heartbeat is older than cutoff
// to pending. Callers must skip cases they still hold in their claimed set.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time, exclude ...string) (int64, error) {
	query := `UPDATE queue_items
        SET status = ?, error_message = 'Reclaimed from stale processing', last_heartbeat = NULL, updated_at = ?
        WHERE status = ? AND last_heartbeat IS NOT NULL AND last_heartbeat < ?`
	args := []any{StatusPending, s.timestamp(), StatusRunning, cutoff.UTC().Format(time.RFC3339Nano)}
	if len(exclude) > 0 {
		query += ` AND case_id NOT IN (` + placeholders(len(exclude)) + `)`
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	n, err := s.affected(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale items: %w", err)
	}
	return n, nil
}

// Reconcile repairs rows after an unclean stop. For every non-terminal row:
// a source that no longer exists next to an existing recorded archive means
// the relocation finished, so the row becomes succeeded; a missing source
// with no archive means the file was removed by hand, so the row fails;
// otherwise running rows go back to pending. It must run before any worker
// starts.
func (s *Store) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var result ReconcileResult
	items, err := s.List(ctx, StatusPending, StatusRunning)
	if err != nil {
		return result, err
	}
	for _, item := range items {
		sourceExists := fileutil.Exists(item.SourcePath)
		switch {
		case !sourceExists && item.ArchivePath != "" && fileutil.Exists(item.ArchivePath):
			if err := s.markRecovered(ctx, item.CaseID); err != nil {
				return result, err
			}
			result.Recovered++
			result.Repairs = append(result.Repairs, Repair{
				CaseID: item.CaseID, Status: StatusSucceeded, ArchivePath: item.ArchivePath,
			})
		case !sourceExists:
			reason := "source volume missing: " + item.SourcePath
			if err := s.Fail(ctx, item.CaseID, reason, ""); err != nil {
				return result, err
			}
			result.Orphaned++
			result.Repairs = append(result.Repairs, Repair{
				CaseID: item.CaseID, Status: StatusFailed, Reason: reason,
			})
		case item.Status == StatusRunning:
			if err := s.Release(ctx, item.CaseID, DaemonStopReason); err != nil {
				return result, err
			}
			result.Reset++
		}
	}
	return result, nil
}

func (s *Store) markRecovered(ctx context.Context, caseID string) error {
	now := s.timestamp()
	if _, err := s.execWithRetry(ctx,
		`UPDATE queue_items
         SET status = ?, source_path = archive_path, stage = NULL, finished_at = COALESCE(finished_at, ?),
             last_heartbeat = NULL, updated_at = ?
         WHERE case_id = ?`,
		StatusSucceeded, now, now, caseID,
	); err != nil {
		return fmt.Errorf("reconcile %s: %w", caseID, err)
	}
	return nil
}

// RetryFailed moves failed items back to pending. With no ids, every failed
// item is retried. sourceFor maps a case to the path its volume was moved
// back to; a nil sourceFor keeps the stored path.
func (s *Store) RetryFailed(ctx context.Context, sourceFor func(*Item) string, caseIDs ...string) (int64, error) {
	items, err := s.List(ctx, StatusFailed)
	if err != nil {
		return 0, err
	}
	wanted := make(map[string]struct{}, len(caseIDs))
	for _, id := range caseIDs {
		wanted[id] = struct{}{}
	}
	var count int64
	for _, item := range items {
		if _, ok := wanted[item.CaseID]; len(wanted) > 0 && !ok {
			continue
		}
		source := item.SourcePath
		if sourceFor != nil {
			source = sourceFor(item)
		}
		n, err := s.affected(ctx,
			`UPDATE queue_items
             SET status = ?, source_path = ?, stage = NULL, error_message = NULL, archive_path = NULL,
                 finished_at = NULL, updated_at = ?
             WHERE case_id = ? AND status = ?`,
			StatusPending, source, s.timestamp(), item.CaseID, StatusFailed,
		)
		if err != nil {
			return count, fmt.Errorf("retry %s: %w", item.CaseID, err)
		}
		count += n
	}
	return count, nil
}

// CheckHealth returns diagnostic information about the queue database.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	health := DatabaseHealth{DBPath: s.path}
	if s.path == "" {
		return health, errors.New("queue database path is unknown")
	}
	info, err := os.Stat(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return health, nil
		}
		return health, fmt.Errorf("stat queue database: %w", err)
	}
	if info.IsDir() {
		return health, fmt.Errorf("queue database path %q is a directory", s.path)
	}
	health.DatabaseExists = true

	connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(connCtx); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("ping queue database: %w", err)
	}
	health.DatabaseReadable = true

	if err := s.db.QueryRowContext(connCtx, "SELECT COUNT(*) FROM queue_items").Scan(&health.TotalItems); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("count queue items: %w", err)
	}
	var integrity string
	if err := s.db.QueryRowContext(connCtx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		health.Error = err.Error()
		return health, fmt.Errorf("integrity check: %w", err)
	}
	health.IntegrityCheck = strings.EqualFold(integrity, "ok")
	return health, nil
}
