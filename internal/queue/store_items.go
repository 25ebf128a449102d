package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Upsert records an intake file for caseID. A new case starts pending. A
// case seen again after it reached a terminal status is reset to pending
// with the new source; pending and running rows are left alone.
func (s *Store) Upsert(ctx context.Context, caseID, sourcePath, modality string) (*Item, error) {
	caseID = strings.TrimSpace(caseID)
	if caseID == "" {
		return nil, errors.New("case id is required")
	}
	now := s.timestamp()
	_, err := s.execWithRetry(ctx,
		`INSERT INTO queue_items (case_id, modality, source_path, status, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?)
         ON CONFLICT(case_id) DO UPDATE SET
             source_path   = excluded.source_path,
             modality      = COALESCE(excluded.modality, queue_items.modality),
             status        = ?,
             stage         = NULL,
             error_message = NULL,
             archive_path  = NULL,
             started_at    = NULL,
             finished_at   = NULL,
             updated_at    = excluded.updated_at
         WHERE queue_items.status IN (?, ?)`,
		caseID, nullableString(modality), sourcePath, StatusPending, now, now,
		StatusPending,
		StatusSucceeded, StatusFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert case %s: %w", caseID, err)
	}
	return s.Get(ctx, caseID)
}

// Get fetches a queue item by case identifier.
func (s *Store) Get(ctx context.Context, caseID string) (*Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM queue_items WHERE case_id = ?`, caseID)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, caseID)
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// List returns items filtered by status set (or all items when none is
// provided), oldest first.
func (s *Store) List(ctx context.Context, statuses ...Status) ([]*Item, error) {
	query := `SELECT ` + itemColumns + ` FROM queue_items`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	return scanItems(rows)
}

// Pending returns up to limit pending items, oldest first.
func (s *Store) Pending(ctx context.Context, limit int) ([]*Item, error) {
	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM queue_items WHERE status = ? ORDER BY created_at, id LIMIT ?`,
		StatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list pending items: %w", err)
	}
	return scanItems(rows)
}

// Stats returns a count of items grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates queue state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{
		Pending:   stats[StatusPending],
		Running:   stats[StatusRunning],
		Succeeded: stats[StatusSucceeded],
		Failed:    stats[StatusFailed],
	}
	for _, count := range stats {
		health.Total += count
	}
	return health, nil
}

// Remove deletes a terminal item by case identifier.
func (s *Store) Remove(ctx context.Context, caseID string) (bool, error) {
	n, err := s.affected(ctx, `DELETE FROM queue_items WHERE case_id = ? AND status IN (?, ?)`,
		caseID, StatusSucceeded, StatusFailed)
	if err != nil {
		return false, fmt.Errorf("delete item: %w", err)
	}
	return n > 0, nil
}

// ClearCompleted removes succeeded items.
func (s *Store) ClearCompleted(ctx context.Context) (int64, error) {
	n, err := s.affected(ctx, `DELETE FROM queue_items WHERE status = ?`, StatusSucceeded)
	if err != nil {
		return 0, fmt.Errorf("clear completed: %w", err)
	}
	return n, nil
}

// ClearFailed removes failed items.
func (s *Store) ClearFailed(ctx context.Context) (int64, error) {
	n, err := s.affected(ctx, `DELETE FROM queue_items WHERE status = ?`, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("clear failed: %w", err)
	}
	return n, nil
}
