package queue

import (
	"context"
	"fmt"
)

// Claim moves a pending item to running and bumps its attempt count. It
// returns ErrNotClaimable when the row is not pending, so at most one caller
// wins for a given case.
func (s *Store) Claim(ctx context.Context, caseID string) (*Item, error) {
	now := s.timestamp()
	n, err := s.affected(ctx,
		`UPDATE queue_items
         SET status = ?, attempts = attempts + 1, stage = NULL, error_message = NULL,
             started_at = ?, finished_at = NULL, last_heartbeat = ?, updated_at = ?
         WHERE case_id = ? AND status = ?`,
		StatusRunning, now, now, now, caseID, StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", caseID, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotClaimable, caseID)
	}
	return s.Get(ctx, caseID)
}

// SetStage records the stage a running item has entered.
func (s *Store) SetStage(ctx context.Context, caseID, stage string) error {
	now := s.timestamp()
	if _, err := s.execWithRetry(ctx,
		`UPDATE queue_items SET stage = ?, last_heartbeat = ?, updated_at = ? WHERE case_id = ? AND status = ?`,
		stage, now, now, caseID, StatusRunning,
	); err != nil {
		return fmt.Errorf("set stage: %w", err)
	}
	return nil
}

// RecordArchiveIntent stores the path the source is about to be renamed to.
// It must be written before the rename so Reconcile can recognise a rename
// that completed just before a crash.
func (s *Store) RecordArchiveIntent(ctx context.Context, caseID, archivePath string) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE queue_items SET archive_path = ?, updated_at = ? WHERE case_id = ? AND status = ?`,
		archivePath, s.timestamp(), caseID, StatusRunning,
	); err != nil {
		return fmt.Errorf("record archive intent: %w", err)
	}
	return nil
}

// Complete marks a running item succeeded.
func (s *Store) Complete(ctx context.Context, caseID string) error {
	now := s.timestamp()
	if _, err := s.execWithRetry(ctx,
		`UPDATE queue_items
         SET status = ?, stage = NULL, finished_at = ?, last_heartbeat = NULL, updated_at = ?
         WHERE case_id = ? AND status = ?`,
		StatusSucceeded, now, now, caseID, StatusRunning,
	); err != nil {
		return fmt.Errorf("complete %s: %w", caseID, err)
	}
	return nil
}

// Fail marks an item failed, keeping the stage it failed in. sourcePath is
// where the volume now lives, normally the error directory.
func (s *Store) Fail(ctx context.Context, caseID, reason, sourcePath string) error {
	now := s.timestamp()
	if _, err := s.execWithRetry(ctx,
		`UPDATE queue_items
         SET status = ?, error_message = ?, source_path = COALESCE(?, source_path),
             finished_at = ?, last_heartbeat = NULL, updated_at = ?
         WHERE case_id = ?`,
		StatusFailed, reason, nullableString(sourcePath), now, now, caseID,
	); err != nil {
		return fmt.Errorf("fail %s: %w", caseID, err)
	}
	return nil
}

// Release returns a running item to pending without counting a failure,
// used when shutdown interrupts a stage.
func (s *Store) Release(ctx context.Context, caseID, reason string) error {
	if _, err := s.execWithRetry(ctx,
		`UPDATE queue_items
         SET status = ?, error_message = ?, last_heartbeat = NULL, updated_at = ?
         WHERE case_id = ? AND status = ?`,
		StatusPending, nullableString(reason), s.timestamp(), caseID, StatusRunning,
	); err != nil {
		return fmt.Errorf("release %s: %w", caseID, err)
	}
	return nil
}
