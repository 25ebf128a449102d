package results

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"heimdallr/internal/services"
	"heimdallr/internal/storage"
)

// Case status values.
const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

var schema = storage.Schema{
	Name:    "results",
	Version: 1,
	SQL: `
CREATE TABLE cases (
    case_id    TEXT PRIMARY KEY,
    status     TEXT NOT NULL,
    reason     TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE TABLE stage_results (
    case_id  TEXT NOT NULL REFERENCES cases(case_id) ON DELETE CASCADE,
    stage    TEXT NOT NULL,
    payload  TEXT NOT NULL,
    saved_at TEXT NOT NULL,
    PRIMARY KEY (case_id, stage)
);
`,
}

// StageResult is one persisted stage payload.
type StageResult struct {
	Stage   string          `json:"stage"`
	Payload json.RawMessage `json:"payload"`
	SavedAt time.Time       `json:"saved_at"`
}

// Case is the stored view of one case.
type Case struct {
	CaseID    string        `json:"case_id"`
	Status    string        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Stages    []StageResult `json:"stages,omitempty"`
}

// Store writes case results to SQLite.
type Store struct {
	db       *sql.DB
	attempts int
	now      func() time.Time
}

// Open connects to the results database at path. attempts bounds the
// busy/locked retry for each write.
func Open(ctx context.Context, path string, attempts int) (*Store, error) {
	db, err := storage.Open(ctx, path, schema)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, attempts: attempts, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveStage stores payload as the result of stage for caseID, replacing an
// earlier payload for the same stage.
func (s *Store) SaveStage(ctx context.Context, caseID, stage string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return services.Wrap(services.ErrValidation, "results", "save stage", "payload is not serializable", err)
	}
	now := s.now().UTC().Format(time.RFC3339Nano)
	return s.write(ctx, "save stage", func(tx *sql.Tx) error {
		if err := ensureCase(ctx, tx, caseID, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO stage_results (case_id, stage, payload, saved_at) VALUES (?, ?, ?, ?)
             ON CONFLICT(case_id, stage) DO UPDATE SET payload = excluded.payload, saved_at = excluded.saved_at`,
			caseID, stage, string(data), now,
		)
		return err
	})
}

// SetStatus records the case status and an optional reason.
func (s *Store) SetStatus(ctx context.Context, caseID, status, reason string) error {
	now := s.now().UTC().Format(time.RFC3339Nano)
	return s.write(ctx, "set status", func(tx *sql.Tx) error {
		if err := ensureCase(ctx, tx, caseID, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`UPDATE cases SET status = ?, reason = ?, updated_at = ? WHERE case_id = ?`,
			status, nullable(reason), now, caseID,
		)
		return err
	})
}

// Get returns one case with its stage payloads.
func (s *Store) Get(ctx context.Context, caseID string) (*Case, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT case_id, status, reason, created_at, updated_at FROM cases WHERE case_id = ?`, caseID)
	c, err := scanCase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "results", "get", caseID, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get case: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, payload, saved_at FROM stage_results WHERE case_id = ? ORDER BY saved_at, stage`, caseID)
	if err != nil {
		return nil, fmt.Errorf("get stages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			r       StageResult
			payload string
			saved   string
		)
		if err := rows.Scan(&r.Stage, &payload, &saved); err != nil {
			return nil, err
		}
		r.Payload = json.RawMessage(payload)
		r.SavedAt, _ = time.Parse(time.RFC3339Nano, saved)
		c.Stages = append(c.Stages, r)
	}
	return c, rows.Err()
}

// List returns every case without payloads, most recently updated first.
func (s *Store) List(ctx context.Context) ([]*Case, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT case_id, status, reason, created_at, updated_at FROM cases ORDER BY updated_at DESC, case_id`)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()
	var out []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) write(ctx context.Context, op string, fn func(*sql.Tx) error) error {
	err := storage.RetryOnBusy(ctx, s.attempts, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
	switch {
	case err == nil:
		return nil
	case storage.IsBusy(err):
		return services.Wrap(services.ErrTransient, "results", op, "database busy", err)
	default:
		return fmt.Errorf("results %s: %w", op, err)
	}
}

func ensureCase(ctx context.Context, tx *sql.Tx, caseID, now string) error {
	if strings.TrimSpace(caseID) == "" {
		return services.Wrap(services.ErrValidation, "results", "write", "case id is required", nil)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO cases (case_id, status, created_at, updated_at) VALUES (?, ?, ?, ?)
         ON CONFLICT(case_id) DO NOTHING`,
		caseID, StatusProcessing, now, now,
	)
	return err
}

func scanCase(scanner interface{ Scan(dest ...any) error }) (*Case, error) {
	var (
		c       Case
		reason  sql.NullString
		created string
		updated string
	)
	if err := scanner.Scan(&c.CaseID, &c.Status, &reason, &created, &updated); err != nil {
		return nil, err
	}
	c.Reason = reason.String
	c.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	c.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return &c, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
