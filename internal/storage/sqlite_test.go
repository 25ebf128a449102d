package storage_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"heimdallr/internal/storage"
)

var testSchema = storage.Schema{
	Name:    "test",
	Version: 2,
	SQL:     "CREATE TABLE t (id INTEGER PRIMARY KEY, name TEXT NOT NULL);",
}

func TestOpenCreatesAndReopensSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "test.db")
	ctx := context.Background()

	db, err := storage.Open(ctx, path, testSchema)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := db.ExecContext(ctx, "INSERT INTO t (name) VALUES ('a')"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err = storage.Open(ctx, path, testSchema)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	var count int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM t").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected persisted row, got %d", count)
	}
}

func TestOpenRejectsVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()
	db, err := storage.Open(ctx, path, testSchema)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.Close()

	bumped := testSchema
	bumped.Version = 3
	if _, err := storage.Open(ctx, path, bumped); !errors.Is(err, storage.ErrSchemaMismatch) {
		t.Fatalf("expected ErrSchemaMismatch, got %v", err)
	}
}

func TestRetryOnBusyRetriesOnlyBusyErrors(t *testing.T) {
	calls := 0
	err := storage.RetryOnBusy(context.Background(), 3, func() error {
		calls++
		if calls < 3 {
			return errors.New("database is locked")
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success after 3 calls, got err=%v calls=%d", err, calls)
	}

	calls = 0
	boom := errors.New("constraint failed")
	err = storage.RetryOnBusy(context.Background(), 3, func() error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("expected immediate failure, got err=%v calls=%d", err, calls)
	}
}

func TestRetryOnBusyGivesUp(t *testing.T) {
	calls := 0
	err := storage.RetryOnBusy(context.Background(), 2, func() error {
		calls++
		return errors.New("SQLITE_BUSY")
	})
	if !storage.IsBusy(err) || calls != 2 {
		t.Fatalf("expected busy error after 2 calls, got err=%v calls=%d", err, calls)
	}
}
