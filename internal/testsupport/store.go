package testsupport

import (
	"context"
	"testing"

	"heimdallr/internal/config"
	"heimdallr/internal/queue"
	"heimdallr/internal/results"
)

// MustOpenStore opens the queue database described by cfg and closes it
// when the test ends.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(context.Background(), cfg.QueueDBPath())
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

// MustOpenResults opens the result store described by cfg and closes it
// when the test ends.
func MustOpenResults(t testing.TB, cfg *config.Config) *results.Store {
	t.Helper()

	store, err := results.Open(context.Background(), cfg.ResultsDBPath(), cfg.Results.MaxAttempts)
	if err != nil {
		t.Fatalf("results.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
