package workflow_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"heimdallr/internal/config"
	"heimdallr/internal/logging"
	"heimdallr/internal/prepare"
	"heimdallr/internal/queue"
	"heimdallr/internal/testsupport"
	"heimdallr/internal/workflow"
)

// recordingRunner completes every case after delay, removing the source the
// way archival would, and tracks concurrency.
type recordingRunner struct {
	store   *queue.Store
	delay   time.Duration
	blockOn bool

	mu         sync.Mutex
	active     int
	maxActive  int
	maxRunning int
	runs       map[string]int
}

func newRunner(store *queue.Store, delay time.Duration) *recordingRunner {
	return &recordingRunner{store: store, delay: delay, runs: make(map[string]int)}
}

func (r *recordingRunner) Run(ctx context.Context, item *queue.Item) error {
	r.mu.Lock()
	r.active++
	r.runs[item.CaseID]++
	r.maxActive = max(r.maxActive, r.active)
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	if stats, err := r.store.Stats(ctx); err == nil {
		r.mu.Lock()
		r.maxRunning = max(r.maxRunning, stats[queue.StatusRunning])
		r.mu.Unlock()
	}

	if r.blockOn {
		<-ctx.Done()
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.delay):
	}
	if err := os.Remove(item.SourcePath); err != nil {
		return err
	}
	return r.store.Complete(ctx, item.CaseID)
}

func (r *recordingRunner) snapshot() (maxActive, maxRunning int, runs map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := make(map[string]int, len(r.runs))
	for k, v := range r.runs {
		copied[k] = v
	}
	return r.maxActive, r.maxRunning, copied
}

func drop(t *testing.T, cfg *config.Config, caseID string) string {
	t.Helper()
	path := filepath.Join(cfg.Paths.IntakeDir, caseID+".nii.gz")
	testsupport.WriteFile(t, path, 16)
	return path
}

// start runs the manager in the background and returns a stop function that
// cancels it and waits for Run to return.
func start(t *testing.T, m *workflow.Manager) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				if err != nil {
					t.Errorf("Run: %v", err)
				}
			case <-time.After(5 * time.Second):
				t.Errorf("Run did not return after cancellation")
			}
		})
	}
	t.Cleanup(stop)
	return stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func countStatus(t *testing.T, store *queue.Store, status queue.Status) int {
	t.Helper()
	stats, err := store.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	return stats[status]
}

func TestBoundedParallelism(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	runner := newRunner(store, 60*time.Millisecond)
	m := workflow.NewManager(cfg, store, runner, logging.NewNop(),
		workflow.WithWorkers(2),
		workflow.WithPollInterval(10*time.Millisecond),
	)

	const cases = 6
	for i := range cases {
		drop(t, cfg, "case-"+string(rune('a'+i)))
	}
	stop := start(t, m)
	waitFor(t, "all cases to succeed", func() bool { return countStatus(t, store, queue.StatusSucceeded) == cases })
	stop()

	maxActive, maxRunning, runs := runner.snapshot()
	if maxActive > 2 || maxRunning > 2 {
		t.Fatalf("pool of 2 ran %d concurrently (%d running rows)", maxActive, maxRunning)
	}
	if maxActive < 2 {
		t.Fatalf("expected both workers to be used, max active %d", maxActive)
	}
	for id, n := range runs {
		if n != 1 {
			t.Fatalf("case %s ran %d times", id, n)
		}
	}
	if len(runs) != cases {
		t.Fatalf("ran %d cases, want %d", len(runs), cases)
	}
}

func TestCaseIsNotDispatchedTwiceWhileRunning(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	runner := newRunner(store, 150*time.Millisecond)
	m := workflow.NewManager(cfg, store, runner, logging.NewNop(),
		workflow.WithWorkers(4),
		workflow.WithPollInterval(5*time.Millisecond),
	)

	// The same case submitted twice before discovery.
	drop(t, cfg, "dup")
	if _, err := store.Upsert(context.Background(), "dup", filepath.Join(cfg.Paths.IntakeDir, "dup.nii.gz"), "CT"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	stop := start(t, m)
	waitFor(t, "case to succeed", func() bool { return countStatus(t, store, queue.StatusSucceeded) == 1 })
	stop()

	_, _, runs := runner.snapshot()
	if diff := cmp.Diff(map[string]int{"dup": 1}, runs); diff != "" {
		t.Fatalf("runs (-want +got):\n%s", diff)
	}
}

func TestClaimSetIsExclusive(t *testing.T) {
	claims := workflow.NewClaimSet()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if claims.TryClaim("case") {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 || claims.Len() != 1 {
		t.Fatalf("wins = %d, held = %d", wins, claims.Len())
	}
	claims.Release("case")
	if !claims.TryClaim("case") {
		t.Fatalf("released case should be claimable")
	}
	if diff := cmp.Diff([]string{"case"}, claims.Held()); diff != "" {
		t.Fatalf("held (-want +got):\n%s", diff)
	}
}

func TestScanIgnoresPartialFiles(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	m := workflow.NewManager(cfg, store, newRunner(store, 0), logging.NewNop())

	drop(t, cfg, "ready")
	for _, name := range []string{".ready2.nii.gz", "ready3.nii.gz.tmp", "notes.txt"} {
		testsupport.WriteFile(t, filepath.Join(cfg.Paths.IntakeDir, name), 8)
	}
	if err := os.MkdirAll(filepath.Join(cfg.Paths.IntakeDir, "dir.nii.gz"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := prepare.WriteMetadata(cfg.Paths.OutputDir, prepare.CaseMetadata{CaseID: "ready", Modality: "MR"}); err != nil {
		t.Fatalf("WriteMetadata: %v", err)
	}

	n, err := m.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if n != 1 {
		t.Fatalf("scan saw %d volumes, want 1", n)
	}
	item, err := store.Get(context.Background(), "ready")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Modality != "MR" || item.Status != queue.StatusPending {
		t.Fatalf("unexpected item %+v", item)
	}
}

func TestRunResumesInterruptedCase(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	source := drop(t, cfg, "interrupted")
	if _, err := store.Upsert(ctx, "interrupted", source, "CT"); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := store.Claim(ctx, "interrupted"); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	runner := newRunner(store, 0)
	m := workflow.NewManager(cfg, store, runner, logging.NewNop(), workflow.WithPollInterval(10*time.Millisecond))
	stop := start(t, m)
	waitFor(t, "interrupted case to finish", func() bool { return countStatus(t, store, queue.StatusSucceeded) == 1 })
	stop()

	item, err := store.Get(ctx, "interrupted")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", item.Attempts)
	}
}

func TestShutdownReleasesRunningCase(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	runner := newRunner(store, 0)
	runner.blockOn = true
	m := workflow.NewManager(cfg, store, runner, logging.NewNop(), workflow.WithPollInterval(10*time.Millisecond))

	drop(t, cfg, "long")
	stop := start(t, m)
	waitFor(t, "case to start", func() bool { return countStatus(t, store, queue.StatusRunning) == 1 })
	stop()

	item, err := store.Get(context.Background(), "long")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if item.Status != queue.StatusPending || item.ErrorMessage != queue.DaemonStopReason {
		t.Fatalf("unexpected item after shutdown %+v", item)
	}
	if m.Claims().Len() != 0 {
		t.Fatalf("claims still held: %v", m.Claims().Held())
	}
}

func TestCaseIDFromFile(t *testing.T) {
	tests := []struct {
		name string
		id   string
		ok   bool
	}{
		{"Case_20240101_1.nii.gz", "Case_20240101_1", true},
		{".Case.nii.gz.tmp", "", false},
		{".hidden.nii.gz", "", false},
		{"case.nii.gz.tmp", "", false},
		{"case.nii", "", false},
		{".nii.gz", "", false},
	}
	for _, tt := range tests {
		id, ok := workflow.CaseIDFromFile(tt.name)
		if id != tt.id || ok != tt.ok {
			t.Errorf("CaseIDFromFile(%q) = %q, %v; want %q, %v", tt.name, id, ok, tt.id, tt.ok)
		}
	}
}
