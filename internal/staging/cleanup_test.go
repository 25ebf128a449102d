package staging

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"heimdallr/internal/logging"
	"heimdallr/internal/testsupport"
)

func age(t *testing.T, path string, d time.Duration) {
	t.Helper()
	when := time.Now().Add(-d)
	if err := os.Chtimes(path, when, when); err != nil {
		t.Fatalf("set mtime: %v", err)
	}
}

func TestSweepInvalidDirs(t *testing.T) {
	targets := []Target{
		{Name: "blank", Dir: "   ", Pattern: "*"},
		{Name: "missing", Dir: "/nonexistent/path/12345", Pattern: "*"},
	}
	result := Sweep(context.Background(), targets, time.Hour, logging.NewNop())
	if len(result.Removed) != 0 || len(result.Errors) != 0 {
		t.Fatalf("expected empty result, got %+v", result)
	}
}

func TestSweepRemovesOnlyOldMatches(t *testing.T) {
	dir := t.TempDir()
	oldWork := filepath.Join(dir, ".work-old")
	newWork := filepath.Join(dir, ".work-new")
	oldOther := filepath.Join(dir, "keep-me")
	for _, p := range []string{oldWork, newWork, oldOther} {
		if err := os.Mkdir(p, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	age(t, oldWork, 2*time.Hour)
	age(t, oldOther, 2*time.Hour)

	result := Sweep(context.Background(), []Target{{Name: "work", Dir: dir, Pattern: ".work-*"}}, time.Hour, nil)

	if !slices.Equal(result.Removed, []string{oldWork}) {
		t.Fatalf("removed = %v, want only %s", result.Removed, oldWork)
	}
	for _, p := range []string{newWork, oldOther} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("%s should remain: %v", p, err)
		}
	}
}

func TestSweepZeroAgeRemovesEverything(t *testing.T) {
	dir := t.TempDir()
	testsupport.WriteFile(t, filepath.Join(dir, "a.zip"), 3)
	testsupport.WriteFile(t, filepath.Join(dir, "b.zip"), 3)

	result := Sweep(context.Background(), []Target{{Name: "upload", Dir: dir, Pattern: "*.zip"}}, 0, nil)
	if len(result.Removed) != 2 {
		t.Fatalf("removed = %v", result.Removed)
	}
}

func TestTargetsFollowComponentToggles(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Prepare.Enabled = false
	cfg.Processing.Enabled = true

	targets := Targets(cfg)
	if len(targets) != 1 || targets[0].Pattern != "home-*" {
		t.Fatalf("targets = %+v", targets)
	}

	cfg.Prepare.Enabled = true
	if got := len(Targets(cfg)); got != 4 {
		t.Fatalf("expected 4 targets with prepare enabled, got %d", got)
	}
}
