package aggregator_test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"heimdallr/internal/aggregator"
	"heimdallr/internal/imaging"
	"heimdallr/internal/logging"
	"heimdallr/internal/receiver"
	"heimdallr/internal/services"
	"heimdallr/internal/testsupport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type collector struct {
	mu      sync.Mutex
	bundles []imaging.Bundle
}

func (c *collector) Enqueue(b imaging.Bundle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bundles = append(c.bundles, b)
	return nil
}

func (c *collector) all() []imaging.Bundle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]imaging.Bundle(nil), c.bundles...)
}

func newAggregator(t *testing.T) (*aggregator.Aggregator, *collector, *fakeClock) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Aggregator.IdleSeconds = 30
	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	sink := &collector{}
	agg := aggregator.New(cfg, sink, logging.NewNop(), aggregator.WithClock(clock.Now))
	return agg, sink, clock
}

func instance(study, series, sop string, number int) imaging.Instance {
	return imaging.Instance{StudyUID: study, SeriesUID: series, SOPInstanceUID: sop, InstanceNumber: number, Modality: "CT"}
}

func TestStudyClosesAfterIdleWindow(t *testing.T) {
	agg, sink, clock := newAggregator(t)

	for i := 3; i >= 1; i-- {
		if err := agg.Submit(instance("1.1", "1.1.1", fmt.Sprintf("1.1.1.%d", i), i)); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	clock.Advance(29 * time.Second)
	if n := agg.Scan(); n != 0 {
		t.Fatalf("study closed before idle window elapsed")
	}

	clock.Advance(time.Second)
	if n := agg.Scan(); n != 1 {
		t.Fatalf("expected one closed study, got %d", n)
	}
	bundles := sink.all()
	if len(bundles) != 1 {
		t.Fatalf("expected one bundle, got %d", len(bundles))
	}
	var order []int
	for _, inst := range bundles[0].Instances {
		order = append(order, inst.InstanceNumber)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, order); diff != "" {
		t.Fatalf("instances not sorted (-want +got):\n%s", diff)
	}
	if bundles[0].Summary.InstanceCount != 3 || bundles[0].Summary.SeriesCount != 1 {
		t.Fatalf("unexpected summary %+v", bundles[0].Summary)
	}
	if agg.Len() != 0 {
		t.Fatal("closed study must leave the arena")
	}
}

func TestActivityRefreshesIdleWindow(t *testing.T) {
	agg, sink, clock := newAggregator(t)
	_ = agg.Submit(instance("2.1", "2.1.1", "a", 1))
	clock.Advance(20 * time.Second)
	_ = agg.Submit(instance("2.1", "2.1.1", "b", 2))
	clock.Advance(20 * time.Second)
	agg.Scan()
	if len(sink.all()) != 0 {
		t.Fatal("study with recent activity must stay open")
	}
	clock.Advance(10 * time.Second)
	agg.Scan()
	if len(sink.all()) != 1 {
		t.Fatal("expected the study to close")
	}
}

func TestDuplicateSOPReplacesRecord(t *testing.T) {
	agg, sink, clock := newAggregator(t)
	first := instance("3.1", "3.1.1", "dup", 1)
	second := first
	second.InstanceNumber = 9
	_ = agg.Submit(first)
	_ = agg.Submit(second)
	clock.Advance(time.Minute)
	agg.Scan()

	b := sink.all()[0]
	if len(b.Instances) != 1 || b.Instances[0].InstanceNumber != 9 {
		t.Fatalf("expected the later record to replace the earlier one, got %+v", b.Instances)
	}
}

func TestStudiesCloseIndependently(t *testing.T) {
	agg, sink, clock := newAggregator(t)
	_ = agg.Submit(instance("4.1", "s", "x", 1))
	clock.Advance(25 * time.Second)
	_ = agg.Submit(instance("4.2", "s", "y", 1))
	clock.Advance(5 * time.Second)
	agg.Scan()

	bundles := sink.all()
	if len(bundles) != 1 || bundles[0].StudyUID != "4.1" {
		t.Fatalf("expected only study 4.1 to close, got %+v", bundles)
	}
	snap := agg.Snapshot()
	if len(snap) != 1 || snap[0].StudyUID != "4.2" || snap[0].IdleRemaining != 25*time.Second {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestSubmitAfterCloseOpensFreshStudy(t *testing.T) {
	agg, sink, clock := newAggregator(t)
	_ = agg.Submit(instance("5.1", "s", "late-1", 1))
	clock.Advance(time.Minute)
	agg.Scan()
	_ = agg.Submit(instance("5.1", "s", "late-2", 2))
	clock.Advance(time.Minute)
	agg.Scan()

	bundles := sink.all()
	if len(bundles) != 2 {
		t.Fatalf("expected two bundles for the same study UID, got %d", len(bundles))
	}
	if bundles[1].Instances[0].SOPInstanceUID != "late-2" {
		t.Fatalf("second bundle should only carry the late instance: %+v", bundles[1].Instances)
	}
}

func TestConcurrentSubmitAndScanLosesNothing(t *testing.T) {
	agg, sink, clock := newAggregator(t)
	const total = 400

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < total/4; i++ {
				_ = agg.Submit(instance("6.1", "s", fmt.Sprintf("%d-%d", w, i), i))
			}
		}(w)
	}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				clock.Advance(31 * time.Second)
				agg.Scan()
			}
		}
	}()
	wg.Wait()
	close(done)
	clock.Advance(time.Minute)
	agg.Flush()

	count := 0
	for _, b := range sink.all() {
		count += len(b.Instances)
	}
	if count != total {
		t.Fatalf("expected %d instances across bundles, got %d", total, count)
	}
}

func TestSubmitRequiresStudyUID(t *testing.T) {
	agg, _, _ := newAggregator(t)
	err := agg.Submit(imaging.Instance{SOPInstanceUID: "x"})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRecoverReseedsStudyDirectories(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	sink := &collector{}
	clock := &fakeClock{now: time.Now()}
	agg := aggregator.New(cfg, sink, logging.NewNop(), aggregator.WithClock(clock.Now))

	dir := filepath.Dir(receiver.InstancePath(cfg.Paths.IncomingDir, "7.1", "7.1.1", "x", time.Now()))
	testsupport.WriteInstance(t, dir, instance("7.1", "7.1.1", "7.1.1.1", 1))
	testsupport.WriteInstance(t, dir, instance("7.1", "7.1.1", "7.1.1.2", 2))
	testsupport.WriteFile(t, filepath.Join(cfg.Paths.IncomingDir, ".staging", "partial.dcm"), 10)
	old := time.Now().Add(-time.Hour)
	for _, name := range []string{"7.1.1.1.dcm", "7.1.1.2.dcm"} {
		if err := os.Chtimes(filepath.Join(dir, name), old, old); err != nil {
			t.Fatal(err)
		}
	}

	result, err := agg.Recover(nil)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if result.Studies != 1 || result.Instances != 2 {
		t.Fatalf("unexpected recovery result %+v", result)
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.IncomingDir, ".staging")); !os.IsNotExist(err) {
		t.Fatal("expected staging directory to be cleared")
	}
	if n := agg.Scan(); n != 1 {
		t.Fatalf("recovered study older than the idle window should close on first scan, closed %d", n)
	}
	if got := sink.all()[0].StudyDir; got != filepath.Join(cfg.Paths.IncomingDir, "7.1") {
		t.Fatalf("unexpected study dir %q", got)
	}
}
