package testsupport

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"heimdallr/internal/nifti"
	"heimdallr/internal/notifications"
	"heimdallr/internal/segmentation"
)

// VolumeDims is the shape of every synthetic volume and mask.
var VolumeDims = [3]int{4, 4, 4}

var volumePixdim = [3]float64{1, 1, 2}

// WriteVolume writes a synthetic int16 source volume filled with value.
func WriteVolume(t testing.TB, path string, value float64) {
	t.Helper()

	v := nifti.NewVolume(VolumeDims, volumePixdim)
	for i := range v.Data {
		v.Data[i] = value
	}
	if err := nifti.WriteFile(path, v, nifti.DTInt16); err != nil {
		t.Fatalf("write volume %s: %v", path, err)
	}
}

// WriteMask writes a uint8 mask with the given voxels set.
func WriteMask(path string, voxels ...[3]int) error {
	v := nifti.NewVolume(VolumeDims, volumePixdim)
	for _, p := range voxels {
		v.Data[v.Index(p[0], p[1], p[2])] = 1
	}
	return nifti.WriteFile(path, v, nifti.DTUint8)
}

// Notifier records published events.
type Notifier struct {
	mu       sync.Mutex
	events   []notifications.Event
	payloads []notifications.Payload
}

// Publish implements notifications.Service.
func (n *Notifier) Publish(_ context.Context, event notifications.Event, payload notifications.Payload) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	n.payloads = append(n.payloads, payload)
	return nil
}

// Events returns the published events in order.
func (n *Notifier) Events() []notifications.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifications.Event(nil), n.events...)
}

// Payloads returns the published payloads in order.
func (n *Notifier) Payloads() []notifications.Payload {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notifications.Payload(nil), n.payloads...)
}

// Segmenter stands in for TotalSegmentator. Each task writes a few small
// masks into its output dir.
type Segmenter struct {
	// Before runs ahead of the mask writes; a non-nil error is returned
	// instead of producing output.
	Before func(ctx context.Context, task segmentation.Task) error
	// NoOutput lists tasks that succeed without writing any mask.
	NoOutput map[string]bool

	mu    sync.Mutex
	tasks []segmentation.Task
}

var fakeMasks = map[string]map[string][][3]int{
	segmentation.TaskTotal: {
		"liver":        {{0, 0, 0}, {1, 0, 0}},
		"brain":        {{2, 2, 3}},
		"vertebrae_L3": {{1, 1, 1}, {1, 1, 2}},
	},
	segmentation.TaskTotalMR: {
		"liver":        {{0, 0, 0}},
		"vertebrae_L3": {{1, 1, 1}},
	},
	segmentation.TaskTissueTypes: {
		"skeletal_muscle": {{0, 3, 1}, {1, 3, 1}},
	},
	segmentation.TaskCerebralBleed: {
		"intracerebral_hemorrhage": {{2, 2, 3}},
	},
}

// Run implements the pipeline's segmenter.
func (s *Segmenter) Run(ctx context.Context, task segmentation.Task) error {
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.mu.Unlock()

	if s.Before != nil {
		if err := s.Before(ctx, task); err != nil {
			return err
		}
	}
	if s.NoOutput[task.Name] {
		return nil
	}
	for name, voxels := range fakeMasks[task.Name] {
		if err := WriteMask(filepath.Join(task.Output, name+".nii.gz"), voxels...); err != nil {
			return err
		}
	}
	return nil
}

// Tasks returns the task names run so far, in order.
func (s *Segmenter) Tasks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.tasks))
	for _, task := range s.tasks {
		names = append(names, task.Name)
	}
	return names
}

// Calls returns the full task records.
func (s *Segmenter) Calls() []segmentation.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]segmentation.Task(nil), s.tasks...)
}
