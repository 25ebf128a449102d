package aggregator

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"heimdallr/internal/dicomio"
	"heimdallr/internal/imaging"
	"heimdallr/internal/logging"
)

// RecoverResult summarises a startup recovery pass.
type RecoverResult struct {
	Studies   int
	Instances int
	Skipped   int
}

// Recover re-seeds studies left in the incoming directory by a previous
// process. Each study's last activity is the newest file modification time
// so it closes on the normal idle schedule. Leftover staging files are
// removed.
func (a *Aggregator) Recover(reader dicomio.MetadataReader) (RecoverResult, error) {
	var result RecoverResult
	if reader == nil {
		reader = dicomio.FileReader{}
	}
	_ = os.RemoveAll(filepath.Join(a.incomingDir, ".staging"))

	entries, err := os.ReadDir(a.incomingDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return result, nil
		}
		return result, fmt.Errorf("read incoming dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		dir := filepath.Join(a.incomingDir, entry.Name())
		instances, newest, skipped := a.readStudyDir(dir, reader)
		result.Skipped += skipped
		if len(instances) == 0 {
			continue
		}
		a.seed(instances, newest)
		result.Studies++
		result.Instances += len(instances)
	}
	if result.Studies > 0 || result.Skipped > 0 {
		a.logger.Info("recovered studies from incoming directory",
			logging.Int("studies", result.Studies),
			logging.Int("instances", result.Instances),
			logging.Int("skipped", result.Skipped),
		)
	}
	return result, nil
}

func (a *Aggregator) readStudyDir(dir string, reader dicomio.MetadataReader) ([]imaging.Instance, time.Time, int) {
	var (
		instances []imaging.Instance
		newest    time.Time
		skipped   int
	)
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(strings.ToLower(d.Name()), ".dcm") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			skipped++
			return nil
		}
		inst, err := reader.ReadInstance(path)
		if err != nil {
			skipped++
			a.logger.Warn("unreadable instance skipped during recovery",
				logging.String("path", path),
				logging.Error(err),
			)
			return nil
		}
		inst.Path = path
		instances = append(instances, inst)
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	return instances, newest, skipped
}

// seed installs recovered instances. Instances may span several study UIDs
// when a directory name was a fallback.
func (a *Aggregator) seed(instances []imaging.Instance, lastActivity time.Time) {
	for _, inst := range instances {
		if inst.StudyUID == "" {
			continue
		}
		s, err := a.lookupOrCreate(inst.StudyUID)
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.state == StateOpen {
			s.instances[inst.SOPInstanceUID] = inst
			if s.created.After(lastActivity) {
				s.created = lastActivity
			}
			s.last = lastActivity
		}
		s.mu.Unlock()
	}
}
