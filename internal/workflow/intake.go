package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"heimdallr/internal/logging"
	"heimdallr/internal/prepare"
)

const volumeSuffix = ".nii.gz"

// CaseIDFromFile returns the case ID for an intake file name, or false when
// the file is not a finished volume.
func CaseIDFromFile(name string) (string, bool) {
	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") || !strings.HasSuffix(name, volumeSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(name, volumeSuffix)
	return id, id != ""
}

// Scan upserts every volume in the intake directory and returns how many
// were seen.
func (m *Manager) Scan(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(m.cfg.Paths.IntakeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read intake dir: %w", err)
	}
	seen := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		caseID, ok := CaseIDFromFile(entry.Name())
		if !ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return seen, err
		}
		source := filepath.Join(m.cfg.Paths.IntakeDir, entry.Name())
		if _, err := m.store.Upsert(ctx, caseID, source, m.modalityFor(caseID)); err != nil {
			return seen, err
		}
		seen++
	}
	return seen, nil
}

// modalityFor reads the modality written by preparation, defaulting to CT.
func (m *Manager) modalityFor(caseID string) string {
	meta, err := prepare.ReadMetadata(m.cfg.Paths.OutputDir, caseID)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("case metadata unreadable; assuming CT",
				logging.String(logging.FieldCaseID, caseID),
				logging.Error(err),
			)
		}
		return "CT"
	}
	if modality := strings.TrimSpace(meta.Modality); modality != "" {
		return modality
	}
	return "CT"
}
