package pipeline

import (
	"os"
	"path/filepath"
	"strings"

	"heimdallr/internal/metrics"
	"heimdallr/internal/segmentation"
)

// Modalities recognised by the plan. Anything that is not MR is treated as CT.
const (
	ModalityCT = "CT"
	ModalityMR = "MR"
)

// Secondary is the specialised analysis chosen after structural
// segmentation. The concrete types are NoSecondary and CerebralBleed.
type Secondary interface {
	// Name identifies the analysis in logs and results.
	Name() string
	secondary()
}

// NoSecondary means no specialised analysis applies.
type NoSecondary struct {
	Reason string
}

// Name implements Secondary.
func (NoSecondary) Name() string { return "none" }
func (NoSecondary) secondary()   {}

// CerebralBleed runs intracerebral hemorrhage segmentation.
type CerebralBleed struct {
	BrainBytes int64
}

// Name implements Secondary.
func (CerebralBleed) Name() string { return segmentation.TaskCerebralBleed }
func (CerebralBleed) secondary()   {}

// Plan is the resolved work for one case.
type Plan struct {
	CaseID   string
	Modality string
	Source   string
	CaseDir  string
	Fast     bool

	// Secondary is nil until Resolve runs.
	Secondary Secondary
}

// NewPlan builds the unresolved plan for a case.
func NewPlan(caseID, modality, source, outputDir string, fast bool) *Plan {
	modality = strings.ToUpper(strings.TrimSpace(modality))
	if modality != ModalityMR {
		modality = ModalityCT
	}
	return &Plan{
		CaseID:   caseID,
		Modality: modality,
		Source:   source,
		CaseDir:  filepath.Join(outputDir, caseID),
		Fast:     fast,
	}
}

// IsCT reports whether density based analyses apply.
func (p *Plan) IsCT() bool { return p.Modality == ModalityCT }

// Dir returns a segmentation output directory of the case.
func (p *Plan) Dir(name string) string { return filepath.Join(p.CaseDir, name) }

// StructuralTask is the whole-body segmentation for the modality.
func (p *Plan) StructuralTask() segmentation.Task {
	task := segmentation.Task{Name: segmentation.TaskTotal, Input: p.Source, Output: p.Dir(metrics.TotalDir)}
	if !p.IsCT() {
		task.Name = segmentation.TaskTotalMR
	}
	if p.Fast {
		task.Extra = []string{"--fast"}
	}
	return task
}

// TissueTask is the body composition segmentation. It only exists for CT.
func (p *Plan) TissueTask() (segmentation.Task, bool) {
	if !p.IsCT() {
		return segmentation.Task{}, false
	}
	return segmentation.Task{Name: segmentation.TaskTissueTypes, Input: p.Source, Output: p.Dir(metrics.TissueDir)}, true
}

// SecondaryTask is the segmentation for the resolved secondary analysis.
func (p *Plan) SecondaryTask() (segmentation.Task, bool) {
	switch p.Secondary.(type) {
	case CerebralBleed:
		return segmentation.Task{Name: segmentation.TaskCerebralBleed, Input: p.Source, Output: p.Dir(metrics.BleedDir)}, true
	}
	return segmentation.Task{}, false
}

// Resolve picks the secondary analysis from the structural outputs. Cerebral
// bleed analysis needs CT and a brain mask larger than minBrainBytes.
func (p *Plan) Resolve(minBrainBytes int64) Secondary {
	p.Secondary = p.resolve(minBrainBytes)
	return p.Secondary
}

func (p *Plan) resolve(minBrainBytes int64) Secondary {
	if !p.IsCT() {
		return NoSecondary{Reason: "modality " + p.Modality}
	}
	info, err := os.Stat(filepath.Join(p.Dir(metrics.TotalDir), "brain.nii.gz"))
	if err != nil {
		return NoSecondary{Reason: "no brain mask"}
	}
	if info.Size() <= minBrainBytes {
		return NoSecondary{Reason: "brain mask below threshold"}
	}
	return CerebralBleed{BrainBytes: info.Size()}
}
