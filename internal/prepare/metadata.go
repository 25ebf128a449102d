package prepare

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"heimdallr/internal/fileutil"
	"heimdallr/internal/imaging"
	"heimdallr/internal/selection"
	"heimdallr/internal/textutil"
)

// MetadataFileName is the per-case metadata file in the output directory.
const MetadataFileName = "id.json"

// SelectedSeries describes the series chosen for conversion.
type SelectedSeries struct {
	SeriesInstanceUID string   `json:"SeriesInstanceUID"`
	SeriesNumber      int      `json:"SeriesNumber"`
	SeriesDescription string   `json:"SeriesDescription,omitempty"`
	InstanceCount     int      `json:"InstanceCount"`
	Score             int      `json:"Score"`
	ContrastPhase     string   `json:"ContrastPhase,omitempty"`
	Kernel            string   `json:"Kernel,omitempty"`
	SliceThickness    *float64 `json:"SliceThickness,omitempty"`
}

// PipelineTimes tracks processing wall clock for a case.
type PipelineTimes struct {
	StartTime   string `json:"start_time,omitempty"`
	EndTime     string `json:"end_time,omitempty"`
	ElapsedTime string `json:"elapsed_time,omitempty"`
}

// CaseMetadata is the content of id.json.
type CaseMetadata struct {
	CaseID           string         `json:"CaseID"`
	ClinicalName     string         `json:"ClinicalName"`
	PatientName      string         `json:"PatientName"`
	PatientID        string         `json:"PatientID,omitempty"`
	AccessionNumber  string         `json:"AccessionNumber"`
	StudyDate        string         `json:"StudyDate,omitempty"`
	StudyInstanceUID string         `json:"StudyInstanceUID"`
	Modality         string         `json:"Modality"`
	SelectedSeries   SelectedSeries `json:"SelectedSeries"`
	Pipeline         PipelineTimes  `json:"Pipeline"`
}

// MetadataPath returns {output}/{case}/id.json.
func MetadataPath(outputDir, caseID string) string {
	return filepath.Join(outputDir, caseID, MetadataFileName)
}

// ReadMetadata loads id.json for a case.
func ReadMetadata(outputDir, caseID string) (CaseMetadata, error) {
	var meta CaseMetadata
	data, err := os.ReadFile(MetadataPath(outputDir, caseID))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("decode %s: %w", MetadataFileName, err)
	}
	return meta, nil
}

// WriteMetadata stores id.json atomically.
func WriteMetadata(outputDir string, meta CaseMetadata) error {
	return fileutil.WriteJSONAtomic(MetadataPath(outputDir, meta.CaseID), meta)
}

// MarkPipelineEnd records the end time and elapsed duration in id.json. A
// missing file is not an error.
func MarkPipelineEnd(outputDir, caseID string, end time.Time) error {
	meta, err := ReadMetadata(outputDir, caseID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	meta.Pipeline.EndTime = end.Format(time.RFC3339)
	if start, err := time.Parse(time.RFC3339, meta.Pipeline.StartTime); err == nil {
		meta.Pipeline.ElapsedTime = end.Sub(start).Round(time.Second).String()
	} else {
		meta.Pipeline.ElapsedTime = "unknown"
	}
	return WriteMetadata(outputDir, meta)
}

// BuildCaseID renders FirstNameInitials_YYYYMMDD_Accession from the winning
// series' demographics.
func BuildCaseID(inst imaging.Instance) string {
	name := textutil.FirstNameInitials(inst.PatientName)
	if name == "" {
		name = "Patient"
	}
	date := textutil.CleanIdentifier(inst.StudyDate, "")
	if len(date) != 8 {
		date = "00000000"
	}
	accession := textutil.CleanIdentifier(inst.AccessionNumber, "0000")
	return strings.Join([]string{name, date, accession}, "_")
}

// NewMetadata builds id.json content for a selection winner.
func NewMetadata(caseID string, winner selection.Candidate, start time.Time) CaseMetadata {
	var first imaging.Instance
	if len(winner.Instances) > 0 {
		first = winner.Instances[0]
	}
	return CaseMetadata{
		CaseID:           caseID,
		ClinicalName:     caseID,
		PatientName:      first.PatientName,
		PatientID:        first.PatientID,
		AccessionNumber:  first.AccessionNumber,
		StudyDate:        first.StudyDate,
		StudyInstanceUID: first.StudyUID,
		Modality:         winner.Modality,
		SelectedSeries: SelectedSeries{
			SeriesInstanceUID: winner.SeriesUID,
			SeriesNumber:      winner.SeriesNumber,
			SeriesDescription: winner.Description,
			InstanceCount:     winner.Count,
			Score:             winner.Score,
			ContrastPhase:     string(winner.Phase),
			Kernel:            winner.Kernel,
			SliceThickness:    winner.SliceThickness,
		},
		Pipeline: PipelineTimes{StartTime: start.Format(time.RFC3339)},
	}
}
