package imaging

import (
	"sort"
	"strings"
	"time"
)

// Modality codes understood by selection and processing.
const (
	ModalityCT = "CT"
	ModalityMR = "MR"
)

// Instance is one received imaging object. It is immutable after receipt.
type Instance struct {
	StudyUID          string   `json:"study_uid"`
	SeriesUID         string   `json:"series_uid"`
	SOPInstanceUID    string   `json:"sop_instance_uid"`
	SOPClassUID       string   `json:"sop_class_uid,omitempty"`
	Modality          string   `json:"modality,omitempty"`
	PatientName       string   `json:"patient_name,omitempty"`
	PatientID         string   `json:"patient_id,omitempty"`
	AccessionNumber   string   `json:"accession_number,omitempty"`
	StudyDate         string   `json:"study_date,omitempty"`
	SeriesNumber      int      `json:"series_number,omitempty"`
	SeriesDescription string   `json:"series_description,omitempty"`
	InstanceNumber    int      `json:"instance_number,omitempty"`
	SliceThickness    *float64 `json:"slice_thickness,omitempty"`
	Kernel            string   `json:"kernel,omitempty"`
	ContrastAgent     string   `json:"contrast_agent,omitempty"`
	BodyPart          string   `json:"body_part,omitempty"`
	PositionZ         *float64 `json:"position_z,omitempty"`
	Path              string   `json:"path,omitempty"`
}

// NormalizedModality returns the upper-cased, trimmed modality code.
func (i Instance) NormalizedModality() string {
	return strings.ToUpper(strings.TrimSpace(i.Modality))
}

// SortInstances orders instances by series number, series UID, instance
// number, then SOP instance UID.
func SortInstances(instances []Instance) {
	sort.SliceStable(instances, func(a, b int) bool {
		x, y := instances[a], instances[b]
		if x.SeriesNumber != y.SeriesNumber {
			return x.SeriesNumber < y.SeriesNumber
		}
		if x.SeriesUID != y.SeriesUID {
			return x.SeriesUID < y.SeriesUID
		}
		if x.InstanceNumber != y.InstanceNumber {
			return x.InstanceNumber < y.InstanceNumber
		}
		return x.SOPInstanceUID < y.SOPInstanceUID
	})
}

// Summary describes a closed study without its instance list.
type Summary struct {
	StudyUID        string    `json:"study_uid"`
	PatientName     string    `json:"patient_name,omitempty"`
	PatientID       string    `json:"patient_id,omitempty"`
	AccessionNumber string    `json:"accession_number,omitempty"`
	StudyDate       string    `json:"study_date,omitempty"`
	Modalities      []string  `json:"modalities"`
	InstanceCount   int       `json:"instance_count"`
	SeriesCount     int       `json:"series_count"`
	FirstActivity   time.Time `json:"first_activity"`
	LastActivity    time.Time `json:"last_activity"`
}

// Bundle is the immutable hand-off produced when a study closes.
type Bundle struct {
	StudyUID  string     `json:"study_uid"`
	StudyDir  string     `json:"study_dir"`
	Instances []Instance `json:"instances"`
	Summary   Summary    `json:"summary"`
}

// NewBundle copies and sorts instances and derives the summary.
func NewBundle(studyUID, studyDir string, instances []Instance, first, last time.Time) Bundle {
	sorted := append([]Instance(nil), instances...)
	SortInstances(sorted)
	return Bundle{
		StudyUID:  studyUID,
		StudyDir:  studyDir,
		Instances: sorted,
		Summary:   Summarize(studyUID, sorted, first, last),
	}
}

// Summarize derives a study summary. Demographics come from the first
// instance that carries them.
func Summarize(studyUID string, instances []Instance, first, last time.Time) Summary {
	summary := Summary{
		StudyUID:      studyUID,
		InstanceCount: len(instances),
		FirstActivity: first,
		LastActivity:  last,
		Modalities:    []string{},
	}
	series := make(map[string]struct{})
	modalities := make(map[string]struct{})
	for _, inst := range instances {
		series[inst.SeriesUID] = struct{}{}
		if m := inst.NormalizedModality(); m != "" {
			if _, seen := modalities[m]; !seen {
				modalities[m] = struct{}{}
				summary.Modalities = append(summary.Modalities, m)
			}
		}
		if summary.PatientName == "" {
			summary.PatientName = inst.PatientName
		}
		if summary.PatientID == "" {
			summary.PatientID = inst.PatientID
		}
		if summary.AccessionNumber == "" {
			summary.AccessionNumber = inst.AccessionNumber
		}
		if summary.StudyDate == "" {
			summary.StudyDate = inst.StudyDate
		}
	}
	sort.Strings(summary.Modalities)
	summary.SeriesCount = len(series)
	return summary
}
