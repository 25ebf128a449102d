package dicomio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"heimdallr/internal/imaging"
)

// ErrMissingStudyUID marks datasets that cannot be routed to a study.
var ErrMissingStudyUID = errors.New("dataset has no study instance UID")

// MetadataReader extracts routing and selection attributes from a stored file.
type MetadataReader interface {
	ReadInstance(path string) (imaging.Instance, error)
}

// FileReader reads attributes with github.com/suyashkumar/dicom, skipping pixel data.
type FileReader struct{}

// ReadInstance implements MetadataReader.
func (FileReader) ReadInstance(path string) (imaging.Instance, error) {
	return ReadInstance(path)
}

// ReadInstance parses the file at path and returns its attributes. Pixel
// data is skipped.
func ReadInstance(path string) (imaging.Instance, error) {
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	if err != nil {
		return imaging.Instance{}, fmt.Errorf("parse dicom %s: %w", path, err)
	}
	inst := instanceFromDataset(ds)
	inst.Path = path
	if inst.StudyUID == "" {
		return inst, ErrMissingStudyUID
	}
	return inst, nil
}

func instanceFromDataset(ds dicom.Dataset) imaging.Instance {
	inst := imaging.Instance{
		StudyUID:          firstString(ds, tag.StudyInstanceUID),
		SeriesUID:         firstString(ds, tag.SeriesInstanceUID),
		SOPInstanceUID:    firstString(ds, tag.SOPInstanceUID),
		SOPClassUID:       firstString(ds, tag.SOPClassUID),
		Modality:          strings.ToUpper(firstString(ds, tag.Modality)),
		PatientName:       firstString(ds, tag.PatientName),
		PatientID:         firstString(ds, tag.PatientID),
		AccessionNumber:   firstString(ds, tag.AccessionNumber),
		StudyDate:         firstString(ds, tag.StudyDate),
		SeriesDescription: firstString(ds, tag.SeriesDescription),
		Kernel:            joinedStrings(ds, tag.ConvolutionKernel),
		ContrastAgent:     firstString(ds, tag.ContrastBolusAgent),
		BodyPart:          firstString(ds, tag.BodyPartExamined),
	}
	if n, ok := firstInt(ds, tag.SeriesNumber); ok {
		inst.SeriesNumber = n
	}
	if n, ok := firstInt(ds, tag.InstanceNumber); ok {
		inst.InstanceNumber = n
	}
	if v, ok := nthFloat(ds, tag.SliceThickness, 0); ok {
		inst.SliceThickness = &v
	}
	if v, ok := nthFloat(ds, tag.ImagePositionPatient, 2); ok {
		inst.PositionZ = &v
	}
	return inst
}

func values(ds dicom.Dataset, t tag.Tag) []string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el == nil || el.Value == nil {
		return nil
	}
	switch v := el.Value.GetValue().(type) {
	case []string:
		out := make([]string, 0, len(v))
		for _, s := range v {
			out = append(out, strings.TrimSpace(strings.TrimRight(s, "\x00")))
		}
		return out
	case []int:
		out := make([]string, 0, len(v))
		for _, n := range v {
			out = append(out, strconv.Itoa(n))
		}
		return out
	case []float64:
		out := make([]string, 0, len(v))
		for _, f := range v {
			out = append(out, strconv.FormatFloat(f, 'f', -1, 64))
		}
		return out
	}
	return nil
}

func firstString(ds dicom.Dataset, t tag.Tag) string {
	vals := values(ds, t)
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

func joinedStrings(ds dicom.Dataset, t tag.Tag) string {
	return strings.Join(values(ds, t), "\\")
}

func firstInt(ds dicom.Dataset, t tag.Tag) (int, bool) {
	raw := firstString(ds, t)
	if raw == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return int(f), true
}

func nthFloat(ds dicom.Dataset, t tag.Tag, index int) (float64, bool) {
	vals := values(ds, t)
	if index >= len(vals) {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(vals[index]), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}
