package dicomio

import (
	"strconv"

	"heimdallr/internal/imaging"
)

// EncodeInstance builds a minimal dataset carrying the attributes of inst in
// explicit VR little endian. The `send` command and tests use it to produce
// synthetic objects.
func EncodeInstance(inst imaging.Instance) ([]byte, error) {
	return EncodeExplicit(instanceElements(inst))
}

// EncodeInstanceImplicit is EncodeInstance for implicit VR little endian.
func EncodeInstanceImplicit(inst imaging.Instance) []byte {
	return EncodeImplicit(instanceElements(inst))
}

func instanceElements(inst imaging.Instance) []Element {
	sopClass := inst.SOPClassUID
	if sopClass == "" {
		sopClass = CTImageStorage
	}
	var elements []Element
	add := func(group, elem uint16, vr, value string) {
		if value != "" {
			elements = append(elements, StringElement(NewTag(group, elem), vr, value))
		}
	}
	// Ascending tag order.
	add(0x0008, 0x0016, "UI", sopClass)
	add(0x0008, 0x0018, "UI", inst.SOPInstanceUID)
	add(0x0008, 0x0020, "DA", inst.StudyDate)
	add(0x0008, 0x0050, "SH", inst.AccessionNumber)
	add(0x0008, 0x0060, "CS", inst.Modality)
	add(0x0008, 0x103E, "LO", inst.SeriesDescription)
	add(0x0010, 0x0010, "PN", inst.PatientName)
	add(0x0010, 0x0020, "LO", inst.PatientID)
	add(0x0018, 0x0010, "LO", inst.ContrastAgent)
	add(0x0018, 0x0015, "CS", inst.BodyPart)
	if inst.SliceThickness != nil {
		add(0x0018, 0x0050, "DS", formatDecimal(*inst.SliceThickness))
	}
	add(0x0018, 0x1210, "SH", inst.Kernel)
	add(0x0020, 0x000D, "UI", inst.StudyUID)
	add(0x0020, 0x000E, "UI", inst.SeriesUID)
	if inst.SeriesNumber != 0 {
		add(0x0020, 0x0011, "IS", strconv.Itoa(inst.SeriesNumber))
	}
	if inst.InstanceNumber != 0 {
		add(0x0020, 0x0013, "IS", strconv.Itoa(inst.InstanceNumber))
	}
	if inst.PositionZ != nil {
		add(0x0020, 0x0032, "DS", "0\\0\\"+formatDecimal(*inst.PositionZ))
	}
	return elements
}

func formatDecimal(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
