package receiver

import (
	"fmt"
	"path/filepath"
	"time"

	"heimdallr/internal/fileutil"
)

// InstancePath returns {root}/{study}/{series}/{sop}.dcm with every
// component sanitized. Unknown identifiers receive time-based fallbacks.
func InstancePath(root, studyUID, seriesUID, sopUID string, now time.Time) string {
	ms := now.UnixMilli()
	study := fileutil.SanitizeName(studyUID, fmt.Sprintf("study_unknown_%d", ms))
	series := fileutil.SanitizeName(seriesUID, "series_unknown")
	sop := fileutil.SanitizeName(sopUID, fmt.Sprintf("inst_%d", ms))
	return filepath.Join(root, study, series, sop+".dcm")
}

// StudyDir returns the directory holding every instance of studyUID.
func StudyDir(root, studyUID string) string {
	return filepath.Join(root, fileutil.SanitizeName(studyUID, "study_unknown"))
}
