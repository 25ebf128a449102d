package deps

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SegmentationHome resolves the TotalSegmentator home directory: the
// TOTALSEG_HOME_DIR environment variable, else ~/.totalsegmentator.
func SegmentationHome() string {
	if dir := strings.TrimSpace(os.Getenv("TOTALSEG_HOME_DIR")); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".totalsegmentator")
}

// CheckSegmentationWeights reports whether model weights are installed under
// home. Missing weights are downloaded by the tool on first use, so the
// requirement is optional.
func CheckSegmentationWeights(home string) Status {
	result := Status{
		Name:        "TotalSegmentator weights",
		Description: "Downloaded on first run when absent",
		Optional:    true,
	}
	if strings.TrimSpace(home) == "" {
		result.Detail = "home directory unresolved"
		return result
	}
	weights := filepath.Join(home, "nnunet", "results")
	result.Command = weights
	info, err := os.Stat(weights)
	if err != nil || !info.IsDir() {
		result.Detail = fmt.Sprintf("weights not found in %s", weights)
		return result
	}
	entries, err := os.ReadDir(weights)
	if err != nil || len(entries) == 0 {
		result.Detail = fmt.Sprintf("weights dir %s is empty", weights)
		return result
	}
	result.Available = true
	result.Detail = fmt.Sprintf("%d model sets", len(entries))
	return result
}
