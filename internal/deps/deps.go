// Package deps locates the external tools Heimdallr shells out to.
package deps

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const versionProbeTimeout = 3 * time.Second

// Requirement is one external executable. VersionArgs, when set, are passed
// to the resolved binary to capture a version string for diagnostics.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
	VersionArgs []string
}

// Dcm2niix describes the DICOM to NIfTI converter used by preparation.
func Dcm2niix(command string) Requirement {
	return Requirement{
		Name:        "dcm2niix",
		Command:     command,
		Description: "Required to convert selected series to NIfTI",
		VersionArgs: []string{"--version"},
	}
}

// TotalSegmentator describes the segmentation tool used by processing.
// It has no cheap version flag, so availability is path resolution only.
func TotalSegmentator(command string) Requirement {
	return Requirement{
		Name:        "TotalSegmentator",
		Command:     command,
		Description: "Required for segmentation stages",
	}
}

// Status reports the availability of a dependency.
type Status struct {
	Name        string
	Command     string
	Path        string
	Version     string
	Description string
	Optional    bool
	Available   bool
	Detail      string
}

// CheckBinaries resolves each requirement on PATH and probes versions where
// the requirement asks for it.
func CheckBinaries(ctx context.Context, requirements []Requirement) []Status {
	results := make([]Status, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		status := Status{
			Name:        req.Name,
			Command:     cmd,
			Description: strings.TrimSpace(req.Description),
			Optional:    req.Optional,
		}
		switch path, err := exec.LookPath(cmd); {
		case cmd == "":
			status.Detail = "command not configured"
		case err != nil:
			status.Detail = fmt.Sprintf("binary %q not found", cmd)
		default:
			status.Available = true
			status.Path = path
			if len(req.VersionArgs) > 0 {
				status.Version = probeVersion(ctx, path, req.VersionArgs)
			}
		}
		results = append(results, status)
	}
	return results
}

// probeVersion returns the first line mentioning a version, or the first
// non-empty line. Exit codes are ignored since dcm2niix exits non-zero after
// printing its banner on some releases.
func probeVersion(ctx context.Context, path string, args []string) string {
	ctx, cancel := context.WithTimeout(ctx, versionProbeTimeout)
	defer cancel()
	out, _ := exec.CommandContext(ctx, path, args...).CombinedOutput()

	var first string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first == "" {
			first = line
		}
		if strings.Contains(strings.ToLower(line), "version") {
			return line
		}
	}
	return first
}
