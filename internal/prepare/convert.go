package prepare

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"heimdallr/internal/services"
)

// Executor abstracts command execution for the converter.
type Executor interface {
	Run(ctx context.Context, binary string, args []string) ([]byte, error)
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// Converter turns a directory of DICOM files into one compressed NIfTI
// volume and returns its path.
type Converter interface {
	Convert(ctx context.Context, inputDir, outputDir string) (string, error)
}

// Dcm2niix runs `dcm2niix -z y -f converted -o <out> <in>`.
type Dcm2niix struct {
	binary  string
	timeout time.Duration
	exec    Executor
}

// NewDcm2niix constructs a converter for binary.
func NewDcm2niix(binary string, timeout time.Duration) *Dcm2niix {
	return NewDcm2niixWithExecutor(binary, timeout, nil)
}

// NewDcm2niixWithExecutor allows injecting a custom executor for testing.
func NewDcm2niixWithExecutor(binary string, timeout time.Duration, executor Executor) *Dcm2niix {
	if executor == nil {
		executor = commandExecutor{}
	}
	return &Dcm2niix{binary: strings.TrimSpace(binary), timeout: timeout, exec: executor}
}

// Convert implements Converter.
func (d *Dcm2niix) Convert(ctx context.Context, inputDir, outputDir string) (string, error) {
	if d.binary == "" {
		return "", services.Wrap(services.ErrConfiguration, "prepare", "dcm2niix", "binary not configured", nil)
	}
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}
	args := []string{"-z", "y", "-f", "converted", "-o", outputDir, inputDir}
	output, err := d.exec.Run(ctx, d.binary, args)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", services.Wrap(services.ErrTimeout, "prepare", "dcm2niix", fmt.Sprintf("exceeded %s", d.timeout), err)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", services.Wrap(services.ErrExternalTool, "prepare", "dcm2niix",
				fmt.Sprintf("exit %d: %s", exitErr.ExitCode(), tail(output, 400)), err)
		}
		return "", services.Wrap(services.ErrExternalTool, "prepare", "dcm2niix", "run", err)
	}
	matches, _ := filepath.Glob(filepath.Join(outputDir, "*.nii.gz"))
	if len(matches) == 0 {
		return "", services.Wrap(services.ErrExternalTool, "prepare", "dcm2niix", "no .nii.gz produced: "+tail(output, 400), nil)
	}
	sort.Strings(matches)
	return matches[0], nil
}

func tail(output []byte, n int) string {
	s := strings.TrimSpace(string(output))
	if len(s) > n {
		s = "..." + s[len(s)-n:]
	}
	return s
}
