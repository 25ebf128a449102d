package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"heimdallr/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config rooted in a per-test temp directory with every
// path derived beneath it and the directories created.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	p := &cfgVal.Paths
	p.DataDir = base
	p.IncomingDir = filepath.Join(base, "incoming")
	p.OutboxDir = filepath.Join(base, "outbox")
	p.SentDir = filepath.Join(base, "sent")
	p.FailedDir = filepath.Join(base, "failed")
	p.UploadsDir = filepath.Join(base, "uploads")
	p.IntakeDir = filepath.Join(base, "input")
	p.OutputDir = filepath.Join(base, "output")
	p.ArchiveDir = filepath.Join(base, "nii")
	p.ErrorDir = filepath.Join(base, "errors")
	p.StateDir = filepath.Join(base, "state")
	p.LogDir = filepath.Join(base, "logs")
	cfgVal.Receiver.Bind = "127.0.0.1"
	cfgVal.Receiver.Port = 0
	cfgVal.Prepare.Bind = "127.0.0.1:0"
	cfgVal.Notifications.NtfyTopic = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return builder.cfg
}

// WithAETitle overrides the receiver AE title.
func WithAETitle(ae string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Receiver.AETitle = ae
	}
}

// WithAllowedCallers restricts the receiver to the given calling AEs.
func WithAllowedCallers(aes ...string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Receiver.AllowedCallingAEs = append([]string(nil), aes...)
	}
}

// WithUploadURL points the transfer client at url.
func WithUploadURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Transfer.UploadURL = url
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, the default external binaries
// are stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"dcm2niix", "TotalSegmentator"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}
		b.t.Setenv("PATH", binDir+string(os.PathListSeparator)+os.Getenv("PATH"))
		b.cfg.Prepare.Dcm2niixBinary = filepath.Join(binDir, "dcm2niix")
		b.cfg.Processing.TotalSegmentatorBinary = filepath.Join(binDir, "TotalSegmentator")
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return cfg.Paths.DataDir
}
