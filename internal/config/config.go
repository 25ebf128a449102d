package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains the on-disk layout shared by the listener and processor.
type Paths struct {
	DataDir     string `toml:"data_dir"`
	IncomingDir string `toml:"incoming_dir"`
	OutboxDir   string `toml:"outbox_dir"`
	SentDir     string `toml:"sent_dir"`
	FailedDir   string `toml:"failed_dir"`
	UploadsDir  string `toml:"uploads_dir"`
	IntakeDir   string `toml:"intake_dir"`
	OutputDir   string `toml:"output_dir"`
	ArchiveDir  string `toml:"archive_dir"`
	ErrorDir    string `toml:"error_dir"`
	StateDir    string `toml:"state_dir"`
	LogDir      string `toml:"log_dir"`
}

// Receiver configures the DICOM C-STORE listener.
type Receiver struct {
	Enabled            bool     `toml:"enabled"`
	AETitle            string   `toml:"ae_title"`
	Bind               string   `toml:"bind"`
	Port               int      `toml:"port"`
	AllowedCallingAEs  []string `toml:"allowed_calling_aes"`
	StrictCalledAE     bool     `toml:"strict_called_ae"`
	ReadTimeoutSeconds int      `toml:"read_timeout_seconds"`
	MaxPDULength       int      `toml:"max_pdu_length"`
}

// Aggregator configures idle-based study closure.
type Aggregator struct {
	IdleSeconds     int  `toml:"idle_seconds"`
	ScanSeconds     int  `toml:"scan_seconds"`
	FlushOnShutdown bool `toml:"flush_on_shutdown"`
}

// Transfer configures delivery of closed studies to the preparation endpoint.
type Transfer struct {
	UploadURL         string `toml:"upload_url"`
	UploadToken       string `toml:"upload_token"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
	MaxAttempts       int    `toml:"max_attempts"`
	BackoffSeconds    int    `toml:"backoff_seconds"`
	MaxBackoffSeconds int    `toml:"max_backoff_seconds"`
	Workers           int    `toml:"workers"`
	KeepSent          bool   `toml:"keep_sent"`
}

// Selection configures series scoring thresholds.
type Selection struct {
	MinInstances   int     `toml:"min_instances"`
	ThicknessMinMM float64 `toml:"thickness_min_mm"`
	ThicknessMaxMM float64 `toml:"thickness_max_mm"`
}

// Prepare configures the upload endpoint that turns study archives into
// intake volumes.
type Prepare struct {
	Enabled        bool   `toml:"enabled"`
	Bind           string `toml:"bind"`
	Dcm2niixBinary string `toml:"dcm2niix_binary"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxUploadMB    int    `toml:"max_upload_mb"`
	UploadToken    string `toml:"upload_token"`
}

// Processing configures the case queue, worker pool, and segmentation tool.
type Processing struct {
	Enabled                bool   `toml:"enabled"`
	Workers                int    `toml:"workers"`
	PollSeconds            int    `toml:"poll_seconds"`
	ToolTimeoutMinutes     int    `toml:"tool_timeout_minutes"`
	HeartbeatSeconds       int    `toml:"heartbeat_seconds"`
	StaleMinutes           int    `toml:"stale_minutes"`
	TotalSegmentatorBinary string `toml:"totalsegmentator_binary"`
	License                string `toml:"license"`
	Fast                   bool   `toml:"fast"`
	RaceRetries            int    `toml:"race_retries"`
	RaceDelayMinMS         int    `toml:"race_delay_min_ms"`
	RaceDelayMaxMS         int    `toml:"race_delay_max_ms"`
	BleedMinBrainBytes     int64  `toml:"bleed_min_brain_bytes"`
}

// Results configures the result store adapter.
type Results struct {
	MaxAttempts int `toml:"max_attempts"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	Deliveries     bool   `toml:"deliveries"`
	Cases          bool   `toml:"cases"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for Heimdallr.
//
// Configuration sections by subsystem:
//   - Paths: data layout for both halves of the pipeline
//   - Receiver: DICOM listener identity and association policy
//   - Aggregator: idle window and scan cadence
//   - Transfer: upload endpoint, retry and retention policy
//   - Selection: series scoring thresholds
//   - Prepare: upload endpoint and conversion tool
//   - Processing: worker pool and segmentation tool
//   - Results: persistence retry budget
//   - Notifications: ntfy push notification settings
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Receiver      Receiver      `toml:"receiver"`
	Aggregator    Aggregator    `toml:"aggregator"`
	Transfer      Transfer      `toml:"transfer"`
	Selection     Selection     `toml:"selection"`
	Prepare       Prepare       `toml:"prepare"`
	Processing    Processing    `toml:"processing"`
	Results       Results       `toml:"results"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath(defaultConfigPath)
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath(defaultConfigPath)
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("heimdallr.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates every directory the daemon writes into.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Paths.IncomingDir, c.Paths.OutboxDir, c.Paths.SentDir, c.Paths.FailedDir,
		c.Paths.UploadsDir, c.Paths.IntakeDir, c.Paths.OutputDir, c.Paths.ArchiveDir,
		c.Paths.ErrorDir, c.Paths.StateDir, c.Paths.LogDir,
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// QueueDBPath returns the case queue database location.
func (c *Config) QueueDBPath() string {
	return filepath.Join(c.Paths.StateDir, "queue.db")
}

// ResultsDBPath returns the result store database location.
func (c *Config) ResultsDBPath() string {
	return filepath.Join(c.Paths.StateDir, "results.db")
}

// LockPath returns the single-instance lock file location.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.StateDir, "heimdallr.lock")
}

// StatusPath returns where the running daemon publishes its status snapshot.
func (c *Config) StatusPath() string {
	return filepath.Join(c.Paths.StateDir, "status.json")
}

// ListenAddress returns the host:port the DICOM listener binds.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Receiver.Bind, c.Receiver.Port)
}

// IdleWindow returns the aggregator quiet period.
func (c *Config) IdleWindow() time.Duration {
	return time.Duration(c.Aggregator.IdleSeconds) * time.Second
}

// ScanInterval returns how often idle studies are checked.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Aggregator.ScanSeconds) * time.Second
}

// PollInterval returns the intake discovery interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Processing.PollSeconds) * time.Second
}

// ToolTimeout returns the wall-clock bound for one external tool invocation.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.Processing.ToolTimeoutMinutes) * time.Minute
}

// HeartbeatInterval returns how often running items refresh their heartbeat.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Processing.HeartbeatSeconds) * time.Second
}

// StaleTimeout returns the heartbeat age after which a running item is
// reclaimed.
func (c *Config) StaleTimeout() time.Duration {
	return time.Duration(c.Processing.StaleMinutes) * time.Minute
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
