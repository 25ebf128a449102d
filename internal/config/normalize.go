package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeReceiver()
	c.normalizeTransfer()
	c.normalizePrepare()
	c.normalizeProcessing()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}

	derived := []struct {
		key   string
		value *string
		base  string
	}{
		{"paths.incoming_dir", &c.Paths.IncomingDir, "incoming"},
		{"paths.outbox_dir", &c.Paths.OutboxDir, "outbox"},
		{"paths.sent_dir", &c.Paths.SentDir, "sent"},
		{"paths.failed_dir", &c.Paths.FailedDir, "failed"},
		{"paths.uploads_dir", &c.Paths.UploadsDir, "uploads"},
		{"paths.intake_dir", &c.Paths.IntakeDir, "input"},
		{"paths.output_dir", &c.Paths.OutputDir, "output"},
		{"paths.archive_dir", &c.Paths.ArchiveDir, "nii"},
		{"paths.error_dir", &c.Paths.ErrorDir, "errors"},
		{"paths.state_dir", &c.Paths.StateDir, "state"},
		{"paths.log_dir", &c.Paths.LogDir, "logs"},
	}
	for _, entry := range derived {
		if strings.TrimSpace(*entry.value) == "" {
			*entry.value = filepath.Join(c.Paths.DataDir, entry.base)
		}
		if *entry.value, err = expandPath(*entry.value); err != nil {
			return fmt.Errorf("%s: %w", entry.key, err)
		}
	}
	return nil
}

func (c *Config) normalizeReceiver() {
	if value, ok := os.LookupEnv("HEIMDALLR_AE_TITLE"); ok && strings.TrimSpace(value) != "" {
		c.Receiver.AETitle = value
	}
	c.Receiver.AETitle = strings.TrimSpace(c.Receiver.AETitle)
	if c.Receiver.AETitle == "" {
		c.Receiver.AETitle = defaultAETitle
	}
	c.Receiver.Bind = strings.TrimSpace(c.Receiver.Bind)
	if c.Receiver.Bind == "" {
		c.Receiver.Bind = defaultReceiverBind
	}
	allowed := c.Receiver.AllowedCallingAEs[:0]
	for _, ae := range c.Receiver.AllowedCallingAEs {
		if ae = strings.TrimSpace(ae); ae != "" {
			allowed = append(allowed, ae)
		}
	}
	c.Receiver.AllowedCallingAEs = allowed
	if c.Receiver.ReadTimeoutSeconds <= 0 {
		c.Receiver.ReadTimeoutSeconds = defaultReadTimeoutSeconds
	}
	if c.Receiver.MaxPDULength <= 0 {
		c.Receiver.MaxPDULength = defaultMaxPDULength
	}
}

func (c *Config) normalizeTransfer() {
	if c.Transfer.UploadToken == "" {
		if value, ok := os.LookupEnv("HEIMDALLR_UPLOAD_TOKEN"); ok {
			c.Transfer.UploadToken = value
		}
	}
	c.Transfer.UploadToken = strings.TrimSpace(c.Transfer.UploadToken)
	c.Transfer.UploadURL = strings.TrimSpace(c.Transfer.UploadURL)
	if c.Transfer.MaxBackoffSeconds <= 0 {
		c.Transfer.MaxBackoffSeconds = defaultUploadMaxBackoff
	}
}

func (c *Config) normalizePrepare() {
	c.Prepare.Bind = strings.TrimSpace(c.Prepare.Bind)
	c.Prepare.Dcm2niixBinary = strings.TrimSpace(c.Prepare.Dcm2niixBinary)
	if c.Prepare.Dcm2niixBinary == "" {
		c.Prepare.Dcm2niixBinary = defaultDcm2niixBinary
	}
	if c.Prepare.UploadToken == "" {
		c.Prepare.UploadToken = c.Transfer.UploadToken
	}
}

func (c *Config) normalizeProcessing() {
	if c.Processing.License == "" {
		if value, ok := os.LookupEnv("HEIMDALLR_TOTALSEG_LICENSE"); ok {
			c.Processing.License = value
		}
	}
	c.Processing.License = strings.TrimSpace(c.Processing.License)
	c.Processing.TotalSegmentatorBinary = strings.TrimSpace(c.Processing.TotalSegmentatorBinary)
	if c.Processing.TotalSegmentatorBinary == "" {
		c.Processing.TotalSegmentatorBinary = defaultTotalSegmentatorBinary
	}
	if c.Processing.HeartbeatSeconds <= 0 {
		c.Processing.HeartbeatSeconds = defaultHeartbeatSeconds
	}
	if c.Processing.StaleMinutes <= 0 {
		c.Processing.StaleMinutes = defaultStaleMinutes
	}
	if c.Processing.BleedMinBrainBytes <= 0 {
		c.Processing.BleedMinBrainBytes = defaultBleedMinBrainBytes
	}
}

func (c *Config) normalizeLogging() {
	if value, ok := os.LookupEnv("HEIMDALLR_LOG_LEVEL"); ok && strings.TrimSpace(value) != "" {
		c.Logging.Level = value
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}
