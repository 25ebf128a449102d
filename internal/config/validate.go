package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validateReceiver(); err != nil {
		return err
	}
	if err := c.validateAggregator(); err != nil {
		return err
	}
	if err := c.validateTransfer(); err != nil {
		return err
	}
	if err := c.validateSelection(); err != nil {
		return err
	}
	if err := c.validatePrepare(); err != nil {
		return err
	}
	if err := c.validateProcessing(); err != nil {
		return err
	}
	if err := ensurePositiveMap(map[string]int{
		"results.max_attempts":          c.Results.MaxAttempts,
		"notifications.request_timeout": c.Notifications.RequestTimeout,
	}); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateReceiver() error {
	if !c.Receiver.Enabled {
		return nil
	}
	if c.Receiver.Port <= 0 || c.Receiver.Port > 65535 {
		return fmt.Errorf("receiver.port must be between 1 and 65535 (got %d)", c.Receiver.Port)
	}
	if len(c.Receiver.AETitle) > 16 {
		return fmt.Errorf("receiver.ae_title must be at most 16 characters (got %q)", c.Receiver.AETitle)
	}
	for _, ae := range c.Receiver.AllowedCallingAEs {
		if len(ae) > 16 {
			return fmt.Errorf("receiver.allowed_calling_aes entry %q exceeds 16 characters", ae)
		}
	}
	if c.Receiver.MaxPDULength < 4096 {
		return errors.New("receiver.max_pdu_length must be at least 4096")
	}
	return nil
}

func (c *Config) validateAggregator() error {
	if err := ensurePositiveMap(map[string]int{
		"aggregator.idle_seconds": c.Aggregator.IdleSeconds,
		"aggregator.scan_seconds": c.Aggregator.ScanSeconds,
	}); err != nil {
		return err
	}
	if c.Aggregator.ScanSeconds > c.Aggregator.IdleSeconds {
		return errors.New("aggregator.scan_seconds must not exceed aggregator.idle_seconds")
	}
	return nil
}

func (c *Config) validateTransfer() error {
	if !c.Receiver.Enabled {
		return nil
	}
	if c.Transfer.UploadURL == "" {
		return errors.New("transfer.upload_url must be set when the receiver is enabled")
	}
	parsed, err := url.Parse(c.Transfer.UploadURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return fmt.Errorf("transfer.upload_url must be an http(s) URL (got %q)", c.Transfer.UploadURL)
	}
	return ensurePositiveMap(map[string]int{
		"transfer.timeout_seconds": c.Transfer.TimeoutSeconds,
		"transfer.max_attempts":    c.Transfer.MaxAttempts,
		"transfer.backoff_seconds": c.Transfer.BackoffSeconds,
		"transfer.workers":         c.Transfer.Workers,
	})
}

func (c *Config) validateSelection() error {
	if c.Selection.MinInstances < 1 {
		return errors.New("selection.min_instances must be at least 1")
	}
	if c.Selection.ThicknessMinMM < 0 || c.Selection.ThicknessMaxMM <= 0 {
		return errors.New("selection thickness bounds must be positive")
	}
	if c.Selection.ThicknessMinMM > c.Selection.ThicknessMaxMM {
		return fmt.Errorf("selection.thickness_min_mm (%.2f) exceeds thickness_max_mm (%.2f)", c.Selection.ThicknessMinMM, c.Selection.ThicknessMaxMM)
	}
	return nil
}

func (c *Config) validatePrepare() error {
	if !c.Prepare.Enabled {
		return nil
	}
	if strings.TrimSpace(c.Prepare.Bind) == "" {
		return errors.New("prepare.bind must be set when prepare.enabled is true")
	}
	return ensurePositiveMap(map[string]int{
		"prepare.timeout_seconds": c.Prepare.TimeoutSeconds,
		"prepare.max_upload_mb":   c.Prepare.MaxUploadMB,
	})
}

func (c *Config) validateProcessing() error {
	if !c.Processing.Enabled {
		return nil
	}
	if err := ensurePositiveMap(map[string]int{
		"processing.workers":              c.Processing.Workers,
		"processing.poll_seconds":         c.Processing.PollSeconds,
		"processing.tool_timeout_minutes": c.Processing.ToolTimeoutMinutes,
	}); err != nil {
		return err
	}
	if c.Processing.RaceRetries < 0 {
		return errors.New("processing.race_retries must be zero or positive")
	}
	if c.Processing.RaceDelayMinMS < 0 || c.Processing.RaceDelayMaxMS < c.Processing.RaceDelayMinMS {
		return errors.New("processing.race_delay_max_ms must be >= race_delay_min_ms >= 0")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json (got %q)", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error (got %q)", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for key, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", key)
		}
	}
	return nil
}
