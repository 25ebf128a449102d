package config

const (
	defaultConfigPath             = "~/.config/heimdallr/config.toml"
	defaultDataDir                = "~/.local/share/heimdallr"
	defaultAETitle                = "HEIMDALLR"
	defaultReceiverBind           = "0.0.0.0"
	defaultReceiverPort           = 11112
	defaultReadTimeoutSeconds     = 60
	defaultMaxPDULength           = 16384
	defaultIdleSeconds            = 30
	defaultScanSeconds            = 5
	defaultUploadURL              = "http://127.0.0.1:8001/upload"
	defaultUploadTimeoutSeconds   = 120
	defaultUploadMaxAttempts      = 3
	defaultUploadBackoffSeconds   = 5
	defaultUploadMaxBackoff       = 60
	defaultTransferWorkers        = 2
	defaultMinInstances           = 10
	defaultThicknessMinMM         = 0.3
	defaultThicknessMaxMM         = 7.0
	defaultPrepareBind            = "127.0.0.1:8001"
	defaultDcm2niixBinary         = "dcm2niix"
	defaultPrepareTimeoutSeconds  = 600
	defaultMaxUploadMB            = 4096
	defaultProcessingWorkers      = 3
	defaultPollSeconds            = 2
	defaultToolTimeoutMinutes     = 60
	defaultHeartbeatSeconds       = 15
	defaultStaleMinutes           = 10
	defaultTotalSegmentatorBinary = "TotalSegmentator"
	defaultRaceRetries            = 3
	defaultRaceDelayMinMS         = 500
	defaultRaceDelayMaxMS         = 3000
	defaultBleedMinBrainBytes     = 1000
	defaultResultsMaxAttempts     = 5
	defaultNotifyRequestTimeout   = 10
	defaultLogFormat              = "console"
	defaultLogLevel               = "info"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
		},
		Receiver: Receiver{
			Enabled:            true,
			AETitle:            defaultAETitle,
			Bind:               defaultReceiverBind,
			Port:               defaultReceiverPort,
			ReadTimeoutSeconds: defaultReadTimeoutSeconds,
			MaxPDULength:       defaultMaxPDULength,
		},
		Aggregator: Aggregator{
			IdleSeconds: defaultIdleSeconds,
			ScanSeconds: defaultScanSeconds,
		},
		Transfer: Transfer{
			UploadURL:         defaultUploadURL,
			TimeoutSeconds:    defaultUploadTimeoutSeconds,
			MaxAttempts:       defaultUploadMaxAttempts,
			BackoffSeconds:    defaultUploadBackoffSeconds,
			MaxBackoffSeconds: defaultUploadMaxBackoff,
			Workers:           defaultTransferWorkers,
			KeepSent:          true,
		},
		Selection: Selection{
			MinInstances:   defaultMinInstances,
			ThicknessMinMM: defaultThicknessMinMM,
			ThicknessMaxMM: defaultThicknessMaxMM,
		},
		Prepare: Prepare{
			Enabled:        true,
			Bind:           defaultPrepareBind,
			Dcm2niixBinary: defaultDcm2niixBinary,
			TimeoutSeconds: defaultPrepareTimeoutSeconds,
			MaxUploadMB:    defaultMaxUploadMB,
		},
		Processing: Processing{
			Enabled:                true,
			Workers:                defaultProcessingWorkers,
			PollSeconds:            defaultPollSeconds,
			ToolTimeoutMinutes:     defaultToolTimeoutMinutes,
			HeartbeatSeconds:       defaultHeartbeatSeconds,
			StaleMinutes:           defaultStaleMinutes,
			TotalSegmentatorBinary: defaultTotalSegmentatorBinary,
			Fast:                   true,
			RaceRetries:            defaultRaceRetries,
			RaceDelayMinMS:         defaultRaceDelayMinMS,
			RaceDelayMaxMS:         defaultRaceDelayMaxMS,
			BleedMinBrainBytes:     defaultBleedMinBrainBytes,
		},
		Results: Results{
			MaxAttempts: defaultResultsMaxAttempts,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			Deliveries:     true,
			Cases:          true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
