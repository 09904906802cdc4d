package config

// Capability names the daemon knows about out of the box.
const (
	CapabilityDownload  = "download"
	CapabilitySynthesis = "synthesis"
)

const (
	defaultDataDir   = "~/.local/share/narrator"
	defaultAPIBind   = "127.0.0.1:7979"
	defaultLogFormat = "console"
	defaultLogLevel  = "info"

	defaultDownloadBaseURL  = "http://127.0.0.1:8085"
	defaultSynthesisBaseURL = "http://127.0.0.1:8000"

	defaultProbeInterval         = 60
	defaultCriticalProbeInterval = 15
	defaultProbeTimeout          = 5

	defaultBreakerFailureThreshold = 3
	defaultBreakerWindowSize       = 10
	defaultBreakerFailureRate      = 0.5
	defaultBreakerResetTimeout     = 30
	defaultBreakerCallTimeout      = 60
	defaultBreakerRetries          = 2

	defaultQueueMaxAttempts        = 3
	defaultQueueBackoffBase        = 5
	defaultQueueBackoffCap         = 300
	defaultQueueRetentionDays      = 7
	defaultDownloadWorkers         = 2
	defaultSynthesisWorkers        = 2
	defaultQueuePollInterval       = 5
	defaultQueueErrorRetryInterval = 10

	defaultMinChapterWords  = 50
	defaultMaxChapterWords  = 5000
	defaultTargetChunkWords = 1500
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			APIBind: defaultAPIBind,
		},
		Capabilities: map[string]Capability{
			CapabilityDownload: {
				BaseURL:  defaultDownloadBaseURL,
				Critical: true,
			},
			CapabilitySynthesis: {
				BaseURL:  defaultSynthesisBaseURL,
				Critical: true,
			},
		},
		Registry: Registry{
			ProbeInterval:         defaultProbeInterval,
			CriticalProbeInterval: defaultCriticalProbeInterval,
			ProbeTimeout:          defaultProbeTimeout,
		},
		Breaker: Breaker{
			FailureThreshold: defaultBreakerFailureThreshold,
			WindowSize:       defaultBreakerWindowSize,
			FailureRate:      defaultBreakerFailureRate,
			ResetTimeout:     defaultBreakerResetTimeout,
			CallTimeout:      defaultBreakerCallTimeout,
			Retries:          defaultBreakerRetries,
		},
		Queue: Queue{
			MaxAttempts:        defaultQueueMaxAttempts,
			BackoffBase:        defaultQueueBackoffBase,
			BackoffCap:         defaultQueueBackoffCap,
			RetentionDays:      defaultQueueRetentionDays,
			DownloadWorkers:    defaultDownloadWorkers,
			SynthesisWorkers:   defaultSynthesisWorkers,
			PollInterval:       defaultQueuePollInterval,
			ErrorRetryInterval: defaultQueueErrorRetryInterval,
		},
		Segmentation: Segmentation{
			MinChapterWords:  defaultMinChapterWords,
			MaxChapterWords:  defaultMaxChapterWords,
			TargetChunkWords: defaultTargetChunkWords,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
