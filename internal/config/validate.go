package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateCapabilities(); err != nil {
		return err
	}
	if err := c.validateRegistry(); err != nil {
		return err
	}
	if err := c.validateBreaker(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateSegmentation(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths.data_dir must be set")
	}
	if strings.TrimSpace(c.Paths.APIBind) == "" {
		return errors.New("paths.api_bind must be set")
	}
	return nil
}

func (c *Config) validateCapabilities() error {
	if len(c.Capabilities) == 0 {
		return errors.New("at least one capability must be configured")
	}
	for name, capability := range c.Capabilities {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return errors.New("capability names must not be empty")
		}
		if capability.BaseURL == "" {
			return fmt.Errorf("capabilities.%s.base_url must be set", name)
		}
		parsed, err := url.Parse(capability.BaseURL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("capabilities.%s.base_url is not a valid URL: %q", name, capability.BaseURL)
		}
		if capability.ProbeInterval < 0 {
			return fmt.Errorf("capabilities.%s.probe_interval must not be negative", name)
		}
	}
	for _, required := range []string{CapabilityDownload, CapabilitySynthesis} {
		if _, ok := c.Capabilities[required]; !ok {
			return fmt.Errorf("capabilities.%s must be configured", required)
		}
	}
	return nil
}

func (c *Config) validateRegistry() error {
	if c.Registry.ProbeInterval <= 0 {
		return errors.New("registry.probe_interval must be positive")
	}
	if c.Registry.CriticalProbeInterval <= 0 {
		return errors.New("registry.critical_probe_interval must be positive")
	}
	if c.Registry.ProbeTimeout <= 0 {
		return errors.New("registry.probe_timeout must be positive")
	}
	return nil
}

func (c *Config) validateBreaker() error {
	if c.Breaker.FailureThreshold <= 0 {
		return errors.New("breaker.failure_threshold must be positive")
	}
	if c.Breaker.WindowSize <= 0 {
		return errors.New("breaker.window_size must be positive")
	}
	if c.Breaker.FailureRate <= 0 || c.Breaker.FailureRate > 1 {
		return errors.New("breaker.failure_rate must be in (0, 1]")
	}
	if c.Breaker.ResetTimeout <= 0 {
		return errors.New("breaker.reset_timeout must be positive")
	}
	if c.Breaker.CallTimeout <= 0 {
		return errors.New("breaker.call_timeout must be positive")
	}
	if c.Breaker.Retries < 0 {
		return errors.New("breaker.retries must not be negative")
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.MaxAttempts <= 0 {
		return errors.New("queue.max_attempts must be positive")
	}
	if c.Queue.BackoffBase <= 0 {
		return errors.New("queue.backoff_base must be positive")
	}
	if c.Queue.BackoffCap < c.Queue.BackoffBase {
		return errors.New("queue.backoff_cap must be at least queue.backoff_base")
	}
	if c.Queue.RetentionDays <= 0 {
		return errors.New("queue.retention_days must be positive")
	}
	if c.Queue.DownloadWorkers <= 0 || c.Queue.SynthesisWorkers <= 0 {
		return errors.New("queue worker counts must be positive")
	}
	if c.Queue.PollInterval <= 0 {
		return errors.New("queue.poll_interval must be positive")
	}
	if c.Queue.ErrorRetryInterval <= 0 {
		return errors.New("queue.error_retry_interval must be positive")
	}
	return nil
}

func (c *Config) validateSegmentation() error {
	if c.Segmentation.MinChapterWords < 0 {
		return errors.New("segmentation.min_chapter_words must not be negative")
	}
	if c.Segmentation.MaxChapterWords <= c.Segmentation.MinChapterWords {
		return errors.New("segmentation.max_chapter_words must exceed min_chapter_words")
	}
	if c.Segmentation.TargetChunkWords <= 0 {
		return errors.New("segmentation.target_chunk_words must be positive")
	}
	if c.Segmentation.TargetChunkWords > c.Segmentation.MaxChapterWords {
		return errors.New("segmentation.target_chunk_words must not exceed max_chapter_words")
	}
	return nil
}
