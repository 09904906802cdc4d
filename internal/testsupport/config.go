package testsupport

import (
	"path/filepath"
	"testing"

	"narrator/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t   testing.TB
	cfg *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.DownloadDir = filepath.Join(base, "downloads")
	cfgVal.Paths.AudioDir = filepath.Join(base, "audio")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"

	builder := &configBuilder{
		t:   t,
		cfg: &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithCapability sets or replaces a capability entry on the test config.
func WithCapability(name, baseURL string, critical bool) ConfigOption {
	return func(b *configBuilder) {
		if b.cfg.Capabilities == nil {
			b.cfg.Capabilities = make(map[string]config.Capability)
		}
		b.cfg.Capabilities[name] = config.Capability{
			BaseURL:  baseURL,
			Critical: critical,
		}
	}
}

// WithQueuePolicy overrides the retry policy on the test config.
func WithQueuePolicy(maxAttempts, backoffBaseSeconds, backoffCapSeconds int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Queue.MaxAttempts = maxAttempts
		b.cfg.Queue.BackoffBase = backoffBaseSeconds
		b.cfg.Queue.BackoffCap = backoffCapSeconds
	}
}

// WithSegmentation overrides the chapter word thresholds on the test config.
func WithSegmentation(minWords, maxWords, targetWords int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Segmentation.MinChapterWords = minWords
		b.cfg.Segmentation.MaxChapterWords = maxWords
		b.cfg.Segmentation.TargetChunkWords = targetWords
	}
}
