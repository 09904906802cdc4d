package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory and bind address configuration.
type Paths struct {
	DataDir     string `toml:"data_dir"`
	DownloadDir string `toml:"download_dir"`
	AudioDir    string `toml:"audio_dir"`
	LogDir      string `toml:"log_dir"`
	APIBind     string `toml:"api_bind"`
}

// Capability configures one remote service dependency.
type Capability struct {
	BaseURL       string `toml:"base_url"`
	Critical      bool   `toml:"critical"`
	ProbeInterval int    `toml:"probe_interval"` // seconds; 0 uses the registry default
}

// Registry contains health probing configuration.
type Registry struct {
	ProbeInterval         int `toml:"probe_interval"`          // seconds, non-critical capabilities
	CriticalProbeInterval int `toml:"critical_probe_interval"` // seconds, critical capabilities
	ProbeTimeout          int `toml:"probe_timeout"`           // seconds
}

// Breaker contains circuit breaker thresholds and timeouts.
type Breaker struct {
	FailureThreshold int     `toml:"failure_threshold"` // consecutive failures before opening
	WindowSize       int     `toml:"window_size"`       // rolling outcome window
	FailureRate      float64 `toml:"failure_rate"`      // open when window rate exceeds this
	ResetTimeout     int     `toml:"reset_timeout"`     // seconds OPEN before half-open probe
	CallTimeout      int     `toml:"call_timeout"`      // seconds, default per-call timeout
	Retries          int     `toml:"retries"`           // default retries for idempotent calls
}

// Queue contains retry, backoff, and worker pool configuration.
type Queue struct {
	MaxAttempts        int `toml:"max_attempts"`
	BackoffBase        int `toml:"backoff_base"`   // seconds
	BackoffCap         int `toml:"backoff_cap"`    // seconds
	RetentionDays      int `toml:"retention_days"` // purge completed/failed jobs after this
	DownloadWorkers    int `toml:"download_workers"`
	SynthesisWorkers   int `toml:"synthesis_workers"`
	PollInterval       int `toml:"poll_interval"`        // seconds between empty-queue polls
	ErrorRetryInterval int `toml:"error_retry_interval"` // seconds to back off after store errors
}

// Segmentation contains chapter splitting thresholds.
type Segmentation struct {
	MinChapterWords  int `toml:"min_chapter_words"`
	MaxChapterWords  int `toml:"max_chapter_words"`
	TargetChunkWords int `toml:"target_chunk_words"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for narrator.
//
// Configuration sections by subsystem:
//   - Paths: directories and API bind address
//   - Capabilities: remote service endpoints, criticality, probe overrides
//   - Registry: health probe intervals and timeout
//   - Breaker: circuit breaker thresholds
//   - Queue: retry policy, worker counts, retention
//   - Segmentation: chapter word thresholds
//   - Logging: log format and level
type Config struct {
	Paths        Paths                 `toml:"paths"`
	Capabilities map[string]Capability `toml:"capabilities"`
	Registry     Registry              `toml:"registry"`
	Breaker      Breaker               `toml:"breaker"`
	Queue        Queue                 `toml:"queue"`
	Segmentation Segmentation          `toml:"segmentation"`
	Logging      Logging               `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/narrator/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The boolean reports
// whether a config file was found at the resolved path.
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
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.DownloadDir) == "" {
		c.Paths.DownloadDir = filepath.Join(c.Paths.DataDir, "downloads")
	}
	if c.Paths.DownloadDir, err = expandPath(c.Paths.DownloadDir); err != nil {
		return fmt.Errorf("paths.download_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.AudioDir) == "" {
		c.Paths.AudioDir = filepath.Join(c.Paths.DataDir, "audio")
	}
	if c.Paths.AudioDir, err = expandPath(c.Paths.AudioDir); err != nil {
		return fmt.Errorf("paths.audio_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = filepath.Join(c.Paths.DataDir, "logs")
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}

	for name, capability := range c.Capabilities {
		capability.BaseURL = strings.TrimRight(strings.TrimSpace(capability.BaseURL), "/")
		c.Capabilities[name] = capability
	}

	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	return nil
}

// EnsureDirectories creates the directories narrator writes into.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.DownloadDir, c.Paths.AudioDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ProbeInterval returns the effective probe interval for a capability,
// falling back to the registry defaults by criticality.
func (c *Config) ProbeInterval(name string) int {
	capability, ok := c.Capabilities[name]
	if ok && capability.ProbeInterval > 0 {
		return capability.ProbeInterval
	}
	if ok && capability.Critical {
		return c.Registry.CriticalProbeInterval
	}
	return c.Registry.ProbeInterval
}

// WriteSample writes the embedded sample configuration to path.
func WriteSample(path string) error {
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if _, err := os.Stat(expanded); err == nil {
		return fmt.Errorf("config file already exists at %s", expanded)
	}
	return os.WriteFile(expanded, []byte(sampleConfig), 0o644)
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if strings.HasPrefix(trimmed, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			trimmed = home
		} else if strings.HasPrefix(trimmed, "~/") {
			trimmed = filepath.Join(home, trimmed[2:])
		}
	}
	return filepath.Abs(os.ExpandEnv(trimmed))
}
