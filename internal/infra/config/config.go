package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Backend     BackendConfig     `yaml:"backend"`
	Stream      StreamConfig      `yaml:"stream"`
	Cache       CacheConfig       `yaml:"cache"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Logger      LoggerConfig      `yaml:"logger"`
	Tracer      TracerConfig      `yaml:"tracer"`
}

// BackendConfig holds remote chat API settings.
type BackendConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key,omitempty"`
	// Timeout bounds a single HTTP request. Does not apply to the overall
	// lifetime of a generation job.
	Timeout time.Duration `yaml:"timeout"`
	// SendsPerMinute rate-limits outbound sends. 0 disables limiting.
	SendsPerMinute int `yaml:"sends_per_minute"`
	// Breaker configures the circuit breaker around the backend client.
	Breaker BreakerConfig `yaml:"breaker"`
	// PushURL, when set, enables the websocket push feed instead of relying
	// on polling alone.
	PushURL string `yaml:"push_url,omitempty"`
}

// BreakerConfig configures circuit breaker behavior.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"` // consecutive failures before opening
	Timeout     time.Duration `yaml:"timeout"`      // open period before half-open probe
	Interval    time.Duration `yaml:"interval"`     // closed-state failure reset period
}

// StreamConfig holds text-reveal and reconciliation settings.
type StreamConfig struct {
	// BatchChars is the number of characters revealed per animation batch.
	BatchChars int `yaml:"batch_chars"`
	// BatchDelay is the pause between animation batches.
	BatchDelay time.Duration `yaml:"batch_delay"`
	// PollInterval is the reconciler's job status poll period.
	PollInterval time.Duration `yaml:"poll_interval"`
	// HistoryPageSize is the page size used when seeding a chat from the
	// backend history endpoint.
	HistoryPageSize int `yaml:"history_page_size"`
}

// CacheConfig holds local persistence settings.
type CacheConfig struct {
	Dir string `yaml:"dir"`
}

// MaintenanceConfig holds the background maintenance schedule.
type MaintenanceConfig struct {
	Enabled bool `yaml:"enabled"`
	// Schedule is a cron expression (robfig/cron syntax, e.g. "@every 10m").
	Schedule string `yaml:"schedule"`
	// PendingRunTTL is how long a pendingRun marker may outlive its last
	// update before the reaper clears it.
	PendingRunTTL time.Duration `yaml:"pending_run_ttl"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// Default returns a configuration with all defaults applied.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			BaseURL:        "http://localhost:8080",
			Timeout:        30 * time.Second,
			SendsPerMinute: 30,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Stream: StreamConfig{
			BatchChars:      5,
			BatchDelay:      15 * time.Millisecond,
			PollInterval:    500 * time.Millisecond,
			HistoryPageSize: 100,
		},
		Cache: CacheConfig{
			Dir: defaultCacheDir(),
		},
		Maintenance: MaintenanceConfig{
			Enabled:       true,
			Schedule:      "@every 10m",
			PendingRunTTL: time.Hour,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

func defaultCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".parley"
	}
	return filepath.Join(home, ".parley", "cache")
}

// Load reads configuration from path, applying defaults for absent fields.
// A missing file is not an error; defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return cfg, fmt.Errorf("read config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// applyEnvOverrides lets environment variables win over file values for the
// settings that differ per deployment.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PARLEY_BACKEND_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("PARLEY_API_KEY"); v != "" {
		cfg.Backend.APIKey = v
	}
	if v := os.Getenv("PARLEY_CACHE_DIR"); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv("PARLEY_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
}

// Validate checks the configuration for values the core cannot run with.
func (c Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url must be set")
	}
	if c.Stream.BatchChars <= 0 {
		return fmt.Errorf("stream.batch_chars must be positive, got %d", c.Stream.BatchChars)
	}
	if c.Stream.BatchDelay < 0 {
		return fmt.Errorf("stream.batch_delay must not be negative")
	}
	if c.Stream.PollInterval <= 0 {
		return fmt.Errorf("stream.poll_interval must be positive")
	}
	if c.Stream.HistoryPageSize <= 0 {
		return fmt.Errorf("stream.history_page_size must be positive")
	}
	if c.Maintenance.Enabled && c.Maintenance.Schedule == "" {
		return fmt.Errorf("maintenance.schedule must be set when maintenance is enabled")
	}
	switch c.Logger.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logger.format must be text or json, got %q", c.Logger.Format)
	}
	return nil
}
