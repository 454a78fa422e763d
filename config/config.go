package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "stderr", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// TracingConfig holds configuration for distributed tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // e.g., "localhost:4317" for gRPC OTLP collector
	Protocol string `yaml:"protocol"` // "grpc" or "http"
}

// BackendConfig selects and configures the analytical backend.
type BackendConfig struct {
	Type              string `yaml:"type"` // "http" or "memory"
	URL               string `yaml:"url"`
	Dataset           string `yaml:"dataset"`
	Timeout           string `yaml:"timeout"`
	Compression       string `yaml:"compression"` // "none", "snappy", "lz4" or "zstd"
	HedgeRequestsAt   string `yaml:"hedge_requests_at"`
	HedgeRequestsUpTo int    `yaml:"hedge_requests_up_to"`
	// EventsFile seeds the memory backend, as a JSON array or one event per line.
	EventsFile string `yaml:"events_file"`
}

// DiscoverConfig holds the engine's runtime options.
type DiscoverConfig struct {
	SamplingEnabled    bool   `yaml:"sampling_enabled"`
	MaxTagsToCombine   int    `yaml:"max_tags_to_combine"`
	SlowQueryThreshold string `yaml:"slow_query_threshold"`
	IssueCacheSize     int    `yaml:"issue_cache_size"`
	PublishMetrics     bool   `yaml:"publish_metrics"`
	// IssueShortIDs maps issue ids to the short ids shown for the issue column.
	IssueShortIDs map[uint64]string `yaml:"issue_short_ids"`
}

// CLIConfig holds command line runner options.
type CLIConfig struct {
	MaxConcurrency int `yaml:"max_concurrency"`
}

// Config is the top-level configuration struct.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Backend  BackendConfig  `yaml:"backend"`
	Discover DiscoverConfig `yaml:"discover"`
	CLI      CLIConfig      `yaml:"cli"`
}

// ParseDuration parses a duration string. Returns the default duration if the string is empty or invalid.
// Logs a warning if the string is invalid but not empty.
func ParseDuration(durationStr string, defaultDuration time.Duration, logger *slog.Logger) time.Duration {
	if durationStr == "" || durationStr == "0" {
		return defaultDuration
	}
	d, err := time.ParseDuration(durationStr)
	if err != nil {
		if logger != nil {
			logger.Warn("Invalid duration format, using default", "input", durationStr, "default", defaultDuration.String(), "error", err)
		}
		return defaultDuration
	}
	return d
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stderr",
			File:   "discover.log",
		},
		Tracing: TracingConfig{
			Enabled:  false,
			Endpoint: "localhost:4317",
			Protocol: "grpc",
		},
		Backend: BackendConfig{
			Type:              "memory",
			URL:               "http://localhost:1218",
			Dataset:           "discover",
			Timeout:           "30s",
			Compression:       "none",
			HedgeRequestsAt:   "",
			HedgeRequestsUpTo: 2,
		},
		Discover: DiscoverConfig{
			SamplingEnabled:    false,
			MaxTagsToCombine:   3,
			SlowQueryThreshold: "5s",
			IssueCacheSize:     1024,
		},
		CLI: CLIConfig{
			MaxConcurrency: 4,
		},
	}
}

// Load reads configuration from an io.Reader, overlaying it on the defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := Default()

	// A nil reader is like an empty file.
	if r == nil {
		return cfg, nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	switch c.Backend.Type {
	case "http":
		if c.Backend.URL == "" {
			return fmt.Errorf("backend.url is required for the http backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown backend.type %q", c.Backend.Type)
	}
	if c.Discover.MaxTagsToCombine < 0 {
		return fmt.Errorf("discover.max_tags_to_combine must not be negative, got %d", c.Discover.MaxTagsToCombine)
	}
	if c.CLI.MaxConcurrency < 1 {
		return fmt.Errorf("cli.max_concurrency must be at least 1, got %d", c.CLI.MaxConcurrency)
	}
	return nil
}

// LoadConfig reads configuration from a YAML file by path.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			// If file doesn't exist, return default config by calling Load with a nil reader.
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// OptionStore holds the runtime options the discover engine reads on every
// call. It can be updated while the engine is serving.
type OptionStore struct {
	sampling atomic.Bool
	maxTags  atomic.Int64
}

// NewOptionStore creates a store seeded from cfg.
func NewOptionStore(cfg DiscoverConfig) *OptionStore {
	s := &OptionStore{}
	s.Update(cfg)
	return s
}

// Update replaces the options with the ones of cfg.
func (s *OptionStore) Update(cfg DiscoverConfig) {
	s.sampling.Store(cfg.SamplingEnabled)
	s.maxTags.Store(int64(cfg.MaxTagsToCombine))
}

func (s *OptionStore) SetSamplingEnabled(enabled bool) { s.sampling.Store(enabled) }
func (s *OptionStore) SetMaxTagsToCombine(n int)       { s.maxTags.Store(int64(n)) }

// SamplingEnabled reports whether facet queries may be sampled.
func (s *OptionStore) SamplingEnabled() bool { return s.sampling.Load() }

// MaxTagsToCombine is the number of least frequent facet tags fetched with
// a single combined query.
func (s *OptionStore) MaxTagsToCombine() int { return int(s.maxTags.Load()) }
