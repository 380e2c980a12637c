package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML duration strings
// such as "30s" or "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the top-level application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store"`
	Backend   BackendConfig   `yaml:"backend"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Queue     QueueConfig     `yaml:"queue"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// StoreConfig holds the durable store settings.
type StoreConfig struct {
	Path string `yaml:"path"` // SQLite database file
}

// BackendConfig holds execution backend settings.
type BackendConfig struct {
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"` // transport timeout, independent of per-schedule timeout_ms

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures the circuit breaker in front of the backend.
type BreakerConfig struct {
	MaxFailures uint32   `yaml:"max_failures"` // consecutive failures before the circuit opens
	OpenFor     Duration `yaml:"open_for"`     // how long the circuit stays open
	Interval    Duration `yaml:"interval"`     // closed-state cycle for clearing failure counts
}

// SchedulerConfig holds trigger registry settings.
type SchedulerConfig struct {
	SweepInterval Duration `yaml:"sweep_interval"` // default 60s
}

// QueueConfig holds task queue settings.
type QueueConfig struct {
	MaxConcurrent  int      `yaml:"max_concurrent"`   // default 1, strict sequential
	TickInterval   Duration `yaml:"tick_interval"`    // default 1s
	BaseRetryDelay Duration `yaml:"base_retry_delay"` // default 5s, doubles per attempt
}

// DeliveryConfig holds per-channel transport credentials.
type DeliveryConfig struct {
	Slack   SlackConfig   `yaml:"slack"`
	Discord DiscordConfig `yaml:"discord"`
}

// SlackConfig holds Slack delivery settings.
type SlackConfig struct {
	BotToken string `yaml:"bot_token"`
}

// DiscordConfig holds Discord delivery settings.
type DiscordConfig struct {
	BotToken string `yaml:"bot_token"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// Load reads, parses, and validates a YAML config file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config with all defaults applied.
func Default() *Config {
	return &Config{
		Store: StoreConfig{Path: "taskmill.db"},
		Backend: BackendConfig{
			Timeout: Duration(5 * time.Minute),
			Breaker: BreakerConfig{
				MaxFailures: 5,
				OpenFor:     Duration(30 * time.Second),
				Interval:    Duration(60 * time.Second),
			},
		},
		Scheduler: SchedulerConfig{SweepInterval: Duration(60 * time.Second)},
		Queue: QueueConfig{
			MaxConcurrent:  1,
			TickInterval:   Duration(time.Second),
			BaseRetryDelay: Duration(5 * time.Second),
		},
		Logger: LoggerConfig{Level: "info", Format: "text", Output: "stderr"},
		Tracer: TracerConfig{Exporter: "noop"},
	}
}

// Validate checks invariants that zero values cannot express.
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("config: backend.url is required")
	}
	if c.Queue.MaxConcurrent < 1 {
		return fmt.Errorf("config: queue.max_concurrent must be >= 1, got %d", c.Queue.MaxConcurrent)
	}
	if c.Queue.TickInterval <= 0 {
		return fmt.Errorf("config: queue.tick_interval must be positive")
	}
	if c.Queue.BaseRetryDelay <= 0 {
		return fmt.Errorf("config: queue.base_retry_delay must be positive")
	}
	if c.Scheduler.SweepInterval <= 0 {
		return fmt.Errorf("config: scheduler.sweep_interval must be positive")
	}
	return nil
}
