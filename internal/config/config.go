package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "STREAMPROBE_"

// Config is the full engine configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Probe     ProbeConfig     `koanf:"probe"`
	Scheduler SchedulerConfig `koanf:"scheduler"`
	Scanner   ScannerConfig   `koanf:"scanner"`
	Database  DatabaseConfig  `koanf:"database"`
	NATS      NATSConfig      `koanf:"nats"`
	Logger    LoggerConfig    `koanf:"logger"`
}

// ServerConfig points at the media server under test.
type ServerConfig struct {
	URL     string        `koanf:"url"`
	APIKey  string        `koanf:"api_key"`
	Timeout time.Duration `koanf:"timeout"`
}

// ProbeConfig controls probe execution and pool scheduling.
type ProbeConfig struct {
	// Duration each probe keeps downloading segments
	Duration time.Duration `koanf:"duration"`
	// MaxParallel probes executing or start-scheduled at once, clamped to [1,10]
	MaxParallel int `koanf:"max_parallel"`
	// SpreadStartOver spreads batch starts over this window; zero derives
	// the window from Duration
	SpreadStartOver time.Duration `koanf:"spread_start_over"`
}

// SchedulerConfig controls the recurrence scheduler.
type SchedulerConfig struct {
	Enabled      bool          `koanf:"enabled"`
	TickInterval time.Duration `koanf:"tick_interval"`
}

// ScannerConfig controls the library new-item scanner.
type ScannerConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Interval   time.Duration `koanf:"interval"`
	LibraryIDs []string      `koanf:"library_ids"`
}

// DatabaseConfig selects the storage backend.
type DatabaseConfig struct {
	// Driver is "sqlite" or "postgres"
	Driver string `koanf:"driver"`
	// DSN is a file path for sqlite or a connection string for postgres
	DSN string `koanf:"dsn"`
}

// NATSConfig controls the optional outbound event mirror.
type NATSConfig struct {
	Enabled       bool   `koanf:"enabled"`
	URL           string `koanf:"url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// LoggerConfig controls log output.
type LoggerConfig struct {
	Level       string `koanf:"level"`
	Development bool   `koanf:"development"`
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Timeout: 30 * time.Second,
		},
		Probe: ProbeConfig{
			Duration:    30 * time.Second,
			MaxParallel: 1,
		},
		Scheduler: SchedulerConfig{
			Enabled:      true,
			TickInterval: 30 * time.Second,
		},
		Scanner: ScannerConfig{
			Interval: 5 * time.Minute,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "streamprobe.db",
		},
		NATS: NATSConfig{
			SubjectPrefix: "streamprobe",
		},
		Logger: LoggerConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// STREAMPROBE_* environment variables, in that order of precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	cfg := Default()

	if err := k.Load(structs.Provider(cfg, "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	// STREAMPROBE_SERVER_URL -> server.url
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	if c.Server.APIKey == "" {
		return fmt.Errorf("server.api_key is required")
	}
	if c.Probe.Duration <= 0 {
		return fmt.Errorf("probe.duration must be positive")
	}
	if c.Probe.MaxParallel < 1 || c.Probe.MaxParallel > 10 {
		return fmt.Errorf("probe.max_parallel must be in [1,10]")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when the event mirror is enabled")
	}
	return nil
}
