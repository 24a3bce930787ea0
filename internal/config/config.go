// Package config loads engine configuration from a YAML file with
// environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aegis-av/aegis/internal/logging"
)

// Config holds all engine configuration.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Rules      RulesConfig      `yaml:"rules"`
	Scanner    ScannerConfig    `yaml:"scanner"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Quarantine QuarantineConfig `yaml:"quarantine"`
	Logging    logging.Config   `yaml:"logging"`
}

// DatabaseConfig holds the signature catalog location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RulesConfig holds the compiled rule-set location.
type RulesConfig struct {
	Path string `yaml:"path"`
}

// ScannerConfig holds detection-cascade tuning.
type ScannerConfig struct {
	Exclusions        []string `yaml:"exclusions"`
	TrustedPublishers []string `yaml:"trusted_publishers"`
	FullScan          bool     `yaml:"full_scan"`
	ThrottleDuty      float64  `yaml:"throttle_duty"`
	ThrottleMaxSleepMS int     `yaml:"throttle_max_sleep_ms"`
}

// MonitorConfig holds realtime-monitoring settings.
type MonitorConfig struct {
	// WatchPaths is one or more directory roots separated by ';' or '|'.
	WatchPaths string `yaml:"watch_paths"`
	DebounceMS int    `yaml:"debounce_ms"`
}

// QuarantineConfig holds the repository location; size limits live in
// the catalog's db_info table.
type QuarantineConfig struct {
	Folder string `yaml:"folder"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{
			Path: "/var/lib/aegis/signatures.db",
		},
		Rules: RulesConfig{
			Path: "/var/lib/aegis/rules.yaml",
		},
		Scanner: ScannerConfig{
			ThrottleDuty:       0.5,
			ThrottleMaxSleepMS: 500,
		},
		Monitor: MonitorConfig{
			DebounceMS: 800,
		},
		Quarantine: QuarantineConfig{
			Folder: "/var/lib/aegis/quarantine",
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load reads config from a YAML file (if it exists) and overrides with
// environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: config path is operator-supplied
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, c)
}

func (c *Config) loadFromEnv() {
	if v := os.Getenv("AEGIS_DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("AEGIS_RULES_PATH"); v != "" {
		c.Rules.Path = v
	}
	if v := os.Getenv("AEGIS_WATCH_PATHS"); v != "" {
		c.Monitor.WatchPaths = v
	}
	if v := os.Getenv("AEGIS_QUARANTINE_PATH"); v != "" {
		c.Quarantine.Folder = v
	}
	if v := os.Getenv("AEGIS_FULL_SCAN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Scanner.FullScan = b
		}
	}
	if v := os.Getenv("AEGIS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AEGIS_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("AEGIS_LOG_FILE"); v != "" {
		c.Logging.FilePath = v
	}
}

func (c *Config) validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Rules.Path == "" {
		return fmt.Errorf("rules path is required")
	}
	if c.Scanner.ThrottleDuty < 0 || c.Scanner.ThrottleDuty >= 1 {
		return fmt.Errorf("throttle duty must be in [0, 1): %v", c.Scanner.ThrottleDuty)
	}
	if c.Scanner.ThrottleMaxSleepMS < 0 {
		return fmt.Errorf("throttle max sleep must be non-negative: %d", c.Scanner.ThrottleMaxSleepMS)
	}
	if c.Monitor.DebounceMS <= 0 {
		return fmt.Errorf("debounce must be positive: %d", c.Monitor.DebounceMS)
	}
	if !logging.ValidLevel(c.Logging.Level) {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if !logging.ValidFormat(c.Logging.Format) {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	return nil
}

// Debounce returns the monitor debounce threshold as a duration.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Monitor.DebounceMS) * time.Millisecond
}

// ThrottleMaxSleep returns the scanner throttle cap as a duration.
func (c *Config) ThrottleMaxSleep() time.Duration {
	return time.Duration(c.Scanner.ThrottleMaxSleepMS) * time.Millisecond
}
