// ABOUTME: Configuration loading and parsing for coven-vault
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-vault configuration
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Pool      PoolConfig      `yaml:"pool"`
	Repair    RepairConfig    `yaml:"repair"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// StorageConfig holds the shared container directories and keyring location.
// DataDir holds one encrypted store per identity; LockDir holds the
// zero-byte coordination files and must be distinct from DataDir.
type StorageConfig struct {
	DataDir     string `yaml:"data_dir"`
	LockDir     string `yaml:"lock_dir"`
	KeyringPath string `yaml:"keyring_path"`
}

// PoolConfig holds connection pool tunables
type PoolConfig struct {
	MaxReaders int `yaml:"max_readers"`

	BusyTimeout  time.Duration `yaml:"-"`
	DrainTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	BusyTimeoutRaw  string `yaml:"busy_timeout"`
	DrainTimeoutRaw string `yaml:"drain_timeout"`
}

// RepairConfig holds the progressive repair escalation tunables
type RepairConfig struct {
	TransientStep  time.Duration `yaml:"-"`
	TransientBound time.Duration `yaml:"-"`
	CooldownBase   time.Duration `yaml:"-"`
	CooldownCap    time.Duration `yaml:"-"`

	TransientStepRaw  string `yaml:"transient_step"`
	TransientBoundRaw string `yaml:"transient_bound"`
	CooldownBaseRaw   string `yaml:"cooldown_base"`
	CooldownCapRaw    string `yaml:"cooldown_cap"`
}

// RetentionConfig selects a named preset or a custom retention triple.
// When Preset is set, the custom fields are ignored.
type RetentionConfig struct {
	Preset          string `yaml:"preset"`
	PurgeCiphertext bool   `yaml:"purge_ciphertext"`

	RetentionPeriod time.Duration `yaml:"-"`
	CleanupInterval time.Duration `yaml:"-"`

	RetentionPeriodRaw string `yaml:"retention_period"`
	CleanupIntervalRaw string `yaml:"cleanup_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Storage.LockDir == "" {
		return fmt.Errorf("storage.lock_dir is required")
	}
	if c.Storage.LockDir == c.Storage.DataDir {
		return fmt.Errorf("storage.lock_dir must be distinct from storage.data_dir")
	}
	if c.Storage.KeyringPath == "" {
		return fmt.Errorf("storage.keyring_path is required")
	}
	if c.Retention.Preset != "" {
		switch c.Retention.Preset {
		case "standard", "strict", "extended", "unbounded":
		default:
			return fmt.Errorf("unknown retention preset %q", c.Retention.Preset)
		}
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cfg.Pool.BusyTimeoutRaw, &cfg.Pool.BusyTimeout, "pool.busy_timeout"},
		{cfg.Pool.DrainTimeoutRaw, &cfg.Pool.DrainTimeout, "pool.drain_timeout"},
		{cfg.Repair.TransientStepRaw, &cfg.Repair.TransientStep, "repair.transient_step"},
		{cfg.Repair.TransientBoundRaw, &cfg.Repair.TransientBound, "repair.transient_bound"},
		{cfg.Repair.CooldownBaseRaw, &cfg.Repair.CooldownBase, "repair.cooldown_base"},
		{cfg.Repair.CooldownCapRaw, &cfg.Repair.CooldownCap, "repair.cooldown_cap"},
		{cfg.Retention.RetentionPeriodRaw, &cfg.Retention.RetentionPeriod, "retention.retention_period"},
		{cfg.Retention.CleanupIntervalRaw, &cfg.Retention.CleanupInterval, "retention.cleanup_interval"},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
