// Package config loads engine configuration from defaults, an optional YAML
// file and FLUXETL_* environment variables, and parses pipeline files.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/petrijr/fluxetl/internal/memory"
)

// EnvPrefix prefixes every environment override, e.g. FLUXETL_STATE_DIR.
const EnvPrefix = "FLUXETL"

// Storage backends.
const (
	BackendFile   = "file"
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config is the process-level configuration of an engine.
type Config struct {
	Backend       string         `mapstructure:"backend"`
	StateDir      string         `mapstructure:"state_dir"`
	SQLiteDSN     string         `mapstructure:"sqlite_dsn"`
	RedisAddr     string         `mapstructure:"redis_addr"`
	RedisPrefix   string         `mapstructure:"redis_prefix"`
	Driver        string         `mapstructure:"driver"`
	DriverConfig  map[string]any `mapstructure:"driver_config"`
	MemoryLimit   string         `mapstructure:"memory_limit"`
	Retention     time.Duration  `mapstructure:"retention"`
	SweepInterval time.Duration  `mapstructure:"sweep_interval"`
	LenientSteps  bool           `mapstructure:"lenient_steps"`
	Steps         []string       `mapstructure:"steps"`
	LogLevel      string         `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("backend", BackendFile)
	v.SetDefault("state_dir", ".fluxetl")
	v.SetDefault("sqlite_dsn", "fluxetl.db")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_prefix", "fluxetl:")
	v.SetDefault("driver", "sqlite")
	v.SetDefault("driver_config", map[string]any{})
	v.SetDefault("memory_limit", "")
	v.SetDefault("retention", 24*time.Hour)
	v.SetDefault("sweep_interval", 10*time.Minute)
	v.SetDefault("lenient_steps", false)
	v.SetDefault("steps", []string{})
	v.SetDefault("log_level", "info")
}

// Load reads the configuration. path may be empty, in which case only
// defaults and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field values that the engine would otherwise reject later.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendFile:
		if c.StateDir == "" {
			errs = append(errs, errors.New("state_dir is required for the file backend"))
		}
	case BackendSQLite:
		if c.SQLiteDSN == "" {
			errs = append(errs, errors.New("sqlite_dsn is required for the sqlite backend"))
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("redis_addr is required for the redis backend"))
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if _, err := memory.ParseLimit(c.MemoryLimit); err != nil {
		errs = append(errs, err)
	}
	if c.Retention < 0 {
		errs = append(errs, fmt.Errorf("retention must not be negative, got %s", c.Retention))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel maps log_level to a slog.Level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if c.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// Pipeline is a pipeline file: the steps to run and the options passed to
// Process.
//
//	name: people
//	steps: [validate, detect_delimiter, parse_headers, import_rows]
//	options:
//	  batch_size: 1000
type Pipeline struct {
	Name    string         `yaml:"name"`
	Steps   []string       `yaml:"steps"`
	Options map[string]any `yaml:"options"`
}

// ParsePipeline parses YAML bytes into a Pipeline.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline: %w", err)
	}
	if len(p.Steps) == 0 {
		return nil, errors.New("pipeline declares no steps")
	}
	if p.Options == nil {
		p.Options = map[string]any{}
	}
	return &p, nil
}

// LoadPipeline reads and parses the pipeline file at path.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline file: %w", err)
	}
	return ParsePipeline(data)
}
