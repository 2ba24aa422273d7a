// Package config loads the engine configuration file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fentz26/conduit/internal/scheduler"
	"gopkg.in/yaml.v3"
)

// Config holds the engine configuration.
type Config struct {
	// Database is the SQLite file holding runs, cache entries and audit records.
	Database string `yaml:"database"`
	// Listen is the control plane address used by the daemon.
	Listen string `yaml:"listen"`
	// Pipelines is the directory pipeline definitions are loaded from.
	Pipelines string `yaml:"pipelines"`
	// Workspace is the working directory actions run in.
	Workspace string `yaml:"workspace"`
	// MaxParallelJobs bounds concurrently running jobs within one run.
	MaxParallelJobs int `yaml:"max-parallel-jobs"`
	// JobTimeout applies to jobs that declare no timeout of their own.
	JobTimeout time.Duration `yaml:"job-timeout"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log-level"`

	Slots   scheduler.Config `yaml:"slots"`
	Cache   CacheConfig      `yaml:"cache"`
	Secrets SecretsConfig    `yaml:"secrets"`
	Exec    ExecConfig       `yaml:"exec"`
}

// CacheConfig selects the cache store.
type CacheConfig struct {
	// Backend is memory, sqlite or s3.
	Backend string `yaml:"backend"`
	Bucket  string `yaml:"bucket,omitempty"`
	Prefix  string `yaml:"prefix,omitempty"`
	Region  string `yaml:"region,omitempty"`
	// MaxAge evicts sqlite entries older than this at daemon start. Zero
	// keeps everything.
	MaxAge time.Duration `yaml:"max-age,omitempty"`
}

// SecretsConfig selects the secret provider.
type SecretsConfig struct {
	// Backend is env or age.
	Backend string `yaml:"backend"`
	// Prefix is prepended to secret names for the env backend.
	Prefix   string `yaml:"prefix,omitempty"`
	File     string `yaml:"file,omitempty"`
	Identity string `yaml:"identity,omitempty"`
}

// ExecConfig configures the local action runner.
type ExecConfig struct {
	Shell     []string            `yaml:"shell,omitempty"`
	Allowlist map[string][]string `yaml:"allowlist,omitempty"`
	// Actions maps uses: names to the scripts that implement them.
	Actions map[string]string `yaml:"actions,omitempty"`
}

// Dir returns ~/.conduit, or .conduit when the home directory is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".conduit"
	}
	return filepath.Join(home, ".conduit")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Database:        filepath.Join(Dir(), "conduit.db"),
		Listen:          "127.0.0.1:7466",
		Pipelines:       ".conduit/pipelines",
		Workspace:       ".",
		MaxParallelJobs: 4,
		JobTimeout:      360 * time.Minute,
		LogLevel:        "info",
		Slots:           *scheduler.DefaultConfig(),
		Cache: CacheConfig{
			Backend: "sqlite",
		},
		Secrets: SecretsConfig{
			Backend: "env",
			Prefix:  "CONDUIT_SECRET_",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Save writes configuration to a YAML file, creating parent directories if
// needed.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.MaxParallelJobs < 1 {
		return fmt.Errorf("max-parallel-jobs must be at least 1")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job-timeout must be positive")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if err := c.Slots.Validate(); err != nil {
		return fmt.Errorf("slots: %w", err)
	}

	switch c.Cache.Backend {
	case "memory", "sqlite":
	case "s3":
		if c.Cache.Bucket == "" {
			return fmt.Errorf("cache: s3 backend needs a bucket")
		}
	default:
		return fmt.Errorf("cache: invalid backend %q, must be: memory, sqlite, or s3", c.Cache.Backend)
	}
	if c.Cache.MaxAge < 0 {
		return fmt.Errorf("cache: max-age cannot be negative")
	}

	switch c.Secrets.Backend {
	case "env":
	case "age":
		if c.Secrets.File == "" || c.Secrets.Identity == "" {
			return fmt.Errorf("secrets: age backend needs file and identity")
		}
	default:
		return fmt.Errorf("secrets: invalid backend %q, must be: env or age", c.Secrets.Backend)
	}

	if len(c.Exec.Shell) == 1 && strings.TrimSpace(c.Exec.Shell[0]) == "" {
		return fmt.Errorf("exec: shell cannot be empty")
	}
	return nil
}

// ParseLevel maps a log-level name to a slog level.
func ParseLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return 0, fmt.Errorf("invalid log-level %q, must be: debug, info, warn, or error", name)
	}
	return level, nil
}
