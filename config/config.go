// Package config loads zpool settings from a YAML or TOML file plus ZPOOL_* environment
// overrides, and turns them into pool wiring.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/evan-idocoding/zpool/rt/pool"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ZPOOL_"

const (
	ModePooled      = "pooled"
	ModeCooperative = "cooperative"
)

// Config is the process configuration.
type Config struct {
	Name            string `yaml:"name" toml:"name" env:"NAME"`
	Mode            string `yaml:"mode" toml:"mode" env:"MODE"` // pooled or cooperative
	MailboxCapacity int    `yaml:"mailbox_capacity" toml:"mailbox_capacity" env:"MAILBOX_CAPACITY"`
	CommandCapacity int    `yaml:"command_capacity" toml:"command_capacity" env:"COMMAND_CAPACITY"`
	Workers         int    `yaml:"workers" toml:"workers" env:"WORKERS"`
	NamePrefix      string `yaml:"name_prefix" toml:"name_prefix" env:"NAME_PREFIX"`
	LogLevel        string `yaml:"log_level" toml:"log_level" env:"LOG_LEVEL"`

	Admin AdminConfig `yaml:"admin" toml:"admin" envPrefix:"ADMIN_"`
}

// AdminConfig configures the diagnostics HTTP listener.
type AdminConfig struct {
	Addr string `yaml:"addr" toml:"addr" env:"ADDR"` // empty disables the listener
	// Tokens admit write endpoints (task cancel, log level set). Empty disables writes.
	Tokens []string `yaml:"tokens,omitempty" toml:"tokens,omitempty" env:"TOKENS" envSeparator:","`
	// ShutdownTimeout bounds the graceful drain on exit.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Name:            "zpool",
		Mode:            ModePooled,
		MailboxCapacity: 1,
		CommandCapacity: 4,
		Workers:         64,
		NamePrefix:      "task-",
		LogLevel:        "info",
		Admin: AdminConfig{
			Addr:            "127.0.0.1:8079",
			ShutdownTimeout: 30 * time.Second,
		},
	}
}

// Load reads the file at path (if non-empty) over Default, applies environment overrides
// and validates the result. The file format is chosen by extension: .yaml, .yml or .toml.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file extension %q", ext)
	}
	return nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Mode {
	case ModePooled, ModeCooperative:
	default:
		errs = append(errs, fmt.Errorf("mode: want %q or %q, got %q", ModePooled, ModeCooperative, c.Mode))
	}
	if c.MailboxCapacity <= 0 {
		errs = append(errs, fmt.Errorf("mailbox_capacity: must be > 0, got %d", c.MailboxCapacity))
	}
	if c.CommandCapacity <= 0 {
		errs = append(errs, fmt.Errorf("command_capacity: must be > 0, got %d", c.CommandCapacity))
	}
	if c.Mode == ModePooled && c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers: must be > 0 in pooled mode, got %d", c.Workers))
	}
	if c.Admin.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("admin.shutdown_timeout: must be >= 0, got %s", c.Admin.ShutdownTimeout))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return l, nil
}

// ManagerOptions returns the pool.Manager options described by c. extra is appended last,
// so it can override or add (logger, tracer).
func (c *Config) ManagerOptions(extra ...pool.Option) []pool.Option {
	opts := []pool.Option{
		pool.WithName(c.Name),
		pool.WithMailboxCapacity(c.MailboxCapacity),
		pool.WithCommandCapacity(c.CommandCapacity),
	}
	return append(opts, extra...)
}

// WorkerPoolOptions returns the pool.WorkerPool options described by c.
func (c *Config) WorkerPoolOptions(extra ...pool.WorkerPoolOption) []pool.WorkerPoolOption {
	opts := []pool.WorkerPoolOption{
		pool.WithWorkers(c.Workers),
		pool.WithNamePrefix(c.NamePrefix),
	}
	return append(opts, extra...)
}

// Strategy returns the execution strategy for c.Mode. In pooled mode it also returns the
// WorkerPool it created; the caller owns it and must Close it after the Manager.
func (c *Config) Strategy(extra ...pool.WorkerPoolOption) (pool.Strategy, *pool.WorkerPool) {
	if c.Mode == ModeCooperative {
		return pool.Cooperative{}, nil
	}
	wp := pool.NewWorkerPool(c.WorkerPoolOptions(extra...)...)
	return pool.Pooled{Executor: wp}, wp
}
