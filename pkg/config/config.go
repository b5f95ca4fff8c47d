// Package config provides YAML-based configuration loading for vdispatch.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root application configuration shared by the proxy,
// worker and control binaries. Each binary reads only its section.
type Config struct {
	// AppName optional logical name of the node/application
	AppName string `mapstructure:"app_name"`

	// Proxy holds broker endpoint configuration
	Proxy ProxyConfig `mapstructure:"proxy"`

	// Worker holds worker manager configuration
	Worker WorkerConfig `mapstructure:"worker"`

	// Cache holds per-worker result cache settings
	Cache CacheConfig `mapstructure:"cache"`

	// Log holds logging configuration
	Log LogConfig `mapstructure:"log"`
}

// ProxyConfig defines the three broker endpoints.
type ProxyConfig struct {
	// Frontend is the endpoint clients connect to
	Frontend string `mapstructure:"frontend"`
	// Backend is the endpoint workers connect to
	Backend string `mapstructure:"backend"`
	// Mgmt is the management endpoint for status/shutdown
	Mgmt string `mapstructure:"mgmt"`
}

// WorkerConfig defines worker manager settings.
type WorkerConfig struct {
	// Proxy is the broker backend endpoint agents connect to
	Proxy string `mapstructure:"proxy"`
	// Mgmt is the management endpoint for status/shutdown
	Mgmt string `mapstructure:"mgmt"`
	// Concurrency is the number of agent processes; 0 means NumCPU
	Concurrency int `mapstructure:"concurrency"`
	// Connectors is the path to the connector credentials database
	Connectors string `mapstructure:"connectors"`
	// GraceTimeoutMS is how long agents get to exit before SIGKILL
	GraceTimeoutMS int `mapstructure:"grace_timeout_ms"`
	// RestartDead controls whether dead agent processes are respawned
	RestartDead bool `mapstructure:"restart_dead"`
}

// CacheConfig defines per-agent result cache settings.
type CacheConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// MaxSize bounds the number of cached entries; 0 means unbounded
	MaxSize int `mapstructure:"maxsize"`
	// TTLSeconds is the entry lifetime
	TTLSeconds int `mapstructure:"ttl"`
	// HousekeepingSeconds is the interval between expiry sweeps
	HousekeepingSeconds int `mapstructure:"housekeeping"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls file rotation when writing to files
	Rotation RotationConfig `mapstructure:"rotation"`
	// Development toggles development-friendly logging options
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs. Rotation
// applies to each file output in place.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName: "vdispatch",
		Proxy: ProxyConfig{
			Frontend: "tcp://0.0.0.0:10123",
			Backend:  "tcp://0.0.0.0:10124",
			Mgmt:     "tcp://0.0.0.0:9999",
		},
		Worker: WorkerConfig{
			Proxy:          "tcp://localhost:10124",
			Mgmt:           "tcp://0.0.0.0:10000",
			Concurrency:    0,
			Connectors:     "/var/lib/vdispatch/connectors.db",
			GraceTimeoutMS: 3000,
			RestartDead:    true,
		},
		Cache: CacheConfig{
			Enabled:             true,
			MaxSize:             0,
			TTLSeconds:          300,
			HousekeepingSeconds: 480,
		},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: false,
			Rotation: RotationConfig{
				Enable:     false,
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix VDISPATCH and `.`/`-` are replaced
// with `_`. Example: VDISPATCH_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("VDISPATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults for viper so env-only configs work
	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("proxy.frontend", cfg.Proxy.Frontend)
	v.SetDefault("proxy.backend", cfg.Proxy.Backend)
	v.SetDefault("proxy.mgmt", cfg.Proxy.Mgmt)
	v.SetDefault("worker.proxy", cfg.Worker.Proxy)
	v.SetDefault("worker.mgmt", cfg.Worker.Mgmt)
	v.SetDefault("worker.concurrency", cfg.Worker.Concurrency)
	v.SetDefault("worker.connectors", cfg.Worker.Connectors)
	v.SetDefault("worker.grace_timeout_ms", cfg.Worker.GraceTimeoutMS)
	v.SetDefault("worker.restart_dead", cfg.Worker.RestartDead)
	v.SetDefault("cache.enabled", cfg.Cache.Enabled)
	v.SetDefault("cache.maxsize", cfg.Cache.MaxSize)
	v.SetDefault("cache.ttl", cfg.Cache.TTLSeconds)
	v.SetDefault("cache.housekeeping", cfg.Cache.HousekeepingSeconds)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	// Choose config file
	if path == "" {
		// Allow override via env var
		if envPath := os.Getenv("VDISPATCH_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		// Search common locations with base name `vdispatch`
		v.SetConfigName("vdispatch")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/vdispatch")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".vdispatch"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	if c.Worker.Concurrency < 0 {
		return fmt.Errorf("invalid worker.concurrency: %d", c.Worker.Concurrency)
	}
	if c.Cache.TTLSeconds < 0 || c.Cache.HousekeepingSeconds < 0 {
		return errors.New("cache ttl and housekeeping must not be negative")
	}
	if c.Cache.MaxSize < 0 {
		return fmt.Errorf("invalid cache.maxsize: %d", c.Cache.MaxSize)
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
