// Copyright (C) 2025 Arun Grover. All Rights Reserved.

// Package config loads configuration for daemons and tools built on the
// dispatch core, from a file, the environment, or both. The core library
// itself is configured with an Options struct and never reads files; this
// package exists for the programs wrapped around it.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for a dispatching server or tool.
type Config struct {
	Server ServerConfig `mapstructure:"server"`
	Retry  RetryConfig  `mapstructure:"retry"`
	Listen ListenConfig `mapstructure:"listen"`
	Log    LogConfig    `mapstructure:"log"`
}

// ServerConfig names this server and its place in a failover pair.
type ServerConfig struct {
	// Name is this server's own hostname.
	Name string `mapstructure:"name"`

	// Primary is the primary server's hostname when this server is the
	// standby half of a failover pair, empty otherwise.
	Primary string `mapstructure:"primary"`

	// DefaultPort is assumed for peer server names that carry no port.
	DefaultPort int `mapstructure:"default_port"`

	// ResolverCache bounds the cache of resolved peer addresses. Zero
	// selects the built-in default.
	ResolverCache int `mapstructure:"resolver_cache"`
}

// RetryConfig controls re-issue of requests to unreachable peer servers.
type RetryConfig struct {
	// Interval is the delay between delivery attempts.
	Interval time.Duration `mapstructure:"interval"`

	// Window bounds how long a request keeps retrying, measured from the
	// request's creation time.
	Window time.Duration `mapstructure:"window"`
}

// ListenConfig names the addresses a responder listens on.
type ListenConfig struct {
	// Direct is the host:port for plain stream connections.
	Direct string `mapstructure:"direct"`

	// Mux is the host:port for multiplexed links.
	Mux string `mapstructure:"mux"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level is the minimum level emitted: debug, info, warn, or error.
	Level string `mapstructure:"level"`

	// Format selects the encoding: console or json.
	Format string `mapstructure:"format"`

	// Outputs lists the sinks: stdout, stderr, or file paths.
	Outputs []string `mapstructure:"outputs"`

	// Rotation controls rotation of file outputs.
	Rotation RotationConfig `mapstructure:"rotation"`

	// Development enables development-friendly encoder settings.
	Development bool `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Default returns a Config populated with the same defaults the dispatch
// core applies when the corresponding option fields are left zero.
func Default() *Config {
	host, _ := os.Hostname()
	return &Config{
		Server: ServerConfig{
			Name:        host,
			DefaultPort: 15001,
		},
		Retry: RetryConfig{
			Interval: time.Minute,
			Window:   14 * 24 * time.Hour,
		},
		Listen: ListenConfig{
			Direct: ":15001",
			Mux:    ":15002",
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from the file at path. If path is empty, the
// PBS_CONFIG environment variable is consulted, and failing that the file
// is searched for under the name "pbspro" in the current directory,
// ./configs, and $HOME/.pbspro. A missing file is not an error unless path
// named it explicitly; defaults and environment overrides still apply.
//
// Environment variables use the prefix PBS, with "." and "-" replaced by
// "_"; for example PBS_LOG_LEVEL=debug overrides log.level.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("PBS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Seed every key so environment-only configurations decode.
	v.SetDefault("server.name", cfg.Server.Name)
	v.SetDefault("server.primary", cfg.Server.Primary)
	v.SetDefault("server.default_port", cfg.Server.DefaultPort)
	v.SetDefault("server.resolver_cache", cfg.Server.ResolverCache)
	v.SetDefault("retry.interval", cfg.Retry.Interval)
	v.SetDefault("retry.window", cfg.Retry.Window)
	v.SetDefault("listen.direct", cfg.Listen.Direct)
	v.SetDefault("listen.mux", cfg.Listen.Mux)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		path = os.Getenv("PBS_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("pbspro")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".pbspro"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "":
		c.Log.Level = "info"
	case "debug", "info", "warn", "warning", "error":
		// ok
	default:
		return fmt.Errorf("invalid log.level %q", c.Log.Level)
	}
	switch strings.ToLower(strings.TrimSpace(c.Log.Format)) {
	case "":
		c.Log.Format = "console"
	case "console", "json":
		// ok
	default:
		return fmt.Errorf("invalid log.format %q", c.Log.Format)
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	if c.Server.DefaultPort < 1 || c.Server.DefaultPort > 65535 {
		return fmt.Errorf("invalid server.default_port %d", c.Server.DefaultPort)
	}
	if c.Retry.Interval <= 0 {
		return fmt.Errorf("retry.interval must be positive (got %v)", c.Retry.Interval)
	}
	if c.Retry.Window < c.Retry.Interval {
		return fmt.Errorf("retry.window %v is shorter than retry.interval %v", c.Retry.Window, c.Retry.Interval)
	}
	return nil
}
