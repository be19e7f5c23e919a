// Package config loads YAML configuration for the enet-go binaries, with
// environment overrides under the ENET prefix.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/riyuzenn/enet-go/logging"
)

// Config is the root demo configuration.
type Config struct {
	// AppName is the logical name of this node.
	AppName string `mapstructure:"app_name"`

	// Listen is the serve address.
	Listen string `mapstructure:"listen"`

	// Engine selects the transport: quic or ws.
	Engine string `mapstructure:"engine"`

	// PeerLimit caps concurrent peers on the serving host.
	PeerLimit int `mapstructure:"peer_limit"`

	// Channels is the channel count offered on dial.
	Channels int `mapstructure:"channels"`

	// MetricsAddr serves Prometheus metrics when non-empty.
	MetricsAddr string `mapstructure:"metrics_addr"`

	// AcceptLimit caps accepted connections per remote host per second.
	// Zero disables limiting.
	AcceptLimit int `mapstructure:"accept_limit"`

	Log LogConfig `mapstructure:"log"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	Outputs     []string `mapstructure:"outputs"`
	Development bool     `mapstructure:"development"`

	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

// Logging converts the section into the logging package's config.
func (l LogConfig) Logging() logging.Config {
	cfg := logging.Config{
		Level:       l.Level,
		Format:      l.Format,
		Outputs:     l.Outputs,
		Development: l.Development,
	}
	if l.Rotation.Enable {
		cfg.Rotation = &logging.Rotation{
			MaxSizeMB:  l.Rotation.MaxSizeMB,
			MaxBackups: l.Rotation.MaxBackups,
			MaxAgeDays: l.Rotation.MaxAgeDays,
			Compress:   l.Rotation.Compress,
		}
	}
	return cfg
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	return &Config{
		AppName:     "enet-demo",
		Listen:      "127.0.0.1:9700",
		Engine:      "quic",
		PeerLimit:   64,
		Channels:    2,
		MetricsAddr: "",
		AcceptLimit: 0,
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
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

// Load reads configuration from path when non-empty, otherwise from common
// locations, with environment overrides. Environment variables use the
// ENET prefix with `.`/`-` replaced by `_`, e.g. ENET_LOG_LEVEL=debug.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("ENET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("app_name", cfg.AppName)
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("engine", cfg.Engine)
	v.SetDefault("peer_limit", cfg.PeerLimit)
	v.SetDefault("channels", cfg.Channels)
	v.SetDefault("metrics_addr", cfg.MetricsAddr)
	v.SetDefault("accept_limit", cfg.AcceptLimit)
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
		if envPath := os.Getenv("ENET_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("enet")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".enet"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
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
	switch strings.ToLower(strings.TrimSpace(c.Engine)) {
	case "quic", "ws":
	default:
		return fmt.Errorf("invalid engine: %q", c.Engine)
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}

	if c.Channels < 1 || c.Channels > 255 {
		return fmt.Errorf("channels must be between 1 and 255, got %d", c.Channels)
	}
	if c.PeerLimit < 1 {
		return fmt.Errorf("peer_limit must be positive, got %d", c.PeerLimit)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	return nil
}
