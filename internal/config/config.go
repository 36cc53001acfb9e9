// Package config loads clubroll settings from a YAML file, the environment
// and an optional .env file.
//
// Precedence, highest first: CLUBROLL_* environment variables (a .env file in
// the working directory is loaded into the environment first), the config
// file, built-in defaults. Keys nest with dots in the file and underscores in
// the environment, so sync.min_interval is CLUBROLL_SYNC_MIN_INTERVAL.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "CLUBROLL"

// Config is the full application configuration.
type Config struct {
	DB        DBConfig        `mapstructure:"db"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Log       LogConfig       `mapstructure:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

type DBConfig struct {
	Path string `mapstructure:"path"`
}

type RemoteConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

type AuthConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	TokenURL     string `mapstructure:"token_url"`
	RevokeURL    string `mapstructure:"revoke_url"`
}

type SyncConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	MinInterval   time.Duration `mapstructure:"min_interval"`
	RemoteTimeout time.Duration `mapstructure:"remote_timeout"`
}

type DaemonConfig struct {
	Debounce time.Duration `mapstructure:"debounce"`
}

type DashboardConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// File enables rotated file output when set.
	File string `mapstructure:"file"`
}

// Dir returns the per-user directory holding the config file and database.
func Dir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "clubroll")
	}
	return ".clubroll"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.path", filepath.Join(Dir(), "clubroll.db"))
	v.SetDefault("remote.url", "")
	v.SetDefault("remote.api_key", "")
	v.SetDefault("auth.client_id", "clubroll")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.token_url", "")
	v.SetDefault("auth.revoke_url", "")
	v.SetDefault("sync.interval", 5*time.Minute)
	v.SetDefault("sync.min_interval", 30*time.Second)
	v.SetDefault("sync.remote_timeout", 15*time.Second)
	v.SetDefault("daemon.debounce", 2*time.Second)
	v.SetDefault("dashboard.port", 8787)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}

// Load reads the configuration. An empty file means config.yaml in Dir or
// the working directory, and a missing default file is not an error.
func Load(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(Dir())
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would make components misbehave.
func (c *Config) Validate() error {
	if c.DB.Path == "" {
		return fmt.Errorf("db.path cannot be empty")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval)
	}
	if c.Sync.MinInterval < 0 {
		return fmt.Errorf("sync.min_interval cannot be negative, got %s", c.Sync.MinInterval)
	}
	if c.Sync.RemoteTimeout <= 0 {
		return fmt.Errorf("sync.remote_timeout must be positive, got %s", c.Sync.RemoteTimeout)
	}
	if c.Daemon.Debounce <= 0 {
		return fmt.Errorf("daemon.debounce must be positive, got %s", c.Daemon.Debounce)
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		return fmt.Errorf("dashboard.port out of range: %d", c.Dashboard.Port)
	}
	if c.Remote.URL != "" && c.Auth.TokenURL == "" {
		return fmt.Errorf("auth.token_url is required when remote.url is set")
	}
	return nil
}

// RemoteConfigured reports whether a backend is configured. Without one the
// app runs local-only.
func (c *Config) RemoteConfigured() bool {
	return c.Remote.URL != ""
}
