// Package config provides configuration management for pollhttp.
// It uses Viper for loading configuration from files, environment
// variables, and command-line flags with sensible defaults.
package config

import (
	"crypto/tls"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for pollhttp.
type Config struct {
	Client  ClientConfig  `mapstructure:"client"`
	TLS     TLSConfig     `mapstructure:"tls"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ClientConfig holds settings for the polling client.
type ClientConfig struct {
	// Bytes attempted per receive per tick
	ChunkSize int `mapstructure:"chunk_size"`
	// Cadence the CLI drives Client.Update at; the library itself does
	// not enforce a tick interval
	TickInterval time.Duration `mapstructure:"tick_interval"`
	// Maximum concurrent requests the CLI keeps in flight (0 = unlimited)
	MaxInFlight int `mapstructure:"max_in_flight"`
}

// TLSConfig holds TLS negotiation settings.
type TLSConfig struct {
	// Skip peer certificate verification. On by default; turn off to
	// verify the peer.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`
	// Minimum protocol version: "1.2" or "1.3"
	MinVersion string `mapstructure:"min_version"`
}

// LoggingConfig holds configuration for logging.
type LoggingConfig struct {
	// Log level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Log file (empty = stderr only)
	File string `mapstructure:"file"`
}

// MinVersionNum maps the configured minimum TLS version string to the
// crypto/tls constant, defaulting to TLS 1.2.
func (t TLSConfig) MinVersionNum() (uint16, error) {
	switch t.MinVersion {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported tls min_version %q", t.MinVersion)
	}
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Client: ClientConfig{
			ChunkSize:    8192,
			TickInterval: 50 * time.Millisecond,
			MaxInFlight:  0,
		},
		TLS: TLSConfig{
			InsecureSkipVerify: true,
			MinVersion:         "1.2",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
	}
}

// global holds the global configuration instance.
var global *Config

// Global returns the global configuration instance.
func Global() *Config {
	if global == nil {
		global = DefaultConfig()
	}
	return global
}

// SetGlobal sets the global configuration instance.
func SetGlobal(cfg *Config) {
	global = cfg
}

// Load loads configuration from file and environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	homeDir, _ := os.UserHomeDir()
	v.AddConfigPath(filepath.Join(homeDir, ".config", "pollhttp"))
	v.AddConfigPath("/etc/pollhttp")
	v.AddConfigPath(".")

	v.SetEnvPrefix("POLLHTTP")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; defaults apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// LoadFromFile loads configuration from a specific file.
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// setDefaults registers default values with viper.
func setDefaults(v *viper.Viper) {
	def := DefaultConfig()

	v.SetDefault("client.chunk_size", def.Client.ChunkSize)
	v.SetDefault("client.tick_interval", def.Client.TickInterval)
	v.SetDefault("client.max_in_flight", def.Client.MaxInFlight)

	v.SetDefault("tls.insecure_skip_verify", def.TLS.InsecureSkipVerify)
	v.SetDefault("tls.min_version", def.TLS.MinVersion)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.file", def.Logging.File)
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "pollhttp", "config.yaml")
}
