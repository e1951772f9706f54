// Package config loads the daemon configuration from a YAML file with
// sensible defaults for every key, so an empty or missing file yields a
// runnable configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete daemon configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Notifier NotifierConfig `mapstructure:"notifier"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

type ServerConfig struct {
	HTTPPort    int    `mapstructure:"http_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
	BindAddress string `mapstructure:"bind_address"`
}

type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// EngineConfig tunes the accounting engine.
type EngineConfig struct {
	IncrementSeconds         int64  `mapstructure:"increment_seconds"`
	AggregationWindowSeconds int64  `mapstructure:"aggregation_window_seconds"`
	SelfHealInterval         string `mapstructure:"self_heal_interval"`
}

// NotifierConfig points at the bridge owning the OS threshold facility.
// An empty bridge_url runs the engine with a no-op notifier.
type NotifierConfig struct {
	BridgeURL string `mapstructure:"bridge_url"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the config file at path. A missing file is not an error;
// defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.metrics_port", 9090)
	v.SetDefault("server.bind_address", "127.0.0.1")
	v.SetDefault("storage.path", "rewardtime.db")
	v.SetDefault("engine.increment_seconds", 60)
	v.SetDefault("engine.aggregation_window_seconds", 300)
	v.SetDefault("engine.self_heal_interval", "15m")
	v.SetDefault("notifier.bridge_url", "")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Engine.IncrementSeconds <= 0 {
		return fmt.Errorf("engine.increment_seconds must be positive, got %d", c.Engine.IncrementSeconds)
	}
	if c.Engine.AggregationWindowSeconds <= 0 {
		return fmt.Errorf("engine.aggregation_window_seconds must be positive, got %d", c.Engine.AggregationWindowSeconds)
	}
	if _, err := time.ParseDuration(c.Engine.SelfHealInterval); err != nil {
		return fmt.Errorf("engine.self_heal_interval: %w", err)
	}
	return nil
}

// SelfHealInterval returns the parsed interval; validate guarantees it
// parses.
func (c *Config) SelfHealInterval() time.Duration {
	d, _ := time.ParseDuration(c.Engine.SelfHealInterval)
	return d
}
