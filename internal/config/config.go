// Package config defines all configuration for the Deribit gateway.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via DERIBIT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Venue     VenueConfig     `mapstructure:"venue"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Latency   LatencyConfig   `mapstructure:"latency"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// VenueConfig holds credentials and endpoint selection for the upstream
// venue session.
type VenueConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	TestMode  bool   `mapstructure:"test_mode"`
}

// RESTBaseURL returns the HTTPS base URL for the configured mode.
func (v VenueConfig) RESTBaseURL() string {
	if v.TestMode {
		return "https://test.deribit.com"
	}
	return "https://www.deribit.com"
}

// WSBaseURL returns the duplex-channel URL for the configured mode.
func (v VenueConfig) WSBaseURL() string {
	if v.TestMode {
		return "wss://test.deribit.com/ws/api/v2"
	}
	return "wss://www.deribit.com/ws/api/v2"
}

// BroadcastConfig controls the downstream distribution server.
type BroadcastConfig struct {
	Port int `mapstructure:"port"`
}

// LatencyConfig controls the latency registry's sample storage.
type LatencyConfig struct {
	StoreSamples bool `mapstructure:"store_samples"`
	MaxSamples   int  `mapstructure:"max_samples"`
}

// LoggingConfig controls the ambient slog setup.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: DERIBIT_API_KEY, DERIBIT_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DERIBIT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("broadcast.port", 9000)
	v.SetDefault("latency.store_samples", true)
	v.SetDefault("latency.max_samples", 1000)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("DERIBIT_API_KEY"); key != "" {
		cfg.Venue.APIKey = key
	}
	if secret := os.Getenv("DERIBIT_API_SECRET"); secret != "" {
		cfg.Venue.APISecret = secret
	}
	switch os.Getenv("DERIBIT_TEST_MODE") {
	case "false", "0":
		cfg.Venue.TestMode = false
	case "true", "1":
		cfg.Venue.TestMode = true
	}

	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Venue.APIKey == "" {
		return fmt.Errorf("venue.api_key is required (set DERIBIT_API_KEY)")
	}
	if c.Venue.APISecret == "" {
		return fmt.Errorf("venue.api_secret is required (set DERIBIT_API_SECRET)")
	}
	if c.Broadcast.Port <= 0 {
		return fmt.Errorf("broadcast.port must be > 0")
	}
	if c.Latency.MaxSamples < 0 {
		return fmt.Errorf("latency.max_samples must be >= 0")
	}
	return nil
}
