package config

import (
	"fmt"
	"os"

	"chart-feed/src/models"
	"chart-feed/src/utils"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// -----------------------------------------------------------------------------

// Config wraps models.MConfig and provides business logic methods
type Config struct {
	*models.MConfig
}

// -----------------------------------------------------------------------------

// NewConfig creates a new MConfig instance from a YAML file. A .env file
// in the working directory (if present) can override the upstream
// endpoints, which keeps credentials and host names out of the YAML.
func NewConfig(configPath string) (*Config, error) {
	// 1. Read the YAML file content
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file '%s': %w", configPath, err)
	}

	// 2. Unmarshal data into the models struct
	var modelConfig models.MConfig
	if err := yaml.Unmarshal(data, &modelConfig); err != nil {
		return nil, fmt.Errorf("failed to parse config from YAML: %w", err)
	}

	config := &Config{MConfig: &modelConfig}

	// 3. Environment overrides (.env is optional)
	_ = godotenv.Load()
	config.applyEnvOverrides()

	// 4. Validate the loaded configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// -----------------------------------------------------------------------------

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("CHARTFEED_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("CHARTFEED_STREAM_URL"); v != "" {
		c.Stream.URL = v
	}
}

// -----------------------------------------------------------------------------

// Validate performs basic configuration validation
func (c *Config) Validate() error {
	// Validate App configuration
	if c.Name == "" {
		return fmt.Errorf("application name cannot be empty")
	}

	// Validate Server configuration
	if c.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Port <= 1024 || c.Port > 65535 {
		return fmt.Errorf("invalid server port number: %d (must be between 1025 and 65535)", c.Port)
	}

	// Validate API configuration
	if c.API.BaseURL == "" {
		return fmt.Errorf("api base url cannot be empty")
	}
	if c.API.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be greater than 0")
	}
	if c.API.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	// Validate Stream configuration
	if c.Stream.URL == "" {
		return fmt.Errorf("stream url cannot be empty")
	}
	if c.Stream.PingIntervalSeconds <= 0 {
		return fmt.Errorf("ping interval must be greater than 0")
	}
	if c.Stream.ReconnectBaseMs <= 0 {
		return fmt.Errorf("reconnect base delay must be greater than 0")
	}
	if c.Stream.ReconnectMaxMs < c.Stream.ReconnectBaseMs {
		return fmt.Errorf("reconnect max delay cannot be below the base delay")
	}
	if c.Stream.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("reconnect max attempts must be greater than 0")
	}

	// Validate Storage configuration
	switch c.Storage.DBType {
	case "none":
	case "sqlite":
		if c.Storage.DBPath == "" {
			return fmt.Errorf("database path cannot be empty for sqlite")
		}
	case "postgres":
		if c.Storage.DBConnectionString == "" {
			return fmt.Errorf("connection string cannot be empty for postgres")
		}
	default:
		return fmt.Errorf("unknown database type: %s", c.Storage.DBType)
	}

	// Validate Feed configuration
	if c.Feed.SeedLookbackHours <= 0 {
		return fmt.Errorf("seed lookback hours must be greater than 0")
	}
	if c.Feed.FlushIntervalSeconds < 0 {
		return fmt.Errorf("flush interval cannot be negative")
	}
	if c.Feed.SnapshotBars <= 0 {
		return fmt.Errorf("snapshot bars must be greater than 0")
	}

	// Validate offered resolutions
	if len(c.Resolutions) == 0 {
		return fmt.Errorf("at least one resolution must be configured")
	}
	for i, r := range c.Resolutions {
		if !utils.IsValidResolution(r) {
			return fmt.Errorf("resolution %d is not supported: %q", i, r)
		}
	}

	return nil
}

// -----------------------------------------------------------------------------

// Save persists the current configuration to the specified YAML file path
func (c *Config) Save(configPath string) error {
	data, err := yaml.Marshal(c.MConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config to file '%s': %w", configPath, err)
	}

	return nil
}
