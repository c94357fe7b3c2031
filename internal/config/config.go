// Package config loads engine configuration from the environment, with an
// optional .env file for development setups.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Defaults.
const (
	DefaultHost     = "127.0.0.1"
	DefaultPort     = 7580
	DefaultLogLevel = "info"
)

// Config is the process-wide configuration.
type Config struct {
	// DataDir is the root under which all item state lives.
	DataDir string

	// Host and Port are handed to whatever transport fronts the engine.
	Host string
	Port int

	// LogLevel is one of debug, info, warn, error.
	LogLevel string

	// AgentBinary overrides assistant binary discovery when set.
	AgentBinary string
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in first, without overriding real environment
// variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:     os.Getenv("DROVER_DATA_DIR"),
		Host:        getEnvDefault("DROVER_HOST", DefaultHost),
		LogLevel:    getEnvDefault("LOG_LEVEL", DefaultLogLevel),
		AgentBinary: os.Getenv("DROVER_AGENT_BIN"),
	}

	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("DROVER_DATA_DIR not set and home directory unavailable: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".drover")
	}

	port := getEnvDefault("DROVER_PORT", strconv.Itoa(DefaultPort))
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid DROVER_PORT %q: %w", port, err)
	}
	cfg.Port = p

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for obvious mistakes and normalizes the
// data directory to an absolute path.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data directory is required")
	}
	if !filepath.IsAbs(c.DataDir) {
		abs, err := filepath.Abs(c.DataDir)
		if err != nil {
			return fmt.Errorf("cannot resolve data directory %q: %w", c.DataDir, err)
		}
		c.DataDir = abs
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	return nil
}

func getEnvDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
