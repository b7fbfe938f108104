// Package config provides configuration parsing and validation for the
// Numscull server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config is the optional on-disk server.json overlay described in §6:
// everything else (host, config directory) arrives via CLI flags or
// environment variables, not this file.
type Config struct {
	Port               int `json:"port"`
	MaxUsersPerProject int `json:"max_users_per_project"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// DefaultPort is the listen port used when neither --port, server.json,
// nor NUMSCULL_PORT override it.
const DefaultPort = 5222

// Default returns the baseline configuration applied before any
// server.json or flag overrides.
func Default() *Config {
	return &Config{
		Port:               DefaultPort,
		MaxUsersPerProject: 0, // 0 = unlimited
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Load reads and parses server.json at path. A missing file is not an
// error — it returns Default() — since §6 describes the file as
// optional.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses server.json bytes over the default configuration.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for out-of-range values.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.MaxUsersPerProject < 0 {
		return fmt.Errorf("max_users_per_project must be >= 0")
	}
	if !isValidLogLevel(c.LogLevel) {
		return fmt.Errorf("invalid log_level: %s", c.LogLevel)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("invalid log_format: %s (must be text or json)", c.LogFormat)
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "warning", "error":
		return true
	default:
		return false
	}
}
