// Package config resolves server configuration from defaults, an optional
// YAML file, and the environment, in that order of precedence.
package config

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root server configuration.
type Config struct {
	// Host is the interface the HTTP server binds.
	Host string `env:"AGENT_SESSIONS_HOST" yaml:"host"`
	// Port is the TCP port to listen on.
	Port int `env:"AGENT_SESSIONS_PORT" yaml:"port"`
	// RefreshIntervalSeconds is the snapshot staleness window. Zero means
	// always reload.
	RefreshIntervalSeconds float64 `env:"AGENT_SESSIONS_REFRESH_INTERVAL" yaml:"refreshIntervalSeconds"`
	// Watch enables the filesystem invalidation watcher.
	Watch bool `env:"AGENT_SESSIONS_WATCH" yaml:"watch"`
	// MaxPageSize caps the list endpoint's page_size parameter.
	MaxPageSize int `env:"AGENT_SESSIONS_MAX_PAGE_SIZE" yaml:"maxPageSize"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Host:                   "127.0.0.1",
		Port:                   8765,
		RefreshIntervalSeconds: 30,
		Watch:                  true,
		MaxPageSize:            100,
	}
}

// Load builds the configuration: defaults, then the YAML file at path (when
// non-empty), then environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
