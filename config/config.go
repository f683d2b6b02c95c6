// Package config centralises runtime configuration for the realtime client.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// TransportSettings configures the realtime websocket session.
type TransportSettings struct {
	URL                  string        `yaml:"url"`
	HandshakeTimeout     time.Duration `yaml:"handshakeTimeout"`
	PingInterval         time.Duration `yaml:"pingInterval"`
	PingTimeout          time.Duration `yaml:"pingTimeout"`
	WriteTimeout         time.Duration `yaml:"writeTimeout"`
	MaxReconnectInterval time.Duration `yaml:"maxReconnectInterval"`
	ReadLimit            int64         `yaml:"readLimit"`
}

// RelaySettings configures the fan-out engine buffers.
type RelaySettings struct {
	WriteHighWater int `yaml:"writeHighWater"`
	ReadHighWater  int `yaml:"readHighWater"`
	FanoutWorkers  int `yaml:"fanoutWorkers"`
}

// Settings contains the configuration tree loaded from defaults, an optional
// YAML file, and environment overrides.
type Settings struct {
	Environment Environment       `yaml:"environment"`
	Transport   TransportSettings `yaml:"transport"`
	Relay       RelaySettings     `yaml:"relay"`
}

// Default returns the default configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Transport: TransportSettings{
			URL:                  "",
			HandshakeTimeout:     10 * time.Second,
			PingInterval:         30 * time.Second,
			PingTimeout:          5 * time.Second,
			WriteTimeout:         5 * time.Second,
			MaxReconnectInterval: 30 * time.Second,
			ReadLimit:            2 * 1024 * 1024,
		},
		Relay: RelaySettings{
			WriteHighWater: 4,
			ReadHighWater:  16,
			FanoutWorkers:  4,
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("REALTIME_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("REALTIME_WS_URL")); v != "" {
		cfg.Transport.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("REALTIME_WS_HANDSHAKE_TIMEOUT")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Transport.HandshakeTimeout = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("REALTIME_WS_PING_INTERVAL")); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			cfg.Transport.PingInterval = dur
		}
	}
	if v := strings.TrimSpace(os.Getenv("REALTIME_RELAY_WRITE_HIGH_WATER")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Relay.WriteHighWater = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("REALTIME_RELAY_READ_HIGH_WATER")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Relay.ReadHighWater = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("REALTIME_RELAY_FANOUT_WORKERS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Relay.FanoutWorkers = n
		}
	}
	return cfg
}

// Load reads a YAML settings file layered over the defaults.
func Load(path string) (Settings, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Settings{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}
