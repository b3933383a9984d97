// Package config loads the host-supplied agent configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the configuration surface the host page bootstrap provides.
type Config struct {
	// Ingestion endpoint; the agent does not start without it.
	Endpoint string `yaml:"endpoint"`
	Nonce    string `yaml:"nonce"`

	FlushIntervalMs     int `yaml:"flush_interval_ms"`
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`

	// Optional search summary service.
	SummaryEndpoint string `yaml:"summary_endpoint"`

	// SQLite file backing durable client storage; empty means none.
	StoragePath string `yaml:"storage_path"`

	// Listen address of the development collector.
	Address string `yaml:"address"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FlushIntervalMs:     10000,
		HeartbeatIntervalMs: 15000,
		Address:             "127.0.0.1:8123",
	}
}

// FlushInterval returns the periodic flush interval.
func (c Config) FlushInterval() time.Duration {
	if c.FlushIntervalMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// HeartbeatInterval returns the heartbeat interval.
func (c Config) HeartbeatInterval() time.Duration {
	if c.HeartbeatIntervalMs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// Load reads .env files, the optional YAML file at path, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	LoadDotEnv()

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		}
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadDotEnv loads .env.local then .env from the working directory. Variables
// already set are left alone.
func LoadDotEnv() {
	for _, p := range []string{".env.local", ".env"} {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "[engagetrace] failed to load %s: %v\n", p, err)
		}
	}
}

func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("ENGAGETRACE_ENDPOINT")); v != "" {
		c.Endpoint = v
	}
	if v := os.Getenv("ENGAGETRACE_NONCE"); v != "" {
		c.Nonce = v
	}
	if v := os.Getenv("ENGAGETRACE_FLUSH_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			c.FlushIntervalMs = ms
		}
	}
	if v := os.Getenv("ENGAGETRACE_STORAGE_PATH"); v != "" {
		c.StoragePath = v
	}
	if v := os.Getenv("ENGAGETRACE_ADDRESS"); v != "" {
		c.Address = v
	}
}
