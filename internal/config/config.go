// Package config loads the daemon configuration from YAML, applies the
// defaults block, then environment overrides. A missing file yields pure
// defaults so the daemon runs with zero setup.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	SocketPath string          `yaml:"socket_path"`
	Feed       FeedConfig      `yaml:"feed"`
	Metrics    MetricsConfig   `yaml:"metrics"`
	Bridge     BridgeConfig    `yaml:"bridge"`
	Discovery  DiscoveryConfig `yaml:"discovery"`
	Sweep      SweepConfig     `yaml:"sweep"`
	Log        LogConfig       `yaml:"log"`
}

type FeedConfig struct {
	Addr          string `yaml:"addr"`
	AllowedOrigin string `yaml:"allowed_origin"`
}

// MetricsConfig controls the Prometheus endpoint. An empty addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

type BridgeConfig struct {
	Command          string   `yaml:"command"`
	Args             []string `yaml:"args"`
	RestartDelayMs   int      `yaml:"restart_delay_ms"`
	ConnectBackoffMs []int    `yaml:"connect_backoff_ms"`
}

type DiscoveryConfig struct {
	LockDir        string `yaml:"lock_dir"`
	PollIntervalMs int    `yaml:"poll_interval_ms"`
}

type SweepConfig struct {
	Schedule       string `yaml:"schedule"`
	IdleTTLMinutes int    `yaml:"idle_ttl_minutes"`
}

type LogConfig struct {
	Verbose bool `yaml:"verbose"`
}

// Load reads path, fills defaults, and applies environment overrides. A
// nonexistent path is not an error: the returned config is the defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Defaults only.
	case err != nil:
		return nil, fmt.Errorf("reading config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	// Set defaults
	home, _ := os.UserHomeDir()
	if cfg.SocketPath == "" {
		cfg.SocketPath = filepath.Join(home, ".porthole", "hook.sock")
	}
	if cfg.Feed.Addr == "" {
		cfg.Feed.Addr = "127.0.0.1:4477"
	}
	if cfg.Bridge.RestartDelayMs == 0 {
		cfg.Bridge.RestartDelayMs = 2000
	}
	if len(cfg.Bridge.ConnectBackoffMs) == 0 {
		cfg.Bridge.ConnectBackoffMs = []int{250, 500, 1000, 2000, 5000}
	}
	if cfg.Discovery.LockDir == "" {
		cfg.Discovery.LockDir = filepath.Join(home, ".claude", "ide")
	}
	if cfg.Discovery.PollIntervalMs == 0 {
		cfg.Discovery.PollIntervalMs = 15000
	}
	if cfg.Sweep.Schedule == "" {
		cfg.Sweep.Schedule = "@every 1m"
	}
	if cfg.Sweep.IdleTTLMinutes == 0 {
		cfg.Sweep.IdleTTLMinutes = 120
	}

	// Optional environment overrides.
	if v := os.Getenv("PORTHOLE_SOCKET"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("PORTHOLE_FEED_ADDR"); v != "" {
		cfg.Feed.Addr = v
	}
	if v := os.Getenv("PORTHOLE_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if v := os.Getenv("PORTHOLE_BRIDGE_COMMAND"); v != "" {
		cfg.Bridge.Command = v
	}

	return &cfg, nil
}
