package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SocketPath == "" {
		t.Error("socket path default missing")
	}
	if cfg.Feed.Addr != "127.0.0.1:4477" {
		t.Errorf("feed addr = %q", cfg.Feed.Addr)
	}
	if cfg.Bridge.RestartDelayMs != 2000 {
		t.Errorf("restart delay = %d", cfg.Bridge.RestartDelayMs)
	}
	if len(cfg.Bridge.ConnectBackoffMs) == 0 {
		t.Error("connect backoff default missing")
	}
	if cfg.Sweep.Schedule != "@every 1m" {
		t.Errorf("sweep schedule = %q", cfg.Sweep.Schedule)
	}
	if cfg.Sweep.IdleTTLMinutes != 120 {
		t.Errorf("idle ttl = %d", cfg.Sweep.IdleTTLMinutes)
	}
	if cfg.Metrics.Addr != "" {
		t.Errorf("metrics should default to disabled, got %q", cfg.Metrics.Addr)
	}
}

func TestLoadFileAndDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "porthole.yaml")
	body := `
socket_path: /tmp/porthole-test.sock
feed:
  addr: 127.0.0.1:9999
bridge:
  command: /usr/local/bin/porthole-helper
  args: ["--json"]
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SocketPath != "/tmp/porthole-test.sock" {
		t.Errorf("socket path = %q", cfg.SocketPath)
	}
	if cfg.Feed.Addr != "127.0.0.1:9999" {
		t.Errorf("feed addr = %q", cfg.Feed.Addr)
	}
	if cfg.Bridge.Command != "/usr/local/bin/porthole-helper" {
		t.Errorf("bridge command = %q", cfg.Bridge.Command)
	}
	// Unset sections still get defaults.
	if cfg.Bridge.RestartDelayMs != 2000 {
		t.Errorf("restart delay = %d", cfg.Bridge.RestartDelayMs)
	}
	if cfg.Discovery.LockDir == "" {
		t.Error("lock dir default missing")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("socket_path: [unbalanced"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORTHOLE_SOCKET", "/tmp/env.sock")
	t.Setenv("PORTHOLE_METRICS_ADDR", "127.0.0.1:8125")
	t.Setenv("PORTHOLE_BRIDGE_COMMAND", "/opt/helper")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SocketPath != "/tmp/env.sock" {
		t.Errorf("socket path = %q", cfg.SocketPath)
	}
	if cfg.Metrics.Addr != "127.0.0.1:8125" {
		t.Errorf("metrics addr = %q", cfg.Metrics.Addr)
	}
	if cfg.Bridge.Command != "/opt/helper" {
		t.Errorf("bridge command = %q", cfg.Bridge.Command)
	}
}
