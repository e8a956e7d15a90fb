package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/muurk/rbfhub/internal/transport"
)

func TestGetConfigDir(t *testing.T) {
	configDir, err := GetConfigDir()
	if err != nil {
		t.Fatalf("GetConfigDir() error = %v", err)
	}

	if !strings.Contains(configDir, "rbfhub") {
		t.Errorf("GetConfigDir() = %v, should contain 'rbfhub'", configDir)
	}

	if runtime.GOOS == "linux" && os.Getenv("XDG_CONFIG_HOME") == "" {
		if !strings.Contains(configDir, ".config") {
			t.Errorf("Unix config dir should contain '.config', got: %v", configDir)
		}
	}
}

func TestGetConfigPathOverride(t *testing.T) {
	want := filepath.Join(t.TempDir(), "custom.yaml")
	t.Setenv(PathEnvVar, want)

	got, err := GetConfigPath()
	if err != nil {
		t.Fatalf("GetConfigPath() error = %v", err)
	}
	if got != want {
		t.Errorf("GetConfigPath() = %v, want %v", got, want)
	}
}

func TestGetConfigPathDefault(t *testing.T) {
	t.Setenv(PathEnvVar, "")

	configPath, err := GetConfigPath()
	if err != nil {
		t.Fatalf("GetConfigPath() error = %v", err)
	}
	if filepath.Base(configPath) != "config.yaml" {
		t.Errorf("GetConfigPath() should end with 'config.yaml', got: %v", configPath)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Version != CurrentVersion {
		t.Errorf("Default().Version = %v, want %v", cfg.Version, CurrentVersion)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
	if cfg.Engine.PollInterval.Std() != 10*time.Millisecond {
		t.Errorf("Default().Engine.PollInterval = %v, want 10ms", cfg.Engine.PollInterval.Std())
	}
	if cfg.Engine.Policies.Broadcast.Retries != 3 {
		t.Errorf("Default().Engine.Policies.Broadcast.Retries = %v, want 3", cfg.Engine.Policies.Broadcast.Retries)
	}
	if cfg.Bridge.Listen != ":8080" {
		t.Errorf("Default().Bridge.Listen = %v, want :8080", cfg.Bridge.Listen)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.Link = LinkConfig{Kind: "tcp", Address: "192.168.1.20:4001", DialTimeout: Duration(3 * time.Second)}
	cfg.Engine.Policies.Query = PolicyConfig{Timeout: Duration(750 * time.Millisecond), Retries: 4}
	cfg.LogLevel = "debug"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Save() left the temporary file behind")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "timeout: 750ms") {
		t.Errorf("saved file should contain durations as strings, got:\n%s", data)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Link != cfg.Link {
		t.Errorf("Load().Link = %+v, want %+v", loaded.Link, cfg.Link)
	}
	if loaded.Engine != cfg.Engine {
		t.Errorf("Load().Engine = %+v, want %+v", loaded.Engine, cfg.Engine)
	}
	if loaded.LogLevel != "debug" {
		t.Errorf("Load().LogLevel = %v, want debug", loaded.LogLevel)
	}
}

func TestLoadPartialKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `version: 1
link:
  kind: websocket
  url: ws://bridge.local:8080/link
engine:
  policies:
    simple:
      timeout: 250ms
      retries: 1
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Link.URL != "ws://bridge.local:8080/link" {
		t.Errorf("Link.URL = %v, want ws://bridge.local:8080/link", cfg.Link.URL)
	}
	if cfg.Engine.Policies.Simple.Timeout.Std() != 250*time.Millisecond {
		t.Errorf("Simple.Timeout = %v, want 250ms", cfg.Engine.Policies.Simple.Timeout.Std())
	}
	if cfg.Engine.Policies.OTA.Timeout.Std() != 3*time.Second {
		t.Errorf("OTA.Timeout = %v, want default 3s", cfg.Engine.Policies.OTA.Timeout.Std())
	}
	if cfg.Engine.CorruptThreshold != 8 {
		t.Errorf("CorruptThreshold = %v, want default 8", cfg.Engine.CorruptThreshold)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad version", "version: 2\n", "unsupported config version"},
		{"bad duration", "version: 1\nengine:\n  poll_interval: soon\n", "invalid duration"},
		{"unknown kind", "version: 1\nlink:\n  kind: carrier-pigeon\n", "unknown link.kind"},
		{"bad log level", "version: 1\nlog_level: loud\n", "unknown log_level"},
		{"not yaml", "version: [1\n", "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}
			_, err := Load(path)
			if err == nil {
				t.Fatal("Load() should have failed")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadDefaultMissingFile(t *testing.T) {
	t.Setenv(PathEnvVar, filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("LoadDefault() error = %v", err)
	}
	if cfg.Link.Kind != "serial" {
		t.Errorf("LoadDefault().Link.Kind = %v, want serial", cfg.Link.Kind)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"serial without port", func(c *Config) { c.Link.Port = "" }, true},
		{"serial zero baud", func(c *Config) { c.Link.Baud = 0 }, true},
		{"tcp without address", func(c *Config) { c.Link.Kind = "tcp" }, true},
		{"websocket with url", func(c *Config) { c.Link.Kind = "websocket"; c.Link.URL = "ws://x/link" }, false},
		{"negative retries", func(c *Config) { c.Engine.Policies.OTA.Retries = -1 }, true},
		{"negative timeout", func(c *Config) { c.Engine.Policies.Query.Timeout = Duration(-time.Second) }, true},
		{"disabled corrupt watchdog", func(c *Config) { c.Engine.CorruptThreshold = -1 }, false},
		{"negative silence", func(c *Config) { c.Engine.SilenceTimeout = Duration(-time.Second) }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEngineOptions(t *testing.T) {
	cfg := Default()
	cfg.Engine.SilenceTimeout = Duration(30 * time.Second)
	cfg.Engine.Policies.Broadcast = PolicyConfig{Timeout: Duration(time.Second), Retries: 5}

	opts := cfg.EngineOptions()
	if opts.SilenceTimeout != 30*time.Second {
		t.Errorf("SilenceTimeout = %v, want 30s", opts.SilenceTimeout)
	}
	if opts.Broadcast.Timeout != time.Second || opts.Broadcast.Retries != 5 {
		t.Errorf("Broadcast = %+v, want {1s 5}", opts.Broadcast)
	}
	if opts.Simple.Timeout != 500*time.Millisecond {
		t.Errorf("Simple.Timeout = %v, want 500ms", opts.Simple.Timeout)
	}
}

func TestTransportOptions(t *testing.T) {
	cfg := Default()
	cfg.Link = LinkConfig{Kind: "tcp", Address: "10.0.0.5:4001", DialTimeout: Duration(2 * time.Second)}

	opts := cfg.TransportOptions()
	if opts.Kind != transport.KindTCP {
		t.Errorf("Kind = %v, want %v", opts.Kind, transport.KindTCP)
	}
	if opts.Address != "10.0.0.5:4001" {
		t.Errorf("Address = %v, want 10.0.0.5:4001", opts.Address)
	}
	if opts.DialTimeout != 2*time.Second {
		t.Errorf("DialTimeout = %v, want 2s", opts.DialTimeout)
	}
}
