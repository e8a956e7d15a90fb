package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/muurk/rbfhub/internal/engine"
	"github.com/muurk/rbfhub/internal/transport"
)

const (
	appName    = "rbfhub"
	configFile = "config.yaml"

	// PathEnvVar overrides the configuration file location.
	PathEnvVar = "RBFHUB_CONFIG"
)

// fileMutex serializes reads and writes of configuration files.
var fileMutex sync.Mutex

// GetConfigDir returns the OS-specific configuration directory.
// Linux: $XDG_CONFIG_HOME/rbfhub or $HOME/.config/rbfhub
// macOS: $HOME/.config/rbfhub
// Windows: %LOCALAPPDATA%\rbfhub
func GetConfigDir() (string, error) {
	var configDir string

	switch runtime.GOOS {
	case "windows":
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			return "", fmt.Errorf("LOCALAPPDATA environment variable not set")
		}
		configDir = filepath.Join(localAppData, appName)
	case "darwin":
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config", appName)
	default:
		xdgConfig := os.Getenv("XDG_CONFIG_HOME")
		if xdgConfig != "" {
			configDir = filepath.Join(xdgConfig, appName)
		} else {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(homeDir, ".config", appName)
		}
	}

	return configDir, nil
}

// GetConfigPath returns the configuration file path. RBFHUB_CONFIG takes
// precedence over the OS-specific default.
func GetConfigPath() (string, error) {
	if p := os.Getenv(PathEnvVar); p != "" {
		return p, nil
	}
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, configFile), nil
}

// Default returns the built-in configuration.
func Default() *Config {
	opts := engine.DefaultOptions()
	return &Config{
		Version: CurrentVersion,
		Link: LinkConfig{
			Kind:        string(transport.KindSerial),
			Port:        "/dev/ttyUSB0",
			Baud:        115200,
			DialTimeout: Duration(5 * time.Second),
		},
		Engine: EngineConfig{
			PollInterval:     Duration(opts.PollInterval),
			SubmitQueue:      opts.SubmitQueue,
			CorruptThreshold: opts.CorruptThreshold,
			ResetBackoff:     Duration(opts.ResetBackoff),
			OTAStallTimeout:  Duration(opts.OTAStallTimeout),
			Policies: Policies{
				Simple:    policyConfig(opts.Simple),
				Broadcast: policyConfig(opts.Broadcast),
				Query:     policyConfig(opts.Query),
				OTA:       policyConfig(opts.OTA),
			},
		},
		Bridge: BridgeConfig{
			Listen:    ":8080",
			Advertise: true,
			Name:      appName,
		},
		Simulator: SimulatorConfig{
			TCPAddr: ":4001",
			WSPath:  "/link",
		},
	}
}

func policyConfig(p engine.Policy) PolicyConfig {
	return PolicyConfig{Timeout: Duration(p.Timeout), Retries: p.Retries}
}

// Load reads the configuration at path. Fields missing from the file keep
// their defaults.
func Load(path string) (*Config, error) {
	fileMutex.Lock()
	defer fileMutex.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	if cfg.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported config version %d (expected %d)", cfg.Version, CurrentVersion)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault loads the configuration from GetConfigPath, returning the
// defaults when no file exists yet.
func LoadDefault() (*Config, error) {
	path, err := GetConfigPath()
	if err != nil {
		return nil, fmt.Errorf("failed to get config path: %w", err)
	}
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes the configuration to path, or to GetConfigPath when path is
// empty. Performs an atomic write to prevent corruption on crash.
func (c *Config) Save(path string) error {
	if path == "" {
		p, err := GetConfigPath()
		if err != nil {
			return fmt.Errorf("failed to get config path: %w", err)
		}
		path = p
	}

	fileMutex.Lock()
	defer fileMutex.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to ensure config directory exists: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# rbfhub configuration file
#
# Durations use Go syntax (500ms, 2s). A negative corrupt_threshold
# disables the corrupt-frame watchdog; a zero silence_timeout disables
# the silence watchdog.
#
# Location: ` + path + `

`)
	data = append(header, data...)

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary config file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

// Validate checks field ranges and link settings.
func (c *Config) Validate() error {
	switch transport.Kind(c.Link.Kind) {
	case transport.KindSerial, "":
		if c.Link.Port == "" {
			return fmt.Errorf("link.port is required for a serial link")
		}
		if c.Link.Baud <= 0 {
			return fmt.Errorf("link.baud must be positive, got %d", c.Link.Baud)
		}
	case transport.KindTCP:
		if c.Link.Address == "" {
			return fmt.Errorf("link.address is required for a tcp link")
		}
	case transport.KindWebSocket:
		if c.Link.URL == "" {
			return fmt.Errorf("link.url is required for a websocket link")
		}
	default:
		return fmt.Errorf("unknown link.kind %q (want serial, tcp or websocket)", c.Link.Kind)
	}

	if c.Engine.PollInterval < 0 {
		return fmt.Errorf("engine.poll_interval must not be negative")
	}
	if c.Engine.SubmitQueue < 0 {
		return fmt.Errorf("engine.submit_queue must not be negative")
	}
	if c.Engine.SilenceTimeout < 0 {
		return fmt.Errorf("engine.silence_timeout must not be negative")
	}
	policies := map[string]PolicyConfig{
		"simple":    c.Engine.Policies.Simple,
		"broadcast": c.Engine.Policies.Broadcast,
		"query":     c.Engine.Policies.Query,
		"ota":       c.Engine.Policies.OTA,
	}
	for name, p := range policies {
		if p.Timeout < 0 {
			return fmt.Errorf("engine.policies.%s.timeout must not be negative", name)
		}
		if p.Retries < 0 {
			return fmt.Errorf("engine.policies.%s.retries must not be negative", name)
		}
	}

	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}

// EngineOptions converts the engine section into engine.Options. The
// logger and clock are left for the caller.
func (c *Config) EngineOptions() engine.Options {
	e := c.Engine
	return engine.Options{
		PollInterval:     e.PollInterval.Std(),
		SubmitQueue:      e.SubmitQueue,
		SilenceTimeout:   e.SilenceTimeout.Std(),
		CorruptThreshold: e.CorruptThreshold,
		ResetBackoff:     e.ResetBackoff.Std(),
		OTAStallTimeout:  e.OTAStallTimeout.Std(),
		Simple:           engine.Policy{Timeout: e.Policies.Simple.Timeout.Std(), Retries: e.Policies.Simple.Retries},
		Broadcast:        engine.Policy{Timeout: e.Policies.Broadcast.Timeout.Std(), Retries: e.Policies.Broadcast.Retries},
		Query:            engine.Policy{Timeout: e.Policies.Query.Timeout.Std(), Retries: e.Policies.Query.Retries},
		OTA:              engine.Policy{Timeout: e.Policies.OTA.Timeout.Std(), Retries: e.Policies.OTA.Retries},
	}
}

// TransportOptions converts the link section into transport.Options.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		Kind:        transport.Kind(c.Link.Kind),
		Port:        c.Link.Port,
		Baud:        c.Link.Baud,
		Address:     c.Link.Address,
		URL:         c.Link.URL,
		DialTimeout: c.Link.DialTimeout.Std(),
	}
}
