// Package config provides the rbfhub configuration file.
//
// The file is YAML and selects the hub link, tunes the protocol engine's
// retry policies and watchdog, configures the HTTP bridge and the bench
// simulator. Zero or missing values fall back to the defaults returned by
// Default.
//
// # Configuration File Location
//
// The configuration file is stored in platform-appropriate locations:
//   - Linux: $XDG_CONFIG_HOME/rbfhub/config.yaml or $HOME/.config/rbfhub/config.yaml
//   - macOS: $HOME/.config/rbfhub/config.yaml
//   - Windows: %LOCALAPPDATA%\rbfhub\config.yaml
//
// # Usage Example
//
//	cfg, err := config.LoadDefault()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	link, err := transport.Open(cfg.TransportOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	eng := engine.New(link, cfg.EngineOptions())
//	eng.Start()
//
// # Thread Safety
//
// File operations are protected by a mutex and Save writes atomically.
package config
