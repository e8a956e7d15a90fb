// Rbfhub drives an RF security hub over its serial control link.
//
// It opens the link (a local serial port, a TCP serial bridge or a WebSocket
// bridge), runs the protocol engine, and exposes the hub either as one-shot
// commands, an interactive terminal view, or an HTTP bridge with a
// WebSocket event stream.
//
// Usage:
//
//	rbfhub [command] [flags]
//
// See 'rbfhub --help' for available commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/rbfhub/internal/config"
	"github.com/muurk/rbfhub/internal/engine"
	"github.com/muurk/rbfhub/internal/logging"
	"github.com/muurk/rbfhub/internal/transport"
	"github.com/muurk/rbfhub/internal/ui"
	"github.com/muurk/rbfhub/internal/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		logging.Sync()
		os.Exit(1)
	}
	logging.Sync()
}

var rootCmd = &cobra.Command{
	Use:   "rbfhub",
	Short: "RF hub control utility",
	Long: `A control utility for RF security hubs attached over a serial link.

Registers and removes sub-devices, drives indicators and switches, queries
and configures the hub radio, upgrades hub and sub-device firmware, and can
serve the hub to other programs as an HTTP bridge.

The hub link is read from the config file (see 'rbfhub config path') and
can be overridden per command with --link, --port, --address or --url.`,
	Version:           version.Full(),
	PersistentPreRunE: loadSettings,
	SilenceUsage:      true,
}

// Global flags
var (
	configPath  string
	linkKind    string
	serialPort  string
	baudRate    int
	linkAddress string
	linkURL     string
	logLevel    string
	opTimeout   time.Duration
)

// cfg is the loaded configuration with flag overrides applied.
var cfg *config.Config

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "Config file (default: $"+config.PathEnvVar+" or the user config dir)")
	pf.StringVar(&linkKind, "link", "", "Link kind: serial, tcp or websocket")
	pf.StringVar(&serialPort, "port", "", "Serial device path (implies --link serial)")
	pf.IntVar(&baudRate, "baud", 0, "Serial line speed")
	pf.StringVar(&linkAddress, "address", "", "host:port of a TCP serial bridge (implies --link tcp)")
	pf.StringVar(&linkURL, "url", "", "WebSocket bridge URL (implies --link websocket)")
	pf.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config and $"+logging.LogLevelEnvVar)
	pf.DurationVar(&opTimeout, "timeout", 30*time.Second, "Overall timeout for one-shot commands")

	rootCmd.AddCommand(versionCmd)
}

// loadSettings reads the config file, applies the link flags and
// initializes logging. It runs before every command.
func loadSettings(cmd *cobra.Command, args []string) error {
	var err error
	if configPath != "" {
		cfg, err = config.Load(configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return err
	}

	switch {
	case serialPort != "":
		cfg.Link.Kind = string(transport.KindSerial)
		cfg.Link.Port = serialPort
	case linkAddress != "":
		cfg.Link.Kind = string(transport.KindTCP)
		cfg.Link.Address = linkAddress
	case linkURL != "":
		cfg.Link.Kind = string(transport.KindWebSocket)
		cfg.Link.URL = linkURL
	}
	if linkKind != "" {
		cfg.Link.Kind = linkKind
	}
	if baudRate > 0 {
		cfg.Link.Baud = baudRate
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	// An empty level falls back to the environment, then to silent.
	return logging.Initialize(cfg.LogLevel)
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// openEngine opens the configured link and starts an engine on it. The
// returned close function stops the engine and releases the link.
func openEngine() (*engine.Engine, func(), error) {
	link, err := transport.Open(cfg.TransportOptions())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open hub link: %w", err)
	}
	eng := engine.New(link, cfg.EngineOptions())
	eng.Start()
	return eng, func() { _ = eng.Close() }, nil
}

// withEngine runs fn against a started engine, bounded by --timeout and
// interrupted by Ctrl+C.
func withEngine(fn func(ctx context.Context, eng *engine.Engine) error) error {
	ctx, stop := signalContext()
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	eng, closeEngine, err := openEngine()
	if err != nil {
		return err
	}
	defer closeEngine()
	return fn(ctx, eng)
}

// linkDescription names the configured link for headers.
func linkDescription() string {
	switch transport.Kind(cfg.Link.Kind) {
	case transport.KindTCP:
		return "tcp " + cfg.Link.Address
	case transport.KindWebSocket:
		return cfg.Link.URL
	default:
		return cfg.Link.Port
	}
}

// fail prints err in a failure box and returns it for a non-zero exit.
func fail(p *ui.Printer, title string, err error) error {
	p.PrintError(title, err)
	return err
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		info := version.Get()
		fmt.Printf("rbfhub %s (commit: %s, %s)\n", info.Version, info.Commit, info.GoVersion)
	},
}
