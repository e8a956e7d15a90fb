package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/muurk/rbfhub/internal/api"
	"github.com/muurk/rbfhub/internal/discovery"
	"github.com/muurk/rbfhub/internal/logging"
	"github.com/muurk/rbfhub/internal/ui"
	"github.com/muurk/rbfhub/internal/version"
)

var (
	serveListen      string
	serveNoAdvertise bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the hub as an HTTP bridge",
	Long: `Run the protocol engine and expose it over HTTP.

The bridge offers JSON endpoints for every hub operation and streams engine
events over a WebSocket at /events. Unless disabled, the bridge announces
itself over mDNS so 'rbfhub scan' can find it.

When started by systemd with Type=notify, readiness and watchdog keepalives
are reported to the service manager.`,
	Example: `  # Serve using the config file
  rbfhub serve

  # Serve a hub behind a ser2net bridge on a custom port
  rbfhub serve --address 192.168.1.20:4001 --listen :9090

  # Serve without mDNS
  rbfhub serve --no-advertise`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "HTTP listen address (default: bridge.listen from the config)")
	serveCmd.Flags().BoolVar(&serveNoAdvertise, "no-advertise", false, "Do not announce the bridge over mDNS")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	log := logging.Named("serve")
	p := ui.NewPrinter(cmd.OutOrStdout())

	listen := cfg.Bridge.Listen
	if serveListen != "" {
		listen = serveListen
	}

	ctx, stop := signalContext()
	defer stop()

	eng, closeEngine, err := openEngine()
	if err != nil {
		return fail(p, "Failed to open hub link", err)
	}
	defer closeEngine()

	// The bridge is useful without a populated registry; clients can refresh.
	hubVersion := ""
	startup, cancel := context.WithTimeout(ctx, 5*time.Second)
	if _, err := eng.RefreshRegistry(startup); err != nil {
		log.Warn("Initial registry refresh failed", zap.Error(err))
	}
	if v, err := eng.HubVersion(startup); err == nil {
		hubVersion = v
	}
	cancel()

	bridge := api.New(eng, api.Options{Link: linkDescription()})
	defer bridge.Close()

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fail(p, "Failed to start bridge", fmt.Errorf("listen on %s: %w", listen, err))
	}
	srv := &http.Server{Handler: bridge.Handler(), ReadHeaderTimeout: 10 * time.Second}

	p.PrintHeader("rbfhub bridge", "serve", map[string]string{
		"Link":    linkDescription(),
		"Listen":  ln.Addr().String(),
		"Hub":     hubVersion,
		"Devices": fmt.Sprintf("%d", eng.Registry().Len()),
	})

	if cfg.Bridge.Advertise && !serveNoAdvertise {
		port := ln.Addr().(*net.TCPAddr).Port
		adv, err := discovery.Advertise(cfg.Bridge.Name, port, map[string]string{
			"version": version.Version,
			"link":    string(cfg.Link.Kind),
			"hub":     hubVersion,
		})
		if err != nil {
			log.Warn("mDNS advertisement failed", zap.Error(err))
		} else {
			defer adv.Shutdown()
		}
	}

	errCh := make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	notify(log, daemon.SdNotifyReady)
	stopWatchdog := startWatchdog(ctx, log)
	defer stopWatchdog()

	select {
	case <-ctx.Done():
		log.Info("Shutdown requested")
	case err = <-errCh:
	}

	notify(log, daemon.SdNotifyStopping)
	bridge.Close()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		log.Warn("HTTP shutdown incomplete", zap.Error(serr))
	}
	return err
}

// notify reports state to systemd. Outside systemd it does nothing.
func notify(log *zap.Logger, state string) {
	if sent, err := daemon.SdNotify(false, state); err != nil {
		log.Warn("systemd notify failed", zap.String("state", state), zap.Error(err))
	} else if sent {
		log.Debug("systemd notified", zap.String("state", state))
	}
}

// startWatchdog sends keepalives at half the systemd watchdog interval.
func startWatchdog(ctx context.Context, log *zap.Logger) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				notify(log, daemon.SdNotifyWatchdog)
			}
		}
	}()
	return cancel
}
