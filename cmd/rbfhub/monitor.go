package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/rbfhub/internal/discovery"
	"github.com/muurk/rbfhub/internal/engine"
	"github.com/muurk/rbfhub/internal/ui"
)

var (
	monitorKinds   []string
	monitorRefresh bool
	scanTimeout    time.Duration
	scanWaitFor    string
)

func init() {
	monitorCmd.Flags().StringSliceVar(&monitorKinds, "kinds", nil, "Only show these event kinds (e.g. heartbeat,input_event)")
	monitorCmd.Flags().BoolVar(&monitorRefresh, "refresh", true, "Read the device registry before monitoring")

	scanCmd.Flags().DurationVar(&scanTimeout, "timeout", discovery.DefaultScanTimeout, "How long to listen for bridges")
	scanCmd.Flags().StringVar(&scanWaitFor, "wait-for", "", "Wait for the bridge with this instance name")

	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(scanCmd)
}

// kindFilter returns the set of kinds to show; nil shows all.
func kindFilter(names []string) (map[engine.EventKind]bool, error) {
	if len(names) == 0 {
		return nil, nil
	}
	byName := make(map[string]engine.EventKind)
	for _, k := range engine.EventKinds() {
		byName[k.String()] = k
	}
	filter := make(map[engine.EventKind]bool)
	for _, n := range names {
		k, ok := byName[strings.TrimSpace(n)]
		if !ok {
			return nil, fmt.Errorf("unknown event kind %q", n)
		}
		filter[k] = true
	}
	return filter, nil
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch hub and device events live",
	Long: `Tail every event the hub reports: heartbeats, sensor triggers, key
presses, keypad input, jamming alerts and link faults.

In a terminal the events are shown in a scrolling view with counters;
otherwise one line is printed per event until Ctrl+C.`,
	Example: `  rbfhub monitor
  rbfhub monitor --kinds input_event,keypad_alarm`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func runMonitor(cmd *cobra.Command, args []string) error {
	p := ui.NewPrinter(cmd.OutOrStdout())
	filter, err := kindFilter(monitorKinds)
	if err != nil {
		return fail(p, "Invalid arguments", err)
	}

	ctx, stop := signalContext()
	defer stop()
	eng, closeEngine, err := openEngine()
	if err != nil {
		return fail(p, "Failed to open hub link", err)
	}
	defer closeEngine()

	events := make(chan engine.Event, 256)
	unsubscribe := eng.Subscribe(func(ev engine.Event) {
		if filter != nil && !filter[ev.Kind] {
			return
		}
		select {
		case events <- ev:
		default:
		}
	})
	defer unsubscribe()

	if monitorRefresh {
		refreshCtx, cancel := context.WithTimeout(ctx, opTimeout)
		_, err := eng.RefreshRegistry(refreshCtx)
		cancel()
		if err != nil {
			p.PrintWarning("Registry not read", map[string]string{"Error": err.Error()})
		}
	}

	if ui.Interactive() {
		_, err := ui.Run(ui.NewMonitorModel("rbfhub monitor · "+linkDescription(), events, eng.Stats))
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-events:
			p.Println(ui.TimestampStyle.Render(ev.Time.Format("15:04:05.000")) + " " + ui.FormatEvent(ev))
		}
	}
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Find rbfhub bridges on the local network",
	Long: `Listen for rbfhub bridges announcing themselves over mDNS and list them
with their address, hub link and hub firmware.`,
	Example: `  rbfhub scan
  rbfhub scan --timeout 10s
  rbfhub scan --wait-for kitchen-hub`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

func runScan(cmd *cobra.Command, args []string) error {
	p := ui.NewPrinter(cmd.OutOrStdout())
	ctx, stop := signalContext()
	defer stop()

	scanner := discovery.NewScanner()
	scanner.Timeout = scanTimeout

	var bridges []*discovery.Bridge
	if scanWaitFor != "" {
		b, err := scanner.WaitForBridge(ctx, scanWaitFor)
		if err != nil {
			return fail(p, "Bridge not found", err)
		}
		bridges = append(bridges, b)
	} else {
		p.Printf("Scanning for rbfhub bridges (timeout: %s)...\n\n", scanTimeout)
		var err error
		bridges, err = scanner.Scan(ctx)
		if err != nil {
			return fail(p, "Scan failed", err)
		}
	}

	if len(bridges) == 0 {
		p.PrintWarning("No bridges found", map[string]string{
			"Check":   "the bridge runs 'rbfhub serve' with bridge.advertise enabled",
			"Network": "mDNS must be allowed between this machine and the bridge",
		})
		return nil
	}

	for _, b := range bridges {
		p.PrintSuccess(b.String(), map[string]string{
			"URL":    b.BaseURL(),
			"Events": b.EventsURL(),
			"Link":   b.GetMetadata("link"),
			"Hub":    b.GetMetadata("hub"),
			"Bridge": b.GetMetadata("version"),
		})
	}
	return nil
}
