package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/muurk/rbfhub/internal/engine"
	"github.com/muurk/rbfhub/internal/protocol"
	"github.com/muurk/rbfhub/internal/ui"
)

var (
	findMeRetry uint8
	findMeStop  bool
	rssiStop    bool
	ledMode     string
	ledDuration string
)

func init() {
	findMeCmd.Flags().Uint8Var(&findMeRetry, "retry", 3, "Number of times each device repeats its answer")
	findMeCmd.Flags().BoolVar(&findMeStop, "stop", false, "Stop an outstanding find-me instead")
	rssiCmd.Flags().BoolVar(&rssiStop, "stop", false, "End fast heartbeats instead")
	ledCmd.Flags().StringVar(&ledMode, "mode", "blink-fast", "LED pattern (off, on, blink-slow, blink-fast, breath)")
	ledCmd.Flags().StringVar(&ledDuration, "duration", "1000ms", "Indication length (500ms to 3000ms in 500ms steps)")

	rootCmd.AddCommand(findMeCmd)
	rootCmd.AddCommand(rssiCmd)
	rootCmd.AddCommand(armCmd)
	rootCmd.AddCommand(ledCmd)
	rootCmd.AddCommand(switchCmd)
}

func parseDeviceArgs(args []string) ([]protocol.DeviceID, error) {
	ids := make([]protocol.DeviceID, 0, len(args))
	for _, a := range args {
		id, err := protocol.ParseDeviceID(a)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// printBatch reports a batch outcome member by member.
func printBatch(p *ui.Printer, title string, res engine.Result) error {
	details := map[string]string{"Attempts": strconv.Itoa(res.Attempts)}
	if len(res.Succeeded) > 0 {
		details["Answered"] = joinIDs(res.Succeeded)
	}
	if len(res.Canceled) > 0 {
		details["Canceled"] = joinIDs(res.Canceled)
	}
	if len(res.Failed) == 0 {
		p.PrintSuccess(title, details)
		return nil
	}
	for _, f := range res.Failed {
		details["Failed "+f.Device.String()] = fmt.Sprint(f.Err)
	}
	if res.Err != nil {
		return fail(p, title, res.Err)
	}
	p.PrintWarning(title+" (partial)", details)
	return nil
}

func joinIDs(ids []protocol.DeviceID) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = id.String()
	}
	return strings.Join(s, ", ")
}

var findMeCmd = &cobra.Command{
	Use:   "findme <category:no>...",
	Short: "Ask devices to identify themselves",
	Long: `Ask each listed device to answer the hub. The command waits until every
device has answered or the broadcast retry budget is spent, then reports
which devices answered.`,
	Example: `  rbfhub findme io:1 io:2 sounder:1
  rbfhub findme --stop io:2`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := ui.NewPrinter(cmd.OutOrStdout())
		ids, err := parseDeviceArgs(args)
		if err != nil {
			return fail(p, "Invalid device id", err)
		}
		return withEngine(func(ctx context.Context, eng *engine.Engine) error {
			if findMeStop {
				if err := eng.StopFindMe(ctx, ids); err != nil {
					return fail(p, "Failed to stop find-me", err)
				}
				p.PrintSuccess("Find-me stopped", map[string]string{"Devices": joinIDs(ids)})
				return nil
			}
			call, err := eng.StartFindMe(ctx, findMeRetry, ids)
			if err != nil {
				return fail(p, "Failed to start find-me", err)
			}
			res, err := call.Wait(ctx)
			if err != nil && !res.State.Terminal() {
				return fail(p, "Find-me interrupted", err)
			}
			return printBatch(p, "Find-me", res)
		})
	},
}

var rssiCmd = &cobra.Command{
	Use:   "rssi <category:no>...",
	Short: "Switch devices to fast heartbeats for signal checks",
	Long: `Switch the listed devices to fast heartbeats so their signal strength can
be assessed with 'rbfhub monitor'. Use --stop to return them to normal.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := ui.NewPrinter(cmd.OutOrStdout())
		ids, err := parseDeviceArgs(args)
		if err != nil {
			return fail(p, "Invalid device id", err)
		}
		return withEngine(func(ctx context.Context, eng *engine.Engine) error {
			if rssiStop {
				if err := eng.StopRSSI(ctx, ids); err != nil {
					return fail(p, "Failed to stop RSSI mode", err)
				}
				p.PrintSuccess("RSSI mode stopped", map[string]string{"Devices": joinIDs(ids)})
				return nil
			}
			call, err := eng.StartRSSI(ctx, ids)
			if err != nil {
				return fail(p, "Failed to start RSSI mode", err)
			}
			res, err := call.Wait(ctx)
			if err != nil && !res.State.Terminal() {
				return fail(p, "RSSI start interrupted", err)
			}
			return printBatch(p, "RSSI mode", res)
		})
	},
}

var armStates = map[string]protocol.ArmState{
	"arm":    protocol.Arm,
	"disarm": protocol.Disarm,
	"home":   protocol.HomeArm,
}

var armCmd = &cobra.Command{
	Use:   "arm <arm|disarm|home> <no>...",
	Short: "Set the alarm state of IO devices",
	Example: `  # Arm IO devices 1 to 3
  rbfhub arm arm 1 2 3

  # Home-arm device 4
  rbfhub arm home 4`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := ui.NewPrinter(cmd.OutOrStdout())
		state, ok := armStates[args[0]]
		if !ok {
			return fail(p, "Invalid arguments", fmt.Errorf("unknown state %q (want arm, disarm or home)", args[0]))
		}
		nos := make([]uint8, 0, len(args)-1)
		for _, a := range args[1:] {
			n, err := strconv.ParseUint(a, 10, 8)
			if err != nil {
				return fail(p, "Invalid arguments", fmt.Errorf("invalid registration number %q", a))
			}
			nos = append(nos, uint8(n))
		}
		return withEngine(func(ctx context.Context, eng *engine.Engine) error {
			if err := eng.SetIOAlarm(ctx, state, nos); err != nil {
				return fail(p, "Failed to set alarm state", err)
			}
			p.PrintSuccess("Alarm state set", map[string]string{
				"State":   args[0],
				"Devices": strings.Join(args[1:], ", "),
			})
			return nil
		})
	},
}

var ledModes = map[string]protocol.LEDMode{
	"off":        protocol.LEDOff,
	"on":         protocol.LEDOn,
	"blink-slow": protocol.LEDBlinkSlow,
	"blink-fast": protocol.LEDBlinkFast,
	"breath":     protocol.LEDBreath,
}

var ledDurations = map[string]protocol.LEDDuration{
	"500ms":  protocol.LED500ms,
	"1000ms": protocol.LED1000ms,
	"1500ms": protocol.LED1500ms,
	"2000ms": protocol.LED2000ms,
	"2500ms": protocol.LED2500ms,
	"3000ms": protocol.LED3000ms,
}

var ledCmd = &cobra.Command{
	Use:   "led <category:no>",
	Short: "Drive a device's indicator LED",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := ui.NewPrinter(cmd.OutOrStdout())
		id, err := protocol.ParseDeviceID(args[0])
		if err != nil {
			return fail(p, "Invalid device id", err)
		}
		mode, ok := ledModes[ledMode]
		if !ok {
			return fail(p, "Invalid arguments", fmt.Errorf("unknown LED mode %q", ledMode))
		}
		d, ok := ledDurations[ledDuration]
		if !ok {
			return fail(p, "Invalid arguments", fmt.Errorf("unsupported LED duration %q", ledDuration))
		}
		return withEngine(func(ctx context.Context, eng *engine.Engine) error {
			if err := eng.SetLEDIndicate(ctx, id, mode, d); err != nil {
				return fail(p, "Failed to set LED", err)
			}
			p.PrintSuccess("LED indication sent", map[string]string{
				"Device":   id.String(),
				"Mode":     ledMode,
				"Duration": ledDuration,
			})
			return nil
		})
	},
}

var switchCmd = &cobra.Command{
	Use:   "switch <category:no> <on|off|toggle>",
	Short: "Switch a relay, smart plug or wall switch",
	Long: `Switch a relay, smart plug or wall switch. The registry is read first so
the right command is used for the device type.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := ui.NewPrinter(cmd.OutOrStdout())
		id, err := protocol.ParseDeviceID(args[0])
		if err != nil {
			return fail(p, "Invalid device id", err)
		}
		action, err := protocol.ParseSwitchAction(args[1])
		if err != nil {
			return fail(p, "Invalid arguments", err)
		}
		return withEngine(func(ctx context.Context, eng *engine.Engine) error {
			if _, err := eng.RefreshRegistry(ctx); err != nil {
				return fail(p, "Failed to read device registry", err)
			}
			if err := eng.ControlSwitch(ctx, id, action); err != nil {
				return fail(p, "Failed to switch "+id.String(), err)
			}
			p.PrintSuccess("Switched", map[string]string{"Device": id.String(), "Action": args[1]})
			return nil
		})
	},
}
