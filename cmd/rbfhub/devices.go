package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/rbfhub/internal/engine"
	"github.com/muurk/rbfhub/internal/protocol"
	"github.com/muurk/rbfhub/internal/ui"
)

var (
	devicesFormat   string
	devicesBrowse   bool
	registerMAC     string
	registerSerial  string
	registerWindow  time.Duration
	deleteAll       bool
	deleteAssumeYes bool
)

func init() {
	devicesCmd.Flags().StringVar(&devicesFormat, "format", "table", "Output format (table, json)")
	devicesCmd.Flags().BoolVar(&devicesBrowse, "browse", false, "Browse devices interactively")

	registerCmd.Flags().StringVar(&registerMAC, "mac", "", "Register only the device with this 8-byte MAC (hex)")
	registerCmd.Flags().StringVar(&registerSerial, "sn", "", "Register only the device with this 16-byte serial (hex)")
	registerCmd.Flags().DurationVar(&registerWindow, "window", 60*time.Second, "How long to keep registration open")

	deleteCmd.Flags().BoolVar(&deleteAll, "all", false, "Delete every registered device")
	deleteCmd.Flags().BoolVarP(&deleteAssumeYes, "yes", "y", false, "Skip the confirmation prompt")

	rootCmd.AddCommand(devicesCmd)
	rootCmd.AddCommand(registerCmd)
	rootCmd.AddCommand(deleteCmd)
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List registered sub-devices",
	Long: `Read the device registry from the hub and list every registered sub-device
with its category, registration number, type, firmware and identifiers.`,
	Example: `  # Table output
  rbfhub devices

  # JSON for scripting
  rbfhub devices --format json

  # Interactive browser
  rbfhub devices --browse`,
	Args: cobra.NoArgs,
	RunE: runDevices,
}

// deviceOutput is the JSON form printed by "devices --format json".
type deviceOutput struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Firmware string `json:"firmware"`
	MAC      string `json:"mac"`
	Serial   string `json:"serial"`
}

func runDevices(cmd *cobra.Command, args []string) error {
	p := ui.NewPrinter(cmd.OutOrStdout())
	var recs []protocol.Record
	err := withEngine(func(ctx context.Context, eng *engine.Engine) error {
		var err error
		recs, err = eng.RefreshRegistry(ctx)
		return err
	})
	if err != nil {
		return fail(p, "Failed to read device registry", err)
	}

	switch {
	case devicesFormat == "json":
		out := make([]deviceOutput, len(recs))
		for i, r := range recs {
			out[i] = deviceOutput{
				ID:       r.ID.String(),
				Type:     r.Type.String(),
				Firmware: r.VersionString(),
				MAC:      r.MACHex(),
				Serial:   r.SerialHex(),
			}
		}
		data, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		p.Println(string(data))
	case devicesBrowse && ui.Interactive() && len(recs) > 0:
		final, err := ui.Run(ui.NewDeviceBrowser(recs))
		if err != nil {
			return err
		}
		if rec, ok := final.(*ui.DeviceBrowser).Selected(); ok {
			p.PrintSuccess("Selected "+rec.ID.String(), map[string]string{
				"Type":     rec.Type.String(),
				"Firmware": rec.VersionString(),
				"MAC":      rec.MACHex(),
				"Serial":   rec.SerialHex(),
			})
		}
	default:
		p.Println(ui.RenderDevices(recs))
	}
	return nil
}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Open the hub for device registration",
	Long: `Put the hub into registration mode and report every sub-device that pairs.

Registration stays open for --window or until Ctrl+C, then the hub is told
to stop. With --mac or --sn only the matching device may register.`,
	Example: `  # Pair any device that is put into learning mode
  rbfhub register

  # Pair one specific device by MAC
  rbfhub register --mac 0011223344556677`,
	Args: cobra.NoArgs,
	RunE: runRegister,
}

func runRegister(cmd *cobra.Command, args []string) error {
	p := ui.NewPrinter(cmd.OutOrStdout())

	var (
		mode = protocol.RegisterLocal
		mac  [8]byte
		sn   [16]byte
		err  error
	)
	switch {
	case registerMAC != "" && registerSerial != "":
		return fail(p, "Invalid arguments", fmt.Errorf("--mac and --sn are mutually exclusive"))
	case registerMAC != "":
		mode = protocol.RegisterByMAC
		mac, err = protocol.ParseMAC(registerMAC)
	case registerSerial != "":
		mode = protocol.RegisterBySN
		sn, err = protocol.ParseSerial(registerSerial)
	}
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

	paired := make(chan protocol.Record, 16)
	if err := eng.Handle(engine.EventRegisterResponse, func(ev engine.Event) error {
		if m, ok := ev.Message.(*protocol.RegisterResponse); ok {
			select {
			case paired <- m.Record:
			default:
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := eng.StartRegistration(ctx, mode, mac, sn); err != nil {
		return fail(p, "Failed to start registration", err)
	}
	p.PrintHeader("Device registration", "register", map[string]string{
		"Link":   linkDescription(),
		"Window": registerWindow.String(),
	})
	p.Println(ui.HelpStyle.Render("Put devices into learning mode now. Press Ctrl+C to finish early."))

	window := time.NewTimer(registerWindow)
	defer window.Stop()
	var got []protocol.Record
loop:
	for {
		select {
		case rec := <-paired:
			got = append(got, rec)
			p.Printf("  + %s %s (firmware %s)\n", rec.ID, rec.Type, rec.VersionString())
		case <-window.C:
			break loop
		case <-ctx.Done():
			break loop
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eng.StopRegistration(stopCtx); err != nil {
		p.PrintWarning("Registration may still be open", map[string]string{"Error": err.Error()})
	}

	p.PrintSuccess("Registration closed", map[string]string{"Devices paired": fmt.Sprintf("%d", len(got))})
	return nil
}

var deleteCmd = &cobra.Command{
	Use:   "delete [category:no]",
	Short: "Remove sub-devices from the hub",
	Example: `  # Remove one device
  rbfhub delete io:3

  # Remove every device (asks for confirmation)
  rbfhub delete --all`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDelete,
}

func runDelete(cmd *cobra.Command, args []string) error {
	p := ui.NewPrinter(cmd.OutOrStdout())

	if deleteAll == (len(args) == 1) {
		return fail(p, "Invalid arguments", fmt.Errorf("give either one device id or --all"))
	}

	return withEngine(func(ctx context.Context, eng *engine.Engine) error {
		if !deleteAll {
			id, err := protocol.ParseDeviceID(args[0])
			if err != nil {
				return fail(p, "Invalid device id", err)
			}
			if err := eng.DeleteDevice(ctx, id); err != nil {
				return fail(p, "Failed to delete "+id.String(), err)
			}
			p.PrintSuccess("Device deleted", map[string]string{"Device": id.String()})
			return nil
		}

		recs, err := eng.RefreshRegistry(ctx)
		if err != nil {
			return fail(p, "Failed to read device registry", err)
		}
		if !deleteAssumeYes && !ui.ConfirmDeleteAll(os.Stdin, cmd.OutOrStdout(), len(recs)) {
			return nil
		}
		if err := eng.DeleteAllDevices(ctx); err != nil {
			return fail(p, "Failed to delete devices", err)
		}
		p.PrintSuccess("All devices deleted", map[string]string{"Removed": fmt.Sprintf("%d", len(recs))})
		return nil
	})
}
