package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/muurk/rbfhub/internal/engine"
	"github.com/muurk/rbfhub/internal/protocol"
	"github.com/muurk/rbfhub/internal/ui"
)

var (
	carrierChannel uint8
	carrierPower   uint16
	carrierWave    uint8
	carrierAntenna uint8
)

func init() {
	carrierStartCmd.Flags().Uint8Var(&carrierChannel, "channel", 0, "RF channel")
	carrierStartCmd.Flags().Uint16Var(&carrierPower, "power", 0, "Output power")
	carrierStartCmd.Flags().Uint8Var(&carrierWave, "wave", 0, "0 = unmodulated carrier, 1 = modulated")
	carrierStartCmd.Flags().Uint8Var(&carrierAntenna, "antenna", 0, "Antenna selection")

	carrierCmd.AddCommand(carrierStartCmd, carrierStopCmd)
	hubCmd.AddCommand(hubInfoCmd, hubPANIDCmd, hubFrequencyCmd, carrierCmd)
	rootCmd.AddCommand(hubCmd)
}

var hubCmd = &cobra.Command{
	Use:   "hub",
	Short: "Query and configure the hub radio",
}

var hubInfoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show hub version, PAN ID, noise floor and supply",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := ui.NewPrinter(cmd.OutOrStdout())
		return withEngine(func(ctx context.Context, eng *engine.Engine) error {
			v, err := eng.HubVersion(ctx)
			if err != nil {
				return fail(p, "Failed to read hub version", err)
			}
			details := map[string]string{"Version": v}

			// The remaining readings are best effort.
			if panid, err := eng.PANID(ctx); err == nil {
				details["PAN ID"] = fmt.Sprintf("%#08x", panid)
			} else {
				details["PAN ID"] = "unavailable: " + err.Error()
			}
			if n, err := eng.HubNoise(ctx); err == nil {
				details["Noise"] = fmt.Sprintf("avg %d dBm, current %d dBm", n.Average, n.Current)
			}
			if pw, err := eng.HubVolRes(ctx); err == nil {
				details["Supply"] = fmt.Sprintf("%d mV, %d ohm", pw.Voltage, pw.Resistance)
			}
			p.PrintSuccess("Hub "+linkDescription(), details)
			return nil
		})
	},
}

var hubPANIDCmd = &cobra.Command{
	Use:   "panid [new-id]",
	Short: "Show or set the hub PAN ID",
	Example: `  rbfhub hub panid
  rbfhub hub panid 0x1234`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := ui.NewPrinter(cmd.OutOrStdout())
		return withEngine(func(ctx context.Context, eng *engine.Engine) error {
			if len(args) == 1 {
				v, err := strconv.ParseUint(args[0], 0, 32)
				if err != nil {
					return fail(p, "Invalid PAN ID", err)
				}
				if err := eng.SetPANID(ctx, uint32(v)); err != nil {
					return fail(p, "Failed to set PAN ID", err)
				}
			}
			panid, err := eng.PANID(ctx)
			if err != nil {
				return fail(p, "Failed to read PAN ID", err)
			}
			p.PrintSuccess("PAN ID", map[string]string{"PAN ID": fmt.Sprintf("%#08x", panid)})
			return nil
		})
	},
}

var hubFrequencyCmd = &cobra.Command{
	Use:   "frequency <868|915|433>",
	Short: "Select the RF band",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p := ui.NewPrinter(cmd.OutOrStdout())
		band, err := protocol.ParseFrequencyBand(args[0])
		if err != nil {
			return fail(p, "Invalid band", err)
		}
		return withEngine(func(ctx context.Context, eng *engine.Engine) error {
			if err := eng.SetFrequency(ctx, band); err != nil {
				return fail(p, "Failed to set band", err)
			}
			p.PrintSuccess("Band set", map[string]string{"Band": band.String()})
			return nil
		})
	},
}

var carrierCmd = &cobra.Command{
	Use:   "carrier",
	Short: "RF carrier test for certification and antenna checks",
}

var carrierStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start transmitting a test carrier",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := ui.NewPrinter(cmd.OutOrStdout())
		params := protocol.CarrierParams{
			Channel: carrierChannel,
			Power:   carrierPower,
			Wave:    carrierWave,
			Antenna: carrierAntenna,
		}
		return withEngine(func(ctx context.Context, eng *engine.Engine) error {
			if err := eng.StartCarrier(ctx, params); err != nil {
				return fail(p, "Failed to start carrier", err)
			}
			p.PrintWarning("Carrier transmitting", map[string]string{
				"Channel": strconv.Itoa(int(params.Channel)),
				"Stop":    "rbfhub hub carrier stop",
			})
			return nil
		})
	},
}

var carrierStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the test carrier",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := ui.NewPrinter(cmd.OutOrStdout())
		return withEngine(func(ctx context.Context, eng *engine.Engine) error {
			if err := eng.StopCarrier(ctx); err != nil {
				return fail(p, "Failed to stop carrier", err)
			}
			p.PrintSuccess("Carrier stopped", nil)
			return nil
		})
	},
}
