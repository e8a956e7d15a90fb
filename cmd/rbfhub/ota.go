package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/muurk/rbfhub/internal/engine"
	"github.com/muurk/rbfhub/internal/protocol"
	"github.com/muurk/rbfhub/internal/ui"
)

var (
	otaAssumeYes bool
	otaImage     string
)

func init() {
	hubOTACmd.Flags().BoolVarP(&otaAssumeYes, "yes", "y", false, "Skip the confirmation prompt")
	subdevOTACmd.Flags().BoolVarP(&otaAssumeYes, "yes", "y", false, "Skip the confirmation prompt")
	subdevOTACmd.Flags().StringVar(&otaImage, "image", "", "Firmware image file (required)")
	_ = subdevOTACmd.MarkFlagRequired("image")

	rootCmd.AddCommand(hubOTACmd)
	rootCmd.AddCommand(subdevOTACmd)
}

// firmware is an opened image file. *os.File serves the engine's chunk
// requests directly.
type firmware struct {
	*os.File
	size uint32
}

func openFirmware(path string) (*firmware, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open firmware image: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat firmware image: %w", err)
	}
	if info.Size() == 0 || info.Size() > math.MaxUint32 {
		_ = f.Close()
		return nil, fmt.Errorf("firmware image %s has unusable size %d", path, info.Size())
	}
	return &firmware{File: f, size: uint32(info.Size())}, nil
}

// otaEvents forwards the events of one OTA flavour to a channel. The
// subscriber runs on the engine worker, so a full channel drops the event.
func otaEvents(eng *engine.Engine, kind engine.EventKind) (<-chan engine.Event, func()) {
	ch := make(chan engine.Event, 256)
	unsubscribe := eng.Subscribe(func(ev engine.Event) {
		if ev.Kind != kind {
			return
		}
		select {
		case ch <- ev:
		default:
		}
	})
	return ch, unsubscribe
}

// followOTA shows progress until the upgrade ends. It returns true when the
// user asked to abort.
func followOTA(ctx context.Context, p *ui.Printer, model *ui.OTAModel, events <-chan engine.Event) (bool, error) {
	if ui.Interactive() {
		final, err := ui.Run(model)
		if err != nil {
			return false, err
		}
		m := final.(*ui.OTAModel)
		return m.Aborted(), nil
	}

	last := -1
	for !model.Done() {
		select {
		case <-ctx.Done():
			return true, nil
		case ev := <-events:
			model.Apply(ev)
			pct := otaPercent(ev)
			if pct < 0 || pct/10 != last/10 || model.Done() {
				p.Println(ui.FormatEvent(ev))
				last = pct
			}
		}
	}
	return false, nil
}

// otaPercent is the progress carried by a progress event, or -1.
func otaPercent(ev engine.Event) int {
	switch {
	case ev.HubOTA != nil && ev.HubOTA.Phase == engine.HubOTAProgress:
		return ev.HubOTA.Status.Percent
	case ev.SubdevOTA != nil && ev.SubdevOTA.Phase == engine.SubdevOTAProgress:
		return ev.SubdevOTA.Percent
	}
	return -1
}

var hubOTACmd = &cobra.Command{
	Use:   "ota <image>",
	Short: "Upgrade the hub firmware",
	Long: `Upgrade the hub firmware from a local image file.

The hub is switched to its bootloader, then pulls the image in chunks. The
command follows progress until the hub reports the result. Pressing q or
Ctrl+C aborts the upgrade.`,
	Example: `  rbfhub ota hub-v3.5.0.bin
  rbfhub ota --yes hub-v3.5.0.bin`,
	Args: cobra.ExactArgs(1),
	RunE: runHubOTA,
}

func runHubOTA(cmd *cobra.Command, args []string) error {
	p := ui.NewPrinter(cmd.OutOrStdout())
	fw, err := openFirmware(args[0])
	if err != nil {
		return fail(p, "Invalid firmware image", err)
	}
	defer fw.Close()

	p.PrintHeader("Hub firmware upgrade", "ota", map[string]string{
		"Link":  linkDescription(),
		"Image": args[0],
		"Size":  fmt.Sprintf("%d bytes", fw.size),
	})
	if !otaAssumeYes && !ui.ConfirmOTA(os.Stdin, cmd.OutOrStdout(), "the hub") {
		return nil
	}

	ctx, stop := signalContext()
	defer stop()
	eng, closeEngine, err := openEngine()
	if err != nil {
		return fail(p, "Failed to open hub link", err)
	}
	defer closeEngine()

	events, stopEvents := otaEvents(eng, engine.EventHubOTA)
	defer stopEvents()

	if err := eng.StartHubOTA(ctx, fw.size, fw); err != nil {
		return fail(p, "Failed to start upgrade", err)
	}

	model := ui.NewHubOTAModel(events)
	aborted, err := followOTA(ctx, p, model, events)
	if err != nil {
		return err
	}
	if aborted {
		abortCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.AbortHubOTA(abortCtx); err != nil && !engine.IsValidationError(err) {
			return fail(p, "Failed to abort upgrade", err)
		}
		p.PrintWarning("Upgrade aborted", map[string]string{"Transferred": fmt.Sprintf("%d%%", eng.HubOTAStatus().Percent)})
		return nil
	}
	if err := model.Err(); err != nil {
		return fail(p, "Hub upgrade failed", err)
	}
	p.PrintSuccess("Hub upgraded", map[string]string{"Image": args[0]})
	return nil
}

var subdevOTACmd = &cobra.Command{
	Use:   "subdev-ota <category> <no>...",
	Short: "Upgrade sub-device firmware",
	Long: `Upgrade up to 64 sub-devices of one category from a local image file.

The hub relays the image to every listed device and reports a result per
device. Key fobs cannot be upgraded.`,
	Example: `  # Upgrade IO devices 1, 2 and 5
  rbfhub subdev-ota io 1 2 5 --image mc-v2.1.bin`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSubdevOTA,
}

func runSubdevOTA(cmd *cobra.Command, args []string) error {
	p := ui.NewPrinter(cmd.OutOrStdout())

	cat, err := protocol.ParseCategory(args[0])
	if err != nil {
		return fail(p, "Invalid category", err)
	}
	nos := make([]uint8, 0, len(args)-1)
	for _, a := range args[1:] {
		n, err := strconv.ParseUint(a, 10, 8)
		if err != nil {
			return fail(p, "Invalid arguments", fmt.Errorf("invalid registration number %q", a))
		}
		nos = append(nos, uint8(n))
	}

	fw, err := openFirmware(otaImage)
	if err != nil {
		return fail(p, "Invalid firmware image", err)
	}
	defer fw.Close()

	target := fmt.Sprintf("%d %s devices", len(nos), cat)
	p.PrintHeader("Sub-device firmware upgrade", "subdev-ota", map[string]string{
		"Link":    linkDescription(),
		"Devices": cat.String() + " " + strings.Join(args[1:], ", "),
		"Image":   otaImage,
		"Size":    fmt.Sprintf("%d bytes", fw.size),
	})
	if !otaAssumeYes && !ui.ConfirmOTA(os.Stdin, cmd.OutOrStdout(), target) {
		return nil
	}

	ctx, stop := signalContext()
	defer stop()
	eng, closeEngine, err := openEngine()
	if err != nil {
		return fail(p, "Failed to open hub link", err)
	}
	defer closeEngine()

	events, stopEvents := otaEvents(eng, engine.EventSubdevOTA)
	defer stopEvents()

	session, err := eng.StartSubdevOTA(ctx, cat, nos, fw.size, fw)
	if err != nil {
		return fail(p, "Failed to start upgrade", err)
	}

	model := ui.NewSubdevOTAModel(events, len(nos))
	aborted, err := followOTA(ctx, p, model, events)
	if err != nil {
		return err
	}
	if aborted {
		abortCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := eng.AbortSubdevOTA(abortCtx); err != nil && !engine.IsValidationError(err) {
			return fail(p, "Failed to abort upgrade", err)
		}
		p.PrintWarning("Upgrade aborted", map[string]string{"Session": session})
		return nil
	}
	if err := model.Err(); err != nil {
		return fail(p, "Sub-device upgrade failed", err)
	}

	details := map[string]string{"Session": session, "Upgraded": fmt.Sprint(model.Succeeded())}
	if failures := model.Failures(); len(failures) > 0 {
		for _, f := range failures {
			details[fmt.Sprintf("Failed %s:%d", cat, f.No)] = f.Code.String()
		}
		p.PrintWarning("Upgrade finished with failures", details)
		return nil
	}
	p.PrintSuccess("Sub-devices upgraded", details)
	return nil
}
