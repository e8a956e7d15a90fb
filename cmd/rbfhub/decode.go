package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/muurk/rbfhub/internal/protocol"
	"github.com/muurk/rbfhub/internal/ui"
)

var (
	decodeRaw   bool
	decodeQuiet bool
)

func init() {
	decodeCmd.Flags().BoolVar(&decodeRaw, "raw", false, "Input is binary rather than hex text")
	decodeCmd.Flags().BoolVarP(&decodeQuiet, "quiet", "q", false, "Only print the summary")
	rootCmd.AddCommand(decodeCmd)
}

var decodeCmd = &cobra.Command{
	Use:   "decode <capture>",
	Short: "Decode a captured link byte stream",
	Long: `Decode a capture of link traffic offline and report every frame, the
message it carries, and a per-opcode summary with corruption counts.

By default the capture is hex text: whitespace is ignored and everything
after '#' on a line is a comment. Use --raw for a binary dump such as the
output of a serial sniffer.`,
	Example: `  rbfhub decode capture.hex
  rbfhub decode --raw --quiet ttyUSB0.bin`,
	Args: cobra.ExactArgs(1),
	RunE: runDecode,
}

// captureFrame is one frame found in a capture.
type captureFrame struct {
	Frame   protocol.Frame
	Summary string
	Err     error
}

// captureStats summarizes a decoded capture.
type captureStats struct {
	Frames    []captureFrame
	ByOpcode  map[protocol.Opcode]int
	Unparsed  int
	Corrupt   uint64
	Skipped   uint64
	Truncated int // bytes of an incomplete frame at the end
}

// parseHexCapture strips comments and whitespace and decodes the rest.
func parseHexCapture(text string) ([]byte, error) {
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		for _, f := range strings.Fields(line) {
			b.WriteString(f)
		}
	}
	data, err := hex.DecodeString(b.String())
	if err != nil {
		return nil, fmt.Errorf("invalid hex capture: %w", err)
	}
	return data, nil
}

func decodeCapture(data []byte) captureStats {
	stats := captureStats{ByOpcode: make(map[protocol.Opcode]int)}
	dec := protocol.NewDecoder()
	dec.Feed(data)
	for {
		f, err := dec.Next()
		if errors.Is(err, protocol.ErrNeedMoreData) {
			break
		}
		if err != nil {
			continue
		}
		stats.ByOpcode[f.Opcode]++
		cf := captureFrame{Frame: f}
		if f.Opcode.IsResponse() {
			status, data, err := protocol.ParseAck(f)
			cf.Err = err
			cf.Summary = fmt.Sprintf("ack %s status=%s data=%d bytes", f.Opcode.Request(), status, len(data))
		} else if msg, err := protocol.ParseMessage(f); err != nil {
			cf.Err = err
		} else {
			cf.Summary = msg.String()
		}
		if cf.Err != nil {
			stats.Unparsed++
		}
		stats.Frames = append(stats.Frames, cf)
	}
	stats.Corrupt = dec.Corrupt()
	stats.Skipped = dec.Skipped()
	stats.Truncated = dec.Buffered()
	return stats
}

func runDecode(cmd *cobra.Command, args []string) error {
	p := ui.NewPrinter(cmd.OutOrStdout())
	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fail(p, "Failed to read capture", err)
	}
	data := raw
	if !decodeRaw {
		if data, err = parseHexCapture(string(raw)); err != nil {
			return fail(p, "Failed to read capture", err)
		}
	}

	stats := decodeCapture(data)
	if !decodeQuiet {
		for i, f := range stats.Frames {
			line := fmt.Sprintf("%4d  %-22s %-10s ", i+1, f.Frame.Opcode, f.Frame.Peer)
			if f.Err != nil {
				line += "unparsed: " + f.Err.Error()
			} else {
				line += f.Summary
			}
			p.Println(line)
		}
		p.Newline()
	}

	details := map[string]string{
		"Bytes":    fmt.Sprintf("%d", len(data)),
		"Frames":   fmt.Sprintf("%d", len(stats.Frames)),
		"Unparsed": fmt.Sprintf("%d", stats.Unparsed),
		"Corrupt":  fmt.Sprintf("%d (%d bytes skipped)", stats.Corrupt, stats.Skipped),
	}
	if stats.Truncated > 0 {
		details["Truncated"] = fmt.Sprintf("%d bytes at end", stats.Truncated)
	}
	ops := make([]protocol.Opcode, 0, len(stats.ByOpcode))
	for op := range stats.ByOpcode {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	for _, op := range ops {
		details["  "+op.String()] = fmt.Sprintf("%d", stats.ByOpcode[op])
	}

	if stats.Corrupt > 0 || stats.Unparsed > 0 {
		p.PrintWarning("Capture decoded with errors", details)
	} else {
		p.PrintSuccess("Capture decoded", details)
	}
	return nil
}
