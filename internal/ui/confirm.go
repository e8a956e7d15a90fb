package ui

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Confirm shows a warning box and asks the user to type phrase. It returns
// true only when the typed line matches phrase exactly.
func Confirm(in io.Reader, out io.Writer, title string, warnings []string, phrase string) bool {
	width := GetTerminalWidth()

	lines := []string{
		"",
		lipgloss.NewStyle().Foreground(WarningColor).Bold(true).
			Render(fmt.Sprintf("   ⚠  WARNING  ─  %s", title)),
		"",
	}
	for _, w := range warnings {
		lines = append(lines, lipgloss.NewStyle().Foreground(TextColor).Render("   • "+w))
	}
	lines = append(lines, "")

	box := lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(WarningColor).
		Width(width - 2).
		Padding(0, 2).
		Render(strings.Join(lines, "\n"))

	_, _ = fmt.Fprintln(out, box)
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprint(out, lipgloss.NewStyle().Foreground(WarningColor).Bold(true).
		Render(fmt.Sprintf("To proceed, type %q and press Enter: ", phrase)))

	input, err := bufio.NewReader(in).ReadString('\n')
	_, _ = fmt.Fprintln(out)
	if err != nil && input == "" {
		return false
	}
	if strings.TrimSpace(input) == phrase {
		return true
	}

	_, _ = fmt.Fprintln(out, lipgloss.NewStyle().Foreground(MutedColor).Render("  Operation cancelled."))
	return false
}

// ConfirmDeleteAll guards "rbfhub delete --all".
func ConfirmDeleteAll(in io.Reader, out io.Writer, count int) bool {
	return Confirm(in, out, "DELETE ALL DEVICES", []string{
		fmt.Sprintf("All %d registered sub-devices will be removed from the hub", count),
		"Every device must be paired again before it reports to the hub",
	}, "delete all")
}

// ConfirmOTA guards firmware upgrades.
func ConfirmOTA(in io.Reader, out io.Writer, target string) bool {
	return Confirm(in, out, "FIRMWARE UPGRADE", []string{
		"This operation writes new firmware to " + target,
		"Keep the hub powered and the link connected until it completes",
		"An interrupted upgrade may leave the hub in its bootloader",
	}, "upgrade")
}
