package ui

import (
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Header is the banner printed before a long-running command, showing the
// operation and the parameters it runs with.
type Header struct {
	Title   string            // e.g. "HUB FIRMWARE UPGRADE"
	Command string            // e.g. "rbfhub ota hub.bin"
	Params  map[string]string // e.g. {"Link": "serial /dev/ttyUSB0", "Image": "hub.bin"}
	Width   int
}

// NewHeader creates a new header with the given values
func NewHeader(title, command string, params map[string]string) *Header {
	return &Header{
		Title:   title,
		Command: command,
		Params:  params,
		Width:   GetTerminalWidth(),
	}
}

// SetWidth sets the terminal width for responsive rendering
func (h *Header) SetWidth(width int) *Header {
	h.Width = width
	return h
}

// Render returns the styled header. Parameters are listed in key order.
func (h *Header) Render() string {
	width := h.Width
	if width < MinTerminalWidth {
		width = MinTerminalWidth
	}

	top := lipgloss.JoinVertical(lipgloss.Left,
		HeaderTitleStyle.Render(strings.ToUpper(h.Title)),
		HeaderCommandStyle.Render(h.Command))

	content := top
	if len(h.Params) > 0 {
		dividerWidth := width - 6
		if dividerWidth < 10 {
			dividerWidth = 10
		}
		content = lipgloss.JoinVertical(lipgloss.Left,
			top,
			RenderHorizontalDivider(dividerWidth, "─"),
			renderPairs(h.Params, HeaderParamKeyStyle, HeaderParamValueStyle, ""))
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(PrimaryColor).
		Width(width - 2).
		Render(content)
}

// String implements fmt.Stringer
func (h *Header) String() string {
	return h.Render()
}

// renderPairs renders "key: value" lines sorted by key.
func renderPairs(pairs map[string]string, keyStyle, valueStyle lipgloss.Style, indent string) string {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, keyStyle.Render(indent+k+":")+" "+valueStyle.Render(pairs[k]))
	}
	return strings.Join(lines, "\n")
}
