package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/muurk/rbfhub/internal/protocol"
)

var deviceColumns = []table.Column{
	{Title: "ID", Width: 12},
	{Title: "Type", Width: 16},
	{Title: "Firmware", Width: 9},
	{Title: "MAC", Width: 16},
	{Title: "Serial", Width: 32},
}

// DeviceRows converts registry records into table rows.
func DeviceRows(recs []protocol.Record) []table.Row {
	rows := make([]table.Row, len(recs))
	for i, r := range recs {
		rows[i] = table.Row{
			r.ID.String(),
			r.Type.String(),
			r.VersionString(),
			fmt.Sprintf("%X", r.MAC[:]),
			r.SerialHex(),
		}
	}
	return rows
}

// NewDeviceTable builds a table of registered devices.
func NewDeviceTable(recs []protocol.Record, height int, focused bool) table.Model {
	if height < 3 {
		height = 3
	}
	t := table.New(
		table.WithColumns(deviceColumns),
		table.WithRows(DeviceRows(recs)),
		table.WithHeight(height),
		table.WithFocused(focused),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(MutedColor).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(TextColor).
		Background(PrimaryColor).
		Bold(false)
	t.SetStyles(s)
	return t
}

// RenderDevices renders a static device table for non-interactive output.
func RenderDevices(recs []protocol.Record) string {
	if len(recs) == 0 {
		return StepPendingStyle.Render("  No devices registered.")
	}
	t := NewDeviceTable(recs, len(recs)+4, false)
	var b strings.Builder
	b.WriteString(t.View())
	b.WriteString("\n")
	b.WriteString(HelpStyle.Render(fmt.Sprintf("%d devices", len(recs))))
	return b.String()
}

// DeviceBrowser is an interactive device table. Enter selects a device.
type DeviceBrowser struct {
	table    table.Model
	recs     []protocol.Record
	selected *protocol.Record
}

// NewDeviceBrowser creates a browser over recs.
func NewDeviceBrowser(recs []protocol.Record) *DeviceBrowser {
	_, height := GetTerminalSize()
	return &DeviceBrowser{table: NewDeviceTable(recs, height-6, true), recs: recs}
}

// Init implements tea.Model
func (m *DeviceBrowser) Init() tea.Cmd { return nil }

// Update implements tea.Model
func (m *DeviceBrowser) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "enter":
			if i := m.table.Cursor(); i >= 0 && i < len(m.recs) {
				rec := m.recs[i]
				m.selected = &rec
			}
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View implements tea.Model
func (m *DeviceBrowser) View() string {
	return m.table.View() + "\n" + HelpStyle.Render("↑/↓: move  enter: select  q: quit") + "\n"
}

// Selected returns the chosen device, if any.
func (m *DeviceBrowser) Selected() (protocol.Record, bool) {
	if m.selected == nil {
		return protocol.Record{}, false
	}
	return *m.selected, true
}
