package ui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/muurk/rbfhub/internal/engine"
	"github.com/muurk/rbfhub/internal/protocol"
)

// DefaultMonitorLines is how many events the monitor keeps on screen.
const DefaultMonitorLines = 200

// MonitorModel is a live tail of engine events.
type MonitorModel struct {
	title  string
	events <-chan engine.Event
	stats  func() engine.Stats

	lines  []string
	max    int
	counts map[engine.EventKind]int
	width  int
	height int
	closed bool
}

// NewMonitorModel tails events. stats may be nil.
func NewMonitorModel(title string, events <-chan engine.Event, stats func() engine.Stats) *MonitorModel {
	width, height := GetTerminalSize()
	return &MonitorModel{
		title:  title,
		events: events,
		stats:  stats,
		max:    DefaultMonitorLines,
		counts: make(map[engine.EventKind]int),
		width:  width,
		height: height,
	}
}

// Init implements tea.Model
func (m *MonitorModel) Init() tea.Cmd {
	return waitForEvent(m.events)
}

// Update implements tea.Model
func (m *MonitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		case "c":
			m.lines = m.lines[:0]
		}
	case tea.WindowSizeMsg:
		m.width, m.height = clampWidth(msg.Width), msg.Height
	case eventsClosedMsg:
		m.closed = true
		return m, tea.Quit
	case eventMsg:
		m.Add(engine.Event(msg))
		return m, waitForEvent(m.events)
	}
	return m, nil
}

// Add appends one event, dropping the oldest beyond the line limit.
func (m *MonitorModel) Add(ev engine.Event) {
	m.counts[ev.Kind]++
	m.lines = append(m.lines, FormatEvent(ev))
	if len(m.lines) > m.max {
		m.lines = m.lines[len(m.lines)-m.max:]
	}
}

// Count returns how many events of kind were seen.
func (m *MonitorModel) Count(kind engine.EventKind) int { return m.counts[kind] }

// Lines returns the buffered, formatted events.
func (m *MonitorModel) Lines() []string { return m.lines }

// View implements tea.Model
func (m *MonitorModel) View() string {
	header := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(PrimaryColor).
		Width(m.width - 2).
		Render(lipgloss.JoinVertical(lipgloss.Left,
			HeaderTitleStyle.Render(strings.ToUpper(m.title)),
			HeaderCommandStyle.Render(m.statusLine())))

	// header (4) + help (2)
	visible := m.height - 6
	if visible < 1 {
		visible = 1
	}
	lines := m.lines
	if len(lines) > visible {
		lines = lines[len(lines)-visible:]
	}

	var b strings.Builder
	b.WriteString(header)
	b.WriteString("\n")
	b.WriteString(strings.Join(lines, "\n"))
	b.WriteString("\n\n")
	b.WriteString(HelpStyle.Render("q: quit  c: clear"))
	return b.String()
}

func (m *MonitorModel) statusLine() string {
	if m.stats == nil {
		return fmt.Sprintf("%d events", len(m.lines))
	}
	s := m.stats()
	return fmt.Sprintf("frames in %d  out %d  corrupt %d  timeouts %d  devices %d",
		s.FramesIn, s.FramesOut, s.CorruptFrames, s.Timeouts, s.Registered)
}

// FormatEvent renders one event as a monitor line.
func FormatEvent(ev engine.Event) string {
	ts := TimestampStyle.Render(ev.Time.Format("15:04:05.000"))
	kind := EventStyle(ev.Kind).Render(ev.Kind.String())

	detail := ev.String()
	detail = strings.TrimPrefix(detail, ev.Kind.String())
	detail = strings.TrimPrefix(detail, ": ")
	if ev.Device != protocol.HubID {
		detail = ev.Device.String() + " " + detail
	}
	return fmt.Sprintf("%s  %s %s", ts, kind, strings.TrimSpace(detail))
}
