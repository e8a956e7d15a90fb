package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

// StepStatus represents the current state of a step
type StepStatus int

const (
	StepPending StepStatus = iota
	StepRunning
	StepComplete
	StepFailed
)

// Step is one phase of a multi-phase operation.
type Step struct {
	Name    string
	Status  StepStatus
	Message string // e.g. "62%", "3 devices"
}

// Progress is a progress bar above a list of phases. The bar tracks the
// transfer percentage reported by the hub, not the phase count.
type Progress struct {
	Label   string
	Steps   []Step
	Percent int // 0-100
	Width   int
	bar     progress.Model
}

// NewProgress creates a progress display with one pending step per name.
func NewProgress(label string, names ...string) *Progress {
	steps := make([]Step, len(names))
	for i, name := range names {
		steps[i] = Step{Name: name}
	}
	p := &Progress{Label: label, Steps: steps}
	return p.SetWidth(GetTerminalWidth())
}

// SetWidth sets the terminal width for responsive rendering
func (p *Progress) SetWidth(width int) *Progress {
	p.Width = width
	barWidth := width - 20
	if barWidth < 20 {
		barWidth = 20
	}
	if barWidth > 50 {
		barWidth = 50
	}
	p.bar = progress.New(progress.WithDefaultGradient(), progress.WithWidth(barWidth))
	return p
}

// SetStep updates a step by 0-based index. Out-of-range indexes are ignored.
func (p *Progress) SetStep(i int, status StepStatus, message string) {
	if i < 0 || i >= len(p.Steps) {
		return
	}
	p.Steps[i].Status = status
	p.Steps[i].Message = message
}

// SetPercent sets the bar position, clamped to 0-100.
func (p *Progress) SetPercent(pct int) {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	p.Percent = pct
}

// Running returns the index of the first running step, or -1.
func (p *Progress) Running() int {
	for i, s := range p.Steps {
		if s.Status == StepRunning {
			return i
		}
	}
	return -1
}

// Render returns the styled progress display as a string
func (p *Progress) Render() string {
	var b strings.Builder
	if p.Label != "" {
		b.WriteString(ProgressLabelStyle.Render(p.Label))
		b.WriteString("\n\n")
	}

	b.WriteString(lipgloss.NewStyle().PaddingLeft(2).Render(
		fmt.Sprintf("%s  %3d%%", p.bar.ViewAs(float64(p.Percent)/100), p.Percent)))
	b.WriteString("\n\n")

	lines := make([]string, len(p.Steps))
	for i, step := range p.Steps {
		lines[i] = p.renderStepLine(i, step)
	}
	b.WriteString(strings.Join(lines, "\n"))
	return b.String()
}

func (p *Progress) renderStepLine(i int, step Step) string {
	var marker string
	var style lipgloss.Style
	switch step.Status {
	case StepComplete:
		marker, style = StepMarkerComplete, StepCompleteStyle
	case StepRunning:
		marker, style = StepMarkerRunning, StepRunningStyle
	case StepFailed:
		marker, style = FailureMarker, ErrorTitleStyle
	default:
		marker, style = StepMarkerPending, StepPendingStyle
	}

	var b strings.Builder
	fmt.Fprintf(&b, "  [%d/%d] ", i+1, len(p.Steps))
	b.WriteString(style.Render(step.Name))

	padding := 36 - lipgloss.Width(step.Name)
	if padding < 1 {
		padding = 1
	}
	b.WriteString(strings.Repeat(" ", padding))
	b.WriteString(style.Render(marker))

	if step.Message != "" {
		b.WriteString("  ")
		b.WriteString(StepNoteStyle.Render("(" + step.Message + ")"))
	}
	return b.String()
}

// String implements fmt.Stringer
func (p *Progress) String() string {
	return p.Render()
}
