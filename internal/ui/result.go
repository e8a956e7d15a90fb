package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/muurk/rbfhub/internal/engine"
)

// ResultType indicates success or failure
type ResultType int

const (
	ResultSuccess ResultType = iota
	ResultFailure
	ResultWarning
)

// Result is the box printed when a command finishes.
type Result struct {
	Type            ResultType
	Title           string
	Details         map[string]string
	Error           error
	Troubleshooting []string
	Width           int
}

// NewSuccessResult creates a success result box
func NewSuccessResult(title string, details map[string]string) *Result {
	return &Result{Type: ResultSuccess, Title: title, Details: details, Width: GetTerminalWidth()}
}

// NewFailureResult creates a failure result box. Troubleshooting tips are
// derived from the engine error type when none are given.
func NewFailureResult(title string, err error, troubleshooting []string) *Result {
	if troubleshooting == nil {
		troubleshooting = Troubleshoot(err)
	}
	return &Result{
		Type:            ResultFailure,
		Title:           title,
		Error:           err,
		Troubleshooting: troubleshooting,
		Width:           GetTerminalWidth(),
	}
}

// NewWarningResult creates a warning result box. Batches where some
// devices answered and others did not end up here.
func NewWarningResult(title string, details map[string]string) *Result {
	return &Result{Type: ResultWarning, Title: title, Details: details, Width: GetTerminalWidth()}
}

// SetWidth sets the terminal width for responsive rendering
func (r *Result) SetWidth(width int) *Result {
	r.Width = width
	return r
}

// AddDetail adds a detail key-value pair
func (r *Result) AddDetail(key, value string) *Result {
	if r.Details == nil {
		r.Details = make(map[string]string)
	}
	r.Details[key] = value
	return r
}

// Render returns the styled result box as a string
func (r *Result) Render() string {
	width := r.Width
	if width < MinTerminalWidth {
		width = MinTerminalWidth
	}

	var color lipgloss.Color
	var title string
	switch r.Type {
	case ResultFailure:
		color = ErrorColor
		title = ErrorTitleStyle.Render(fmt.Sprintf("   %s  FAILED  ─  %s", FailureMarker, r.Title))
	case ResultWarning:
		color = WarningColor
		title = lipgloss.NewStyle().Foreground(WarningColor).Bold(true).
			Render(fmt.Sprintf("   ⚠  WARNING  ─  %s", r.Title))
	default:
		color = SuccessColor
		title = SuccessTitleStyle.Render(fmt.Sprintf("   %s  SUCCESS  ─  %s", SuccessMarker, r.Title))
	}

	lines := []string{"", title, ""}
	if len(r.Details) > 0 {
		lines = append(lines, renderPairs(r.Details, ResultKeyStyle, ResultValueStyle, "   "), "")
	}
	if r.Error != nil {
		lines = append(lines, ErrorMessageStyle.Render("   Error: "+r.Error.Error()), "")
	}
	if len(r.Troubleshooting) > 0 {
		lines = append(lines, r.renderTroubleshootingBox(width), "")
	}

	return lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(color).
		Width(width - 2).
		Padding(0, 2).
		Render(strings.Join(lines, "\n"))
}

func (r *Result) renderTroubleshootingBox(width int) string {
	lines := []string{
		lipgloss.NewStyle().Foreground(MutedColor).Bold(true).Render("Troubleshooting:"),
		"",
	}
	for _, tip := range r.Troubleshooting {
		lines = append(lines, lipgloss.NewStyle().Foreground(MutedColor).Render("  • "+tip))
	}

	innerWidth := width - 12
	if innerWidth < 40 {
		innerWidth = 40
	}
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(MutedColor).
		Width(innerWidth).
		Padding(0, 1).
		MarginLeft(3).
		Render(strings.Join(lines, "\n"))
}

// String implements fmt.Stringer
func (r *Result) String() string {
	return r.Render()
}

// Troubleshoot returns hints for an engine error, or nil.
func Troubleshoot(err error) []string {
	switch {
	case err == nil:
		return nil
	case engine.IsTimeout(err):
		return []string{
			"Check the hub is powered and the link cable or bridge is connected",
			"For sub-devices, move the device closer to the hub or replace its battery",
			"Raise the policy timeout in the engine section of the config file",
		}
	case engine.IsBusy(err):
		return []string{"Another request to the same device is still pending; retry when it completes"}
	case engine.IsReject(err):
		code, _ := engine.RejectCode(err)
		return []string{fmt.Sprintf("The hub answered %s; check the device is registered and supports the command", code)}
	case engine.IsPartialFailure(err):
		return []string{"Some devices did not upgrade or answer; rerun for the failed devices only"}
	case engine.IsTransportError(err), engine.IsClosed(err):
		return []string{
			"Check the serial port or bridge address in the link section of the config file",
			"Run with RBFHUB_LOG_LEVEL=debug to see the raw frames",
		}
	}
	return nil
}

// RenderSuccess renders a success box with the given title and details
func RenderSuccess(title string, details map[string]string) string {
	return NewSuccessResult(title, details).Render()
}

// RenderFailure renders a failure box for err
func RenderFailure(title string, err error) string {
	return NewFailureResult(title, err, nil).Render()
}

// RenderWarning renders a warning box with the given title and details
func RenderWarning(title string, details map[string]string) string {
	return NewWarningResult(title, details).Render()
}
