// Package ui provides the terminal views of the rbfhub CLI.
//
// Static components (Header, Result, device tables) render once with
// Lipgloss and are printed through a Printer. Interactive views are Bubble
// Tea models fed from an engine event channel:
//
//   - OTAModel: firmware upgrade progress for the hub or a sub-device batch
//   - MonitorModel: live tail of every engine event with link counters
//   - DeviceBrowser: scrollable table of the registry
//
// Commands check Interactive first and fall back to plain lines when stdin
// or stdout is not a terminal.
//
// # Logging Integration
//
// Zap logging is silent unless RBFHUB_LOG_LEVEL is set, so log lines do not
// tear through the interactive views.
package ui
