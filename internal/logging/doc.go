// Package logging provides structured logging for rbfhub.
//
// This package wraps zap logger with convenience functions for the logging
// patterns used throughout the engine, the HTTP bridge and the CLI.
//
// # Log Levels
//
// The package supports standard log levels:
//   - Debug: Frame hex dumps, retransmissions, resynchronization
//   - Info: Link connects and resets, registrations, OTA milestones
//   - Warn: Timeouts, rejected commands, handler errors
//   - Error: Transport faults, startup failures
//
// Logging is silent unless a level is passed to Initialize or set in the
// RBFHUB_LOG_LEVEL environment variable, so CLI output stays clean.
//
// # Structured Logging
//
//	logging.Info("Device registered",
//	    zap.String("device", rec.ID.String()),
//	    zap.String("type", rec.Type.String()),
//	)
//
// # Specialized Logging
//
// Frame Logging (debug level only, hex dump capped at 256 bytes):
//
//	logging.LogFrame("tx", f.Opcode.String(), f.Peer.String(), raw)
//
// Connection Logging:
//
//	logging.LogConnection(addr, "link_open")
//	logging.LogConnection(addr, "link_reset")
//
// # Output Format
//
// Logs are written to stderr in console format:
//
//	2026-03-02T10:30:45.123+0100  INFO  Connection event  {"remote_addr": "/dev/ttyUSB0", "event": "link_open"}
//
// # Thread Safety
//
// All logging functions are safe for concurrent use. SetLogger is not and is
// meant to be called during start-up or from tests.
package logging
