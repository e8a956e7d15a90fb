package transport

import (
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/muurk/rbfhub/internal/logging"
)

// DefaultBaudRate is the hub UART speed.
const DefaultBaudRate = 115200

// Serial is a hub attached to a local UART or USB serial adapter.
//
// Serial is driven by a single goroutine; Close may be called from any.
type Serial struct {
	portName    string
	mode        *serial.Mode
	port        serial.Port
	readTimeout time.Duration
}

// OpenSerial opens portName at baud 8N1.
func OpenSerial(portName string, baud int) (*Serial, error) {
	if portName == "" {
		return nil, fmt.Errorf("serial port not configured")
	}
	if baud <= 0 {
		baud = DefaultBaudRate
	}

	s := &Serial{
		portName: portName,
		mode: &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
	}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Serial) open() error {
	port, err := serial.Open(s.portName, s.mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", s.portName, err)
	}
	s.port = port
	s.readTimeout = -1 // port starts in blocking mode
	logging.LogConnection(s.portName, "link_open")
	return nil
}

// Read implements Transport.
func (s *Serial) Read(buf []byte, timeout time.Duration) (int, error) {
	if s.port == nil {
		return 0, ErrClosed
	}
	if timeout != s.readTimeout {
		if err := s.port.SetReadTimeout(timeout); err != nil {
			return 0, fmt.Errorf("failed to set read timeout: %w", err)
		}
		s.readTimeout = timeout
	}
	// go.bug.st/serial returns 0, nil when the timeout expires.
	n, err := s.port.Read(buf)
	if err != nil {
		return n, fmt.Errorf("serial read: %w", err)
	}
	return n, nil
}

// Write implements Transport.
func (s *Serial) Write(p []byte) (int, error) {
	if s.port == nil {
		return 0, ErrClosed
	}
	written := 0
	for written < len(p) {
		n, err := s.port.Write(p[written:])
		written += n
		if err != nil {
			return written, fmt.Errorf("serial write: %w", err)
		}
	}
	return written, nil
}

// Reset closes and reopens the port and discards anything buffered.
func (s *Serial) Reset() error {
	if s.port != nil {
		_ = s.port.Close()
		s.port = nil
	}
	logging.LogConnection(s.portName, "link_reset")
	if err := s.open(); err != nil {
		logging.Warn("Serial reopen failed", zap.String("port", s.portName), zap.Error(err))
		return err
	}
	if err := s.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("failed to flush input: %w", err)
	}
	return s.port.ResetOutputBuffer()
}

// Close implements Transport.
func (s *Serial) Close() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	logging.LogConnection(s.portName, "link_closed")
	return err
}

// Describe implements Describer.
func (s *Serial) Describe() string {
	return fmt.Sprintf("serial %s @ %d", s.portName, s.mode.BaudRate)
}

// ListSerialPorts returns the serial ports present on this machine.
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}
