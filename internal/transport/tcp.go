package transport

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/rbfhub/internal/logging"
)

// DefaultDialTimeout bounds connection setup for network transports.
const DefaultDialTimeout = 5 * time.Second

// TCP is a hub reached through a raw TCP serial bridge such as ser2net.
type TCP struct {
	addr        string
	dialTimeout time.Duration
	conn        net.Conn
}

// DialTCP connects to a serial bridge at addr.
func DialTCP(addr string, timeout time.Duration) (*TCP, error) {
	if addr == "" {
		return nil, fmt.Errorf("tcp address not configured")
	}
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	t := &TCP{addr: addr, dialTimeout: timeout}
	if err := t.dial(); err != nil {
		return nil, err
	}
	return t, nil
}

// NewTCPConn wraps an accepted connection, as the simulator does.
func NewTCPConn(conn net.Conn) *TCP {
	return &TCP{addr: conn.RemoteAddr().String(), conn: conn}
}

func (t *TCP) dial() error {
	conn, err := net.DialTimeout("tcp", t.addr, t.dialTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", t.addr, err)
	}
	t.conn = conn
	logging.LogConnection(t.addr, "link_open")
	return nil
}

// Read implements Transport.
func (t *TCP) Read(buf []byte, timeout time.Duration) (int, error) {
	if t.conn == nil {
		return 0, ErrClosed
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, fmt.Errorf("tcp set deadline: %w", err)
	}
	n, err := t.conn.Read(buf)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return n, nil
		}
		if errors.Is(err, net.ErrClosed) {
			return n, ErrClosed
		}
		return n, fmt.Errorf("tcp read: %w", err)
	}
	return n, nil
}

// Write implements Transport.
func (t *TCP) Write(p []byte) (int, error) {
	if t.conn == nil {
		return 0, ErrClosed
	}
	n, err := t.conn.Write(p)
	if err != nil {
		return n, fmt.Errorf("tcp write: %w", err)
	}
	return n, nil
}

// Reset drops the connection and dials again. Accepted connections cannot
// be reset.
func (t *TCP) Reset() error {
	if t.dialTimeout == 0 {
		return fmt.Errorf("cannot reset accepted connection from %s", t.addr)
	}
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	logging.LogConnection(t.addr, "link_reset")
	if err := t.dial(); err != nil {
		logging.Error("Redial failed", zap.String("addr", t.addr), zap.Error(err))
		return err
	}
	return nil
}

// Close implements Transport.
func (t *TCP) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	logging.LogConnection(t.addr, "link_closed")
	return err
}

// Describe implements Describer.
func (t *TCP) Describe() string {
	return "tcp " + t.addr
}
