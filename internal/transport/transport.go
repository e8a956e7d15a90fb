// Package transport provides the byte-stream links the engine talks to the
// hub over: a local serial port, a TCP serial bridge, a WebSocket bridge and
// an in-memory pipe for tests and the simulator.
//
// A Transport owns no protocol knowledge. It moves bytes and reports I/O
// errors; framing, resynchronization and retries live in the engine.
package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport closed")

// Transport is a lossy, half-duplex byte link to the hub.
//
// Read waits up to timeout for data and returns whatever is available, which
// may be a partial frame. It returns 0 and a nil error when the timeout
// elapses without data. Write may accept fewer bytes than given only together
// with an error.
type Transport interface {
	Read(buf []byte, timeout time.Duration) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Resetter is implemented by transports that can re-establish the link
// after the engine declares it unrecoverable.
type Resetter interface {
	Reset() error
}

// Describer is implemented by transports that can name their endpoint for logs.
type Describer interface {
	Describe() string
}

// Kind names a transport implementation in configuration.
type Kind string

const (
	KindSerial    Kind = "serial"
	KindTCP       Kind = "tcp"
	KindWebSocket Kind = "websocket"
)

// Options select and configure a transport for Open.
type Options struct {
	Kind        Kind
	Port        string // serial device path
	Baud        int
	Address     string // host:port of a TCP serial bridge
	URL         string // ws:// or wss:// URL of a WebSocket bridge
	DialTimeout time.Duration
}

// Open creates the transport described by opts.
func Open(opts Options) (Transport, error) {
	switch opts.Kind {
	case KindSerial, "":
		return OpenSerial(opts.Port, opts.Baud)
	case KindTCP:
		return DialTCP(opts.Address, opts.DialTimeout)
	case KindWebSocket:
		return DialWebSocket(opts.URL, opts.DialTimeout)
	default:
		return nil, fmt.Errorf("unknown transport kind %q", opts.Kind)
	}
}

// Describe returns a printable name for t.
func Describe(t Transport) string {
	if d, ok := t.(Describer); ok {
		return d.Describe()
	}
	return fmt.Sprintf("%T", t)
}
