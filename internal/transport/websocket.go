package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muurk/rbfhub/internal/logging"
)

// WebSocket carries the raw hub byte stream as binary WebSocket messages,
// for hubs exposed by a remote bridge or by the simulator.
//
// gorilla/websocket connections cannot be read again after a read deadline
// expires, so a background goroutine owns the reader and Read waits on it.
type WebSocket struct {
	url         string
	dialTimeout time.Duration

	mu     sync.Mutex // guards conn for writes and reset
	conn   *websocket.Conn
	reader chunkReader
	closed chan struct{}
	once   sync.Once
}

// DialWebSocket connects to a bridge at url (ws:// or wss://).
func DialWebSocket(url string, timeout time.Duration) (*WebSocket, error) {
	if url == "" {
		return nil, fmt.Errorf("websocket url not configured")
	}
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	w := &WebSocket{url: url, dialTimeout: timeout, closed: make(chan struct{})}
	if err := w.dial(); err != nil {
		return nil, err
	}
	return w, nil
}

// NewWebSocketConn wraps an upgraded server-side connection.
func NewWebSocketConn(conn *websocket.Conn) *WebSocket {
	w := &WebSocket{url: conn.RemoteAddr().String(), closed: make(chan struct{})}
	w.attach(conn)
	return w
}

func (w *WebSocket) dial() error {
	dialer := websocket.Dialer{HandshakeTimeout: w.dialTimeout}
	conn, _, err := dialer.Dial(w.url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", w.url, err)
	}
	w.attach(conn)
	logging.LogConnection(w.url, "link_open")
	return nil
}

func (w *WebSocket) attach(conn *websocket.Conn) {
	ch := make(chan []byte, 64)
	w.conn = conn
	w.reader = chunkReader{ch: ch, done: w.closed}
	go w.pump(conn, ch)
}

func (w *WebSocket) pump(conn *websocket.Conn, ch chan<- []byte) {
	defer close(ch)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, websocket.ErrCloseSent) {
				logging.Debug("WebSocket link reader stopped", zap.Error(err))
			}
			return
		}
		if msgType != websocket.BinaryMessage || len(data) == 0 {
			continue
		}
		select {
		case ch <- data:
		case <-w.closed:
			return
		}
	}
}

// Read implements Transport.
func (w *WebSocket) Read(buf []byte, timeout time.Duration) (int, error) {
	return w.reader.read(buf, timeout)
}

// Write implements Transport. Each call becomes one binary message.
func (w *WebSocket) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	select {
	case <-w.closed:
		return 0, ErrClosed
	default:
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, fmt.Errorf("websocket write: %w", err)
	}
	return len(p), nil
}

// Reset redials a client connection.
func (w *WebSocket) Reset() error {
	if w.dialTimeout == 0 {
		return fmt.Errorf("cannot reset accepted connection from %s", w.url)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.Close()
	logging.LogConnection(w.url, "link_reset")
	return w.dial()
}

// Close implements Transport.
func (w *WebSocket) Close() error {
	var err error
	w.once.Do(func() {
		close(w.closed)
		w.mu.Lock()
		defer w.mu.Unlock()
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		err = w.conn.Close()
		logging.LogConnection(w.url, "link_closed")
	})
	return err
}

// Describe implements Describer.
func (w *WebSocket) Describe() string {
	return "websocket " + w.url
}
