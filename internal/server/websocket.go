package server

import (
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muurk/rbfhub/internal/transport"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Bench tool: any origin may attach.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleWebSocket upgrades the request and attaches a simulated hub that
// exchanges raw frame bytes as binary messages.
func (s *Server) handleWebSocket(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade failed",
			zap.String("remote_addr", req.RemoteAddr),
			zap.Error(err),
		)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.serveLink(req.RemoteAddr, transport.NewWebSocketConn(conn))
	}()
}
