package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/rbfhub/internal/hubsim"
	"github.com/muurk/rbfhub/internal/logging"
	"github.com/muurk/rbfhub/internal/transport"
)

// Config holds the simulator server configuration
type Config struct {
	TCPAddr string // raw byte stream, like a ser2net bridge (empty = disabled)
	WSAddr  string // WebSocket bridge (empty = disabled)
	WSPath  string // upgrade path, default "/link"

	CertPath string // serve wss:// when both are set
	KeyPath  string

	Hub hubsim.Config
}

// Server exposes simulated hubs to engine clients. Every accepted connection
// gets its own hub seeded from Config.Hub.
type Server struct {
	config    *Config
	log       *zap.Logger
	tlsConfig *tls.Config

	tcp  net.Listener
	ws   net.Listener
	http *http.Server

	wg          sync.WaitGroup
	mu          sync.Mutex
	activeConns map[string]*hubsim.Hub
	closed      bool
}

// New creates a new Server instance
func New(config *Config) (*Server, error) {
	if config.TCPAddr == "" && config.WSAddr == "" {
		return nil, fmt.Errorf("no listen address configured")
	}
	if config.WSPath == "" {
		config.WSPath = "/link"
	}

	s := &Server{
		config:      config,
		log:         logging.Named("server"),
		activeConns: make(map[string]*hubsim.Hub),
	}
	if config.CertPath != "" || config.KeyPath != "" {
		tlsConfig, err := NewTLSConfig(config.CertPath, config.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		s.tlsConfig = tlsConfig
		s.log.Info("TLS Configuration", zap.Any("tls_info", GetTLSInfo(tlsConfig)))
	}
	if config.Hub.Logger == nil {
		config.Hub.Logger = logging.GetLogger()
	}
	return s, nil
}

// Listen opens the configured listeners without serving them.
func (s *Server) Listen() error {
	if s.config.TCPAddr != "" {
		l, err := net.Listen("tcp", s.config.TCPAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.config.TCPAddr, err)
		}
		s.tcp = l
	}
	if s.config.WSAddr != "" {
		l, err := net.Listen("tcp", s.config.WSAddr)
		if err != nil {
			if s.tcp != nil {
				_ = s.tcp.Close()
			}
			return fmt.Errorf("failed to listen on %s: %w", s.config.WSAddr, err)
		}
		if s.tlsConfig != nil {
			l = tls.NewListener(l, s.tlsConfig)
		}
		s.ws = l
		s.http = newHTTPServer(s)
	}
	return nil
}

// TCPAddr returns the bound raw TCP address, or "" when disabled.
func (s *Server) TCPAddr() string {
	if s.tcp == nil {
		return ""
	}
	return s.tcp.Addr().String()
}

// WSURL returns the URL clients dial for the WebSocket bridge, or "" when disabled.
func (s *Server) WSURL() string {
	if s.ws == nil {
		return ""
	}
	scheme := "ws"
	if s.tlsConfig != nil {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, s.ws.Addr().String(), s.config.WSPath)
}

// Start serves until ctx is canceled or a listener fails, then shuts down.
func (s *Server) Start(ctx context.Context) error {
	if s.tcp == nil && s.ws == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	errChan := make(chan error, 2)
	if s.tcp != nil {
		s.log.Info("Simulated hub listening", zap.String("transport", "tcp"), zap.String("addr", s.TCPAddr()))
		go func() {
			errChan <- s.acceptConnections()
		}()
	}
	if s.ws != nil {
		s.log.Info("Simulated hub listening", zap.String("transport", "websocket"), zap.String("url", s.WSURL()))
		go func() {
			err := s.http.Serve(s.ws)
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			errChan <- err
		}()
	}

	select {
	case <-ctx.Done():
		s.log.Info("Shutdown requested, stopping simulator...")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		if err != nil {
			_ = s.Shutdown(context.Background())
		}
		return err
	}
}

// acceptConnections accepts raw TCP clients
func (s *Server) acceptConnections() error {
	for {
		conn, err := s.tcp.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Error("Failed to accept connection", zap.Error(err))
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveLink(conn.RemoteAddr().String(), transport.NewTCPConn(conn))
		}()
	}
}

// serveLink runs a simulated hub on link until the client goes away.
func (s *Server) serveLink(remoteAddr string, link transport.Transport) {
	hub := hubsim.New(link, s.config.Hub)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = link.Close()
		return
	}
	s.activeConns[remoteAddr] = hub
	s.mu.Unlock()

	defer func() {
		_ = link.Close()
		s.mu.Lock()
		delete(s.activeConns, remoteAddr)
		s.mu.Unlock()
		logging.LogConnection(remoteAddr, "connection_closed")
	}()

	logging.LogConnection(remoteAddr, "connection_accepted")
	if err := hub.Serve(); err != nil && !errors.Is(err, transport.ErrClosed) {
		s.log.Info("Connection closed", zap.String("remote_addr", remoteAddr), zap.Error(err))
	}
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down simulator...")

	if s.tcp != nil {
		if err := s.tcp.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Error("Error closing listener", zap.Error(err))
		}
	}
	if s.http != nil {
		// Hijacked WebSocket connections are closed below.
		_ = s.http.Close()
	}

	s.mu.Lock()
	s.closed = true
	for addr, hub := range s.activeConns {
		s.log.Debug("Closing active connection", zap.String("remote_addr", addr))
		_ = hub.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("All connections closed gracefully")
	case <-ctx.Done():
		s.log.Warn("Shutdown timeout, forcing close")
	case <-time.After(10 * time.Second):
		s.log.Warn("Shutdown timeout after 10 seconds, forcing close")
	}
	return nil
}

// GetActiveConnections returns the number of active connections
func (s *Server) GetActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.activeConns)
}
