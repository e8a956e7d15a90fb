package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/muurk/rbfhub/internal/hubsim"
	"github.com/muurk/rbfhub/internal/protocol"
	"github.com/muurk/rbfhub/internal/transport"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	srv, err := New(&Config{
		TCPAddr: "127.0.0.1:0",
		WSAddr:  "127.0.0.1:0",
		Hub:     hubsim.Config{Version: "SIM 9.9.9"},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Start() error = %v", err)
		}
	})
	return srv
}

// version asks the simulated hub behind link for its version string.
func version(t *testing.T, link transport.Transport) string {
	t.Helper()
	raw, _ := protocol.Encode(protocol.HubCommand(protocol.OpGetVersion))
	if _, err := link.Write(raw); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	dec := protocol.NewDecoder()
	buf := make([]byte, protocol.MaxFrameSize)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := link.Read(buf, 50*time.Millisecond)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		dec.Feed(buf[:n])
		f, err := dec.Next()
		if errors.Is(err, protocol.ErrNeedMoreData) {
			continue
		}
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		_, data, err := protocol.ParseAck(f)
		if err != nil {
			t.Fatalf("ParseAck() error = %v", err)
		}
		return protocol.ParseVersion(data)
	}
	t.Fatal("no answer from simulated hub")
	return ""
}

func TestNewRequiresAddress(t *testing.T) {
	if _, err := New(&Config{}); err == nil {
		t.Error("New() with no listeners succeeded, want error")
	}
}

func TestTCPClient(t *testing.T) {
	srv := startServer(t)

	link, err := transport.DialTCP(srv.TCPAddr(), time.Second)
	if err != nil {
		t.Fatalf("DialTCP() error = %v", err)
	}
	defer link.Close()

	if got := version(t, link); got != "SIM 9.9.9" {
		t.Errorf("version = %q, want %q", got, "SIM 9.9.9")
	}
	if n := srv.GetActiveConnections(); n != 1 {
		t.Errorf("GetActiveConnections() = %d, want 1", n)
	}
}

func TestWebSocketClient(t *testing.T) {
	srv := startServer(t)
	if !strings.HasPrefix(srv.WSURL(), "ws://") || !strings.HasSuffix(srv.WSURL(), "/link") {
		t.Fatalf("WSURL() = %q", srv.WSURL())
	}

	link, err := transport.DialWebSocket(srv.WSURL(), time.Second)
	if err != nil {
		t.Fatalf("DialWebSocket() error = %v", err)
	}
	defer link.Close()

	if got := version(t, link); got != "SIM 9.9.9" {
		t.Errorf("version = %q, want %q", got, "SIM 9.9.9")
	}
}

func TestHealth(t *testing.T) {
	srv := startServer(t)
	url := strings.Replace(strings.TrimSuffix(srv.WSURL(), "/link"), "ws://", "http://", 1) + "/healthz"

	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error = %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("body = %v, want status ok", body)
	}
}
