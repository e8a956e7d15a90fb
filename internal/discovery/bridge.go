package discovery

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

// Bridge is an rbfhub HTTP bridge found on the local network.
type Bridge struct {
	// Instance is the advertised mDNS instance name (bridge.name in the config)
	Instance string

	// Hostname is the mDNS hostname of the machine running the bridge
	Hostname string

	IP   string
	Port int

	// Metadata holds the TXT records: "version", "link" and "hub"
	Metadata map[string]string

	DiscoveredAt time.Time
}

// String returns a human-readable description of the bridge
func (b *Bridge) String() string {
	return fmt.Sprintf("rbfhub bridge %q (%s) at %s", b.Instance, b.Hostname, b.hostPort())
}

func (b *Bridge) hostPort() string {
	return net.JoinHostPort(b.IP, strconv.Itoa(b.Port))
}

// BaseURL returns the HTTP base URL of the bridge
func (b *Bridge) BaseURL() string {
	return "http://" + b.hostPort()
}

// EventsURL returns the WebSocket URL of the bridge's event stream
func (b *Bridge) EventsURL() string {
	return "ws://" + b.hostPort() + "/events"
}

// GetMetadata retrieves a TXT value by key, or "" if absent
func (b *Bridge) GetMetadata(key string) string {
	if b.Metadata == nil {
		return ""
	}
	return b.Metadata[key]
}
