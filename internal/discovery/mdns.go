package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"

	"github.com/muurk/rbfhub/internal/logging"
)

const (
	// ServiceType is the mDNS service type rbfhub bridges advertise
	ServiceType = "_rbfhub._tcp"

	// ServiceDomain is the mDNS domain
	ServiceDomain = "local."

	// DefaultScanTimeout is the default timeout for bridge discovery
	DefaultScanTimeout = 5 * time.Second
)

// Advertiser announces a running bridge until Shutdown is called.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers instance on port with the given TXT metadata.
func Advertise(instance string, port int, metadata map[string]string) (*Advertiser, error) {
	if instance == "" {
		return nil, fmt.Errorf("instance name is required")
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("invalid port %d", port)
	}

	server, err := zeroconf.Register(instance, ServiceType, ServiceDomain, port, encodeTXT(metadata), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to register mDNS service: %w", err)
	}
	logging.Named("discovery").Info("Advertising bridge",
		zap.String("instance", instance),
		zap.String("service", ServiceType),
		zap.Int("port", port))
	return &Advertiser{server: server}, nil
}

// Shutdown withdraws the advertisement.
func (a *Advertiser) Shutdown() {
	if a != nil && a.server != nil {
		a.server.Shutdown()
	}
}

func encodeTXT(metadata map[string]string) []string {
	txt := make([]string, 0, len(metadata))
	for k, v := range metadata {
		txt = append(txt, k+"="+v)
	}
	return txt
}

// Scanner handles mDNS bridge discovery
type Scanner struct {
	// Timeout is the maximum time to wait for answers
	Timeout time.Duration
}

// NewScanner creates a new mDNS scanner with default settings
func NewScanner() *Scanner {
	return &Scanner{Timeout: DefaultScanTimeout}
}

// Scan collects every bridge that answers before the timeout or ctx ends.
func (s *Scanner) Scan(ctx context.Context) ([]*Bridge, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		bridges []*Bridge
		seen    = make(map[string]bool)
	)
	err := s.browse(ctx, func(b *Bridge) bool {
		mu.Lock()
		defer mu.Unlock()
		if !seen[b.Instance] {
			seen[b.Instance] = true
			bridges = append(bridges, b)
		}
		return false
	})
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	return bridges, nil
}

// WaitForBridge returns the first bridge advertising instance.
func (s *Scanner) WaitForBridge(ctx context.Context, instance string) (*Bridge, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	found := make(chan *Bridge, 1)
	err := s.browse(ctx, func(b *Bridge) bool {
		if b.Instance != instance {
			return false
		}
		select {
		case found <- b:
		default:
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	select {
	case b := <-found:
		return b, nil
	default:
		return nil, fmt.Errorf("bridge %q not found within %v", instance, s.Timeout)
	}
}

// browse feeds parsed entries to visit until visit returns true or ctx ends.
// It returns once browsing has stopped.
func (s *Scanner) browse(ctx context.Context, visit func(*Bridge) bool) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to create mDNS resolver: %w", err)
	}

	entries := make(chan *zeroconf.ServiceEntry)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for entry := range entries {
			b := parseServiceEntry(entry)
			if b == nil {
				continue
			}
			if visit(b) {
				cancel()
			}
		}
	}()

	if err := resolver.Browse(ctx, ServiceType, ServiceDomain, entries); err != nil {
		return fmt.Errorf("failed to browse for mDNS services: %w", err)
	}

	<-ctx.Done()
	// The resolver closes entries once it notices the cancellation.
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	return nil
}

// parseServiceEntry converts a zeroconf entry to a Bridge, or nil when the
// entry has no usable address.
func parseServiceEntry(entry *zeroconf.ServiceEntry) *Bridge {
	if entry == nil || entry.Instance == "" || entry.Port == 0 {
		return nil
	}

	var ip string
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" {
		return nil
	}

	metadata := make(map[string]string)
	for _, txt := range entry.Text {
		key, value, _ := strings.Cut(txt, "=")
		metadata[key] = value
	}

	return &Bridge{
		Instance:     unescapeInstance(entry.Instance),
		Hostname:     entry.HostName,
		IP:           ip,
		Port:         entry.Port,
		Metadata:     metadata,
		DiscoveredAt: time.Now(),
	}
}

// unescapeInstance undoes the DNS escaping of spaces and dots.
func unescapeInstance(s string) string {
	return strings.NewReplacer(`\ `, " ", `\.`, ".").Replace(s)
}
