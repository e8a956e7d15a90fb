package discovery

import (
	"net"
	"sort"
	"testing"

	"github.com/grandcat/zeroconf"
)

func entry(instance, host string, port int, v4, v6 []net.IP, txt ...string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{Instance: instance, Service: ServiceType, Domain: ServiceDomain},
		HostName:      host,
		Port:          port,
		AddrIPv4:      v4,
		AddrIPv6:      v6,
		Text:          txt,
	}
}

func TestParseServiceEntry(t *testing.T) {
	tests := []struct {
		name         string
		entry        *zeroconf.ServiceEntry
		wantNil      bool
		wantInstance string
		wantIP       string
		wantPort     int
	}{
		{
			name:         "IPv4 bridge",
			entry:        entry("rbfhub", "pi.local.", 8080, []net.IP{net.ParseIP("192.168.1.20")}, nil, "version=1.0.0"),
			wantInstance: "rbfhub",
			wantIP:       "192.168.1.20",
			wantPort:     8080,
		},
		{
			name:         "escaped instance name",
			entry:        entry(`garage\ hub`, "pi.local.", 8080, []net.IP{net.ParseIP("10.0.0.5")}, nil),
			wantInstance: "garage hub",
			wantIP:       "10.0.0.5",
			wantPort:     8080,
		},
		{
			name:         "prefers IPv4",
			entry:        entry("rbfhub", "pi.local.", 9000, []net.IP{net.ParseIP("192.168.1.50")}, []net.IP{net.ParseIP("fe80::2")}),
			wantInstance: "rbfhub",
			wantIP:       "192.168.1.50",
			wantPort:     9000,
		},
		{
			name:         "IPv6 only",
			entry:        entry("rbfhub", "pi.local.", 8080, nil, []net.IP{net.ParseIP("fe80::1")}),
			wantInstance: "rbfhub",
			wantIP:       "fe80::1",
			wantPort:     8080,
		},
		{
			name:    "no address",
			entry:   entry("rbfhub", "pi.local.", 8080, nil, nil),
			wantNil: true,
		},
		{
			name:    "no port",
			entry:   entry("rbfhub", "pi.local.", 0, []net.IP{net.ParseIP("192.168.1.1")}, nil),
			wantNil: true,
		},
		{
			name:    "no instance",
			entry:   entry("", "pi.local.", 8080, []net.IP{net.ParseIP("192.168.1.1")}, nil),
			wantNil: true,
		},
		{
			name:    "nil entry",
			entry:   nil,
			wantNil: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := parseServiceEntry(tt.entry)
			if tt.wantNil {
				if b != nil {
					t.Errorf("parseServiceEntry() = %v, want nil", b)
				}
				return
			}
			if b == nil {
				t.Fatal("parseServiceEntry() = nil, want bridge")
			}
			if b.Instance != tt.wantInstance {
				t.Errorf("Instance = %v, want %v", b.Instance, tt.wantInstance)
			}
			if b.IP != tt.wantIP {
				t.Errorf("IP = %v, want %v", b.IP, tt.wantIP)
			}
			if b.Port != tt.wantPort {
				t.Errorf("Port = %v, want %v", b.Port, tt.wantPort)
			}
			if b.DiscoveredAt.IsZero() {
				t.Error("DiscoveredAt should be set")
			}
		})
	}
}

func TestParseServiceEntryMetadata(t *testing.T) {
	b := parseServiceEntry(entry("rbfhub", "pi.local.", 8080, []net.IP{net.ParseIP("192.168.1.20")}, nil,
		"version=1.2.0", "link=serial:/dev/ttyUSB0", "flag"))

	tests := []struct {
		key  string
		want string
	}{
		{"version", "1.2.0"},
		{"link", "serial:/dev/ttyUSB0"},
		{"flag", ""},
		{"missing", ""},
	}
	for _, tt := range tests {
		if got := b.GetMetadata(tt.key); got != tt.want {
			t.Errorf("GetMetadata(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
	if _, ok := b.Metadata["flag"]; !ok {
		t.Error("key without value should be present in Metadata")
	}
}

func TestEncodeTXT(t *testing.T) {
	txt := encodeTXT(map[string]string{"version": "1.0.0", "hub": "RBF-HUB 2.1"})
	sort.Strings(txt)

	want := []string{"hub=RBF-HUB 2.1", "version=1.0.0"}
	if len(txt) != len(want) {
		t.Fatalf("encodeTXT() = %v, want %v", txt, want)
	}
	for i := range want {
		if txt[i] != want[i] {
			t.Errorf("encodeTXT()[%d] = %v, want %v", i, txt[i], want[i])
		}
	}
}

func TestAdvertiseValidation(t *testing.T) {
	tests := []struct {
		name     string
		instance string
		port     int
	}{
		{"empty instance", "", 8080},
		{"zero port", "rbfhub", 0},
		{"port out of range", "rbfhub", 70000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Advertise(tt.instance, tt.port, nil); err == nil {
				t.Error("Advertise() should have failed")
			}
		})
	}

	var a *Advertiser
	a.Shutdown()
}

func TestNewScanner(t *testing.T) {
	if s := NewScanner(); s.Timeout != DefaultScanTimeout {
		t.Errorf("NewScanner().Timeout = %v, want %v", s.Timeout, DefaultScanTimeout)
	}
}
