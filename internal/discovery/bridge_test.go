package discovery

import "testing"

func TestBridgeURLs(t *testing.T) {
	tests := []struct {
		name       string
		bridge     *Bridge
		wantBase   string
		wantEvents string
	}{
		{
			name:       "IPv4",
			bridge:     &Bridge{IP: "192.168.1.20", Port: 8080},
			wantBase:   "http://192.168.1.20:8080",
			wantEvents: "ws://192.168.1.20:8080/events",
		},
		{
			name:       "IPv6",
			bridge:     &Bridge{IP: "fe80::1", Port: 9000},
			wantBase:   "http://[fe80::1]:9000",
			wantEvents: "ws://[fe80::1]:9000/events",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.bridge.BaseURL(); got != tt.wantBase {
				t.Errorf("BaseURL() = %v, want %v", got, tt.wantBase)
			}
			if got := tt.bridge.EventsURL(); got != tt.wantEvents {
				t.Errorf("EventsURL() = %v, want %v", got, tt.wantEvents)
			}
		})
	}
}

func TestBridgeString(t *testing.T) {
	b := &Bridge{Instance: "rbfhub", Hostname: "pi.local.", IP: "192.168.1.20", Port: 8080}
	want := `rbfhub bridge "rbfhub" (pi.local.) at 192.168.1.20:8080`
	if b.String() != want {
		t.Errorf("String() = %v, want %v", b.String(), want)
	}
}

func TestBridgeNilMetadata(t *testing.T) {
	b := &Bridge{}
	if got := b.GetMetadata("version"); got != "" {
		t.Errorf("GetMetadata() = %q, want empty", got)
	}
}
