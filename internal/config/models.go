package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// CurrentVersion is the only file format version understood.
const CurrentVersion = 1

// Config represents the entire configuration file.
type Config struct {
	Version   int             `yaml:"version"`
	Link      LinkConfig      `yaml:"link"`
	Engine    EngineConfig    `yaml:"engine"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Simulator SimulatorConfig `yaml:"simulator"`
	LogLevel  string          `yaml:"log_level,omitempty"` // debug, info, warn, error; empty = silent
}

// LinkConfig selects the byte link to the hub.
type LinkConfig struct {
	Kind        string   `yaml:"kind"`              // serial, tcp or websocket
	Port        string   `yaml:"port,omitempty"`    // serial device path
	Baud        int      `yaml:"baud,omitempty"`    // serial line speed
	Address     string   `yaml:"address,omitempty"` // host:port of a TCP serial bridge
	URL         string   `yaml:"url,omitempty"`     // ws:// or wss:// bridge URL
	DialTimeout Duration `yaml:"dial_timeout,omitempty"`
}

// EngineConfig tunes the protocol engine.
type EngineConfig struct {
	PollInterval     Duration `yaml:"poll_interval"`
	SubmitQueue      int      `yaml:"submit_queue"`
	SilenceTimeout   Duration `yaml:"silence_timeout"`
	CorruptThreshold int      `yaml:"corrupt_threshold"` // negative disables
	ResetBackoff     Duration `yaml:"reset_backoff"`
	OTAStallTimeout  Duration `yaml:"ota_stall_timeout"`
	Policies         Policies `yaml:"policies"`
}

// Policies holds one retry policy per operation class.
type Policies struct {
	Simple    PolicyConfig `yaml:"simple"`
	Broadcast PolicyConfig `yaml:"broadcast"`
	Query     PolicyConfig `yaml:"query"`
	OTA       PolicyConfig `yaml:"ota"`
}

// PolicyConfig is the per-attempt timeout and retransmission count of a class.
type PolicyConfig struct {
	Timeout Duration `yaml:"timeout"`
	Retries int      `yaml:"retries"`
}

// BridgeConfig configures the HTTP bridge started by "rbfhub serve".
type BridgeConfig struct {
	Listen    string `yaml:"listen"`
	Advertise bool   `yaml:"advertise"` // announce the bridge over mDNS
	Name      string `yaml:"name"`      // mDNS instance name
}

// SimulatorConfig configures "rbfhub simulate".
type SimulatorConfig struct {
	TCPAddr   string   `yaml:"tcp_addr,omitempty"`
	WSAddr    string   `yaml:"ws_addr,omitempty"`
	WSPath    string   `yaml:"ws_path,omitempty"`
	CertPath  string   `yaml:"cert,omitempty"`
	KeyPath   string   `yaml:"key,omitempty"`
	Version   string   `yaml:"version,omitempty"`
	PANID     uint32   `yaml:"panid,omitempty"`
	Heartbeat Duration `yaml:"heartbeat,omitempty"`
	ChunkSize uint16   `yaml:"chunk_size,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("500ms").
type Duration time.Duration

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", value.Line, err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }
