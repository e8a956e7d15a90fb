package protocol

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// Category is the sub-device family a registration number belongs to.
type Category uint8

const (
	CategoryHub     Category = 0 // hub itself, also used for broadcast frames
	CategoryIO      Category = 1
	CategorySounder Category = 2
	CategoryKeypad  Category = 3
	CategoryKeyFob  Category = 4
)

func (c Category) String() string {
	switch c {
	case CategoryHub:
		return "hub"
	case CategoryIO:
		return "io"
	case CategorySounder:
		return "sounder"
	case CategoryKeypad:
		return "keypad"
	case CategoryKeyFob:
		return "keyfob"
	default:
		return fmt.Sprintf("category(%d)", uint8(c))
	}
}

// Valid reports whether c names a sub-device category.
func (c Category) Valid() bool {
	return c >= CategoryIO && c <= CategoryKeyFob
}

// ParseCategory accepts either the category name or its numeric value.
func ParseCategory(s string) (Category, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "io":
		return CategoryIO, nil
	case "sounder":
		return CategorySounder, nil
	case "keypad":
		return CategoryKeypad, nil
	case "keyfob":
		return CategoryKeyFob, nil
	}
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil || !Category(n).Valid() {
		return 0, fmt.Errorf("invalid category %q", s)
	}
	return Category(n), nil
}

// DeviceID identifies a sub-device within the hub's registry.
type DeviceID struct {
	Category Category
	No       uint8
}

// HubID addresses the hub itself.
var HubID = DeviceID{}

func (d DeviceID) String() string {
	if d == HubID {
		return "hub"
	}
	return fmt.Sprintf("%s:%d", d.Category, d.No)
}

// Validate rejects identities that cannot address a sub-device.
func (d DeviceID) Validate() error {
	if !d.Category.Valid() {
		return fmt.Errorf("invalid category %d", uint8(d.Category))
	}
	if d.No == 0 {
		return fmt.Errorf("registration number must be in [1,255]")
	}
	return nil
}

// ParseDeviceID parses "category:no", e.g. "io:3" or "1:3".
func ParseDeviceID(s string) (DeviceID, error) {
	catStr, noStr, ok := strings.Cut(s, ":")
	if !ok {
		return DeviceID{}, fmt.Errorf("invalid device id %q (want category:no)", s)
	}
	cat, err := ParseCategory(catStr)
	if err != nil {
		return DeviceID{}, err
	}
	no, err := strconv.ParseUint(strings.TrimSpace(noStr), 10, 8)
	if err != nil {
		return DeviceID{}, fmt.Errorf("invalid registration number %q", noStr)
	}
	id := DeviceID{Category: cat, No: uint8(no)}
	if err := id.Validate(); err != nil {
		return DeviceID{}, err
	}
	return id, nil
}

// DeviceType is the concrete kind of a registered sub-device.
type DeviceType uint8

const (
	TypeMC DeviceType = iota
	TypePIR
	TypeWaterLeak
	TypeFixedPA
	TypePortablePA
	TypeSmoke
	TypeTempHumi
	TypeSmartPlug
	TypeRelay
	TypeWallSwitch
	TypeWaterValve
	TypeIndoorSiren
	TypeOutdoorSiren
	TypeLEDKeypad
	TypeKeyFob
)

var deviceTypeNames = [...]string{
	TypeMC:           "magnetic-contact",
	TypePIR:          "pir",
	TypeWaterLeak:    "water-leak",
	TypeFixedPA:      "fixed-panic",
	TypePortablePA:   "portable-panic",
	TypeSmoke:        "smoke",
	TypeTempHumi:     "temp-humi",
	TypeSmartPlug:    "smart-plug",
	TypeRelay:        "relay",
	TypeWallSwitch:   "wall-switch",
	TypeWaterValve:   "water-valve",
	TypeIndoorSiren:  "indoor-siren",
	TypeOutdoorSiren: "outdoor-siren",
	TypeLEDKeypad:    "led-keypad",
	TypeKeyFob:       "keyfob",
}

func (t DeviceType) String() string {
	if int(t) < len(deviceTypeNames) {
		return deviceTypeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParseDeviceType accepts a type name such as "pir" or "smart-plug".
func ParseDeviceType(s string) (DeviceType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for t, n := range deviceTypeNames {
		if n == name {
			return DeviceType(t), nil
		}
	}
	return 0, fmt.Errorf("invalid device type %q", s)
}

// Category returns the registry category a device type registers under.
func (t DeviceType) Category() Category {
	switch t {
	case TypeIndoorSiren, TypeOutdoorSiren:
		return CategorySounder
	case TypeLEDKeypad:
		return CategoryKeypad
	case TypeKeyFob:
		return CategoryKeyFob
	default:
		return CategoryIO
	}
}

// RecordSize is the encoded size of a Record.
const RecordSize = 31

// Record is the hub's view of one registered sub-device.
//
// Serial and MAC are fixed-length binary fields. They are not
// NUL-terminated and embedded zero bytes are data.
type Record struct {
	ID      DeviceID
	Type    DeviceType
	Version [3]byte
	Serial  [16]byte
	MAC     [8]byte
	ErrCode uint8
}

// VersionString formats the firmware version as major.minor.patch.
func (r Record) VersionString() string {
	return fmt.Sprintf("%d.%d.%d", r.Version[0], r.Version[1], r.Version[2])
}

// SerialHex returns the serial number as 32 hex digits.
func (r Record) SerialHex() string {
	return hex.EncodeToString(r.Serial[:])
}

// MACHex returns the MAC as 16 hex digits.
func (r Record) MACHex() string {
	return hex.EncodeToString(r.MAC[:])
}

func (r Record) String() string {
	return fmt.Sprintf("Record{id=%s, type=%s, ver=%s, sn=%s, mac=%s, err=%d}",
		r.ID, r.Type, r.VersionString(), r.SerialHex(), r.MACHex(), r.ErrCode)
}

// ParseMAC decodes a 16 hex digit MAC, with or without ':' separators.
func ParseMAC(s string) ([8]byte, error) {
	var mac [8]byte
	b, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil || len(b) != len(mac) {
		return mac, fmt.Errorf("invalid MAC %q (want 8 hex bytes)", s)
	}
	copy(mac[:], b)
	return mac, nil
}

// ParseSerial decodes a 32 hex digit serial number.
func ParseSerial(s string) ([16]byte, error) {
	var sn [16]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(sn) {
		return sn, fmt.Errorf("invalid serial number %q (want 16 hex bytes)", s)
	}
	copy(sn[:], b)
	return sn, nil
}
