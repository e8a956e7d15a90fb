package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortPayload is returned when a payload is shorter than its layout.
var ErrShortPayload = errors.New("payload too short")

// ErrInvalidRecord is returned for a registry record whose identity cannot
// address a sub-device.
var ErrInvalidRecord = errors.New("invalid device record")

func shortPayload(what string, want, got int) error {
	return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrShortPayload, what, want, got)
}

// Message is a decoded unsolicited frame from the hub.
type Message interface {
	Opcode() Opcode
	String() string
}

// RegisterResponse reports a sub-device that completed registration.
type RegisterResponse struct {
	Record Record
}

func (m *RegisterResponse) Opcode() Opcode { return OpRegisterResponse }

func (m *RegisterResponse) String() string {
	return fmt.Sprintf("RegisterResponse{%s}", m.Record)
}

// HubSyncRequest asks the host to push its hub parameters.
type HubSyncRequest struct{}

func (m *HubSyncRequest) Opcode() Opcode { return OpHubSyncRequest }
func (m *HubSyncRequest) String() string { return "HubSyncRequest{}" }

// HubEvent is a hub module event.
type HubEvent struct {
	SyncFlag uint8
}

func (m *HubEvent) Opcode() Opcode { return OpHubEvent }

func (m *HubEvent) String() string {
	return fmt.Sprintf("HubEvent{sync_flag=%d}", m.SyncFlag)
}

// StatusReport carries a heartbeat, input status or output status.
type StatusReport struct {
	Kind   Opcode
	Device DeviceID
	Status DeviceStatus
}

func (m *StatusReport) Opcode() Opcode { return m.Kind }

func (m *StatusReport) String() string {
	return fmt.Sprintf("%s{device=%s, %s}", m.Kind, m.Device, m.Status)
}

// InputEvent reports an alarm or state transition on an input device.
type InputEvent struct {
	Device DeviceID
	Type   DeviceType
	Code   InputEventCode
}

func (m *InputEvent) Opcode() Opcode { return OpInputEvent }

func (m *InputEvent) String() string {
	return fmt.Sprintf("InputEvent{device=%s, type=%s, event=%s}", m.Device, m.Type, m.Code)
}

// KeyPress reports a key fob button.
type KeyPress struct {
	Device DeviceID
	Key    Key
}

func (m *KeyPress) Opcode() Opcode { return OpKeyPress }

func (m *KeyPress) String() string {
	return fmt.Sprintf("KeyPress{device=%s, key=%s}", m.Device, m.Key)
}

// KeypadInput reports the keys entered on a keypad.
type KeypadInput struct {
	Device DeviceID
	Keys   []byte
}

func (m *KeypadInput) Opcode() Opcode { return OpKeypadInput }

func (m *KeypadInput) String() string {
	return fmt.Sprintf("KeypadInput{device=%s, keys=%d}", m.Device, len(m.Keys))
}

// KeypadAlarm reports the alarm buttons of a keypad.
type KeypadAlarm struct {
	Device    DeviceID
	Emergency bool
	Fire      bool
	Medical   bool
	Tamper    bool
}

func (m *KeypadAlarm) Opcode() Opcode { return OpKeypadAlarm }

func (m *KeypadAlarm) String() string {
	return fmt.Sprintf("KeypadAlarm{device=%s, emergency=%t, fire=%t, medical=%t, tamper=%t}",
		m.Device, m.Emergency, m.Fire, m.Medical, m.Tamper)
}

// Jamming reports RF interference on the operating channel.
type Jamming struct {
	Level uint8
}

func (m *Jamming) Opcode() Opcode { return OpJammingDetected }

func (m *Jamming) String() string {
	return fmt.Sprintf("Jamming{level=%d}", m.Level)
}

// DataRequest is the hub pulling firmware bytes [Offset, Offset+Size).
type DataRequest struct {
	Subdev bool
	Offset uint32
	Size   uint16
}

func (m *DataRequest) Opcode() Opcode {
	if m.Subdev {
		return OpSubdevOTADataRequest
	}
	return OpOTADataRequest
}

func (m *DataRequest) String() string {
	return fmt.Sprintf("%s{offset=%d, size=%d}", m.Opcode(), m.Offset, m.Size)
}

// OTAResult ends a hub upgrade.
type OTAResult struct {
	Status Status
}

func (m *OTAResult) Opcode() Opcode { return OpOTAResult }

func (m *OTAResult) String() string {
	return fmt.Sprintf("OTAResult{status=%s}", m.Status)
}

// SubdevOTAErrorCode explains a failed sub-device upgrade.
type SubdevOTAErrorCode uint8

const (
	SubdevErrUnknown      SubdevOTAErrorCode = 0
	SubdevErrNotSupported SubdevOTAErrorCode = 1
)

func (c SubdevOTAErrorCode) String() string {
	switch c {
	case SubdevErrUnknown:
		return "unknown"
	case SubdevErrNotSupported:
		return "sub-device not supported"
	default:
		return fmt.Sprintf("error(%d)", uint8(c))
	}
}

// SubdevOTAResult is the outcome for one device of a batch upgrade.
type SubdevOTAResult struct {
	No      uint8
	Status  Status
	ErrCode SubdevOTAErrorCode
}

func (m *SubdevOTAResult) Opcode() Opcode { return OpSubdevOTAResult }

func (m *SubdevOTAResult) String() string {
	return fmt.Sprintf("SubdevOTAResult{no=%d, status=%s, err=%s}", m.No, m.Status, m.ErrCode)
}

// UnknownMessage is returned for opcodes this package does not decode.
type UnknownMessage struct {
	Op   Opcode
	Peer DeviceID
	Data []byte
}

func (m *UnknownMessage) Opcode() Opcode { return m.Op }

func (m *UnknownMessage) String() string {
	return fmt.Sprintf("Unknown{op=%s, peer=%s, len=%d}", m.Op, m.Peer, len(m.Data))
}

// ParseMessage decodes an unsolicited hub frame.
func ParseMessage(f Frame) (Message, error) {
	p := f.Payload

	switch f.Opcode {
	case OpRegisterResponse:
		rec, err := ParseRecord(p)
		if err != nil {
			return nil, err
		}
		// Failed registrations may carry an empty identity.
		if rec.ErrCode == 0 {
			if err := rec.ID.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
			}
		}
		return &RegisterResponse{Record: rec}, nil

	case OpHubSyncRequest:
		return &HubSyncRequest{}, nil

	case OpHubEvent:
		if len(p) < 1 {
			return nil, shortPayload("hub event", 1, len(p))
		}
		return &HubEvent{SyncFlag: p[0]}, nil

	case OpHeartbeat, OpInputStatus, OpOutputStatus:
		s, err := ParseStatus(p)
		if err != nil {
			return nil, fmt.Errorf("%s from %s: %w", f.Opcode, f.Peer, err)
		}
		return &StatusReport{Kind: f.Opcode, Device: f.Peer, Status: s}, nil

	case OpInputEvent:
		if len(p) < 2 {
			return nil, shortPayload("input event", 2, len(p))
		}
		return &InputEvent{Device: f.Peer, Type: DeviceType(p[0]), Code: InputEventCode(p[1])}, nil

	case OpKeyPress:
		if len(p) < 1 {
			return nil, shortPayload("key press", 1, len(p))
		}
		return &KeyPress{Device: f.Peer, Key: Key(p[0])}, nil

	case OpKeypadInput:
		if len(p) < 1 {
			return nil, shortPayload("keypad input", 1, len(p))
		}
		n := int(p[0])
		if n > MaxKeypadKeys {
			return nil, fmt.Errorf("keypad input carries %d keys (max %d)", n, MaxKeypadKeys)
		}
		if len(p) < 1+n {
			return nil, shortPayload("keypad input", 1+n, len(p))
		}
		return &KeypadInput{Device: f.Peer, Keys: bytes.Clone(p[1 : 1+n])}, nil

	case OpKeypadAlarm:
		if len(p) < 4 {
			return nil, shortPayload("keypad alarm", 4, len(p))
		}
		return &KeypadAlarm{Device: f.Peer, Emergency: p[0] != 0, Fire: p[1] != 0, Medical: p[2] != 0, Tamper: p[3] != 0}, nil

	case OpJammingDetected:
		if len(p) < 1 {
			return nil, shortPayload("jamming", 1, len(p))
		}
		return &Jamming{Level: p[0]}, nil

	case OpOTADataRequest, OpSubdevOTADataRequest:
		if len(p) < 6 {
			return nil, shortPayload("data request", 6, len(p))
		}
		return &DataRequest{
			Subdev: f.Opcode == OpSubdevOTADataRequest,
			Offset: binary.LittleEndian.Uint32(p[0:4]),
			Size:   binary.LittleEndian.Uint16(p[4:6]),
		}, nil

	case OpOTAResult:
		if len(p) < 1 {
			return nil, shortPayload("OTA result", 1, len(p))
		}
		return &OTAResult{Status: Status(p[0])}, nil

	case OpSubdevOTAResult:
		if len(p) < 3 {
			return nil, shortPayload("sub-device OTA result", 3, len(p))
		}
		return &SubdevOTAResult{No: p[0], Status: Status(p[1]), ErrCode: SubdevOTAErrorCode(p[2])}, nil
	}

	return &UnknownMessage{Op: f.Opcode, Peer: f.Peer, Data: f.Payload}, nil
}

// ParseAck splits an acknowledgement into its status and trailing data.
func ParseAck(f Frame) (Status, []byte, error) {
	if !f.Opcode.IsResponse() {
		return 0, nil, fmt.Errorf("%s is not an acknowledgement", f.Opcode)
	}
	if len(f.Payload) < 1 {
		return 0, nil, shortPayload("acknowledgement", 1, 0)
	}
	return Status(f.Payload[0]), f.Payload[1:], nil
}

// ParseRecord decodes one RecordSize-byte registry record.
func ParseRecord(b []byte) (Record, error) {
	if len(b) < RecordSize {
		return Record{}, shortPayload("record", RecordSize, len(b))
	}
	var r Record
	r.ID = DeviceID{Category: Category(b[0]), No: b[1]}
	r.Type = DeviceType(b[2])
	copy(r.Version[:], b[3:6])
	copy(r.Serial[:], b[6:22])
	copy(r.MAC[:], b[22:30])
	r.ErrCode = b[30]
	return r, nil
}

// RegisterInfoPage is one page of the registration-info snapshot.
type RegisterInfoPage struct {
	Total   uint16
	Index   uint16
	Records []Record
}

// ParseRegisterInfoPage decodes the data of a RegisterInfo acknowledgement.
func ParseRegisterInfoPage(data []byte) (RegisterInfoPage, error) {
	if len(data) < 5 {
		return RegisterInfoPage{}, shortPayload("register info page", 5, len(data))
	}
	page := RegisterInfoPage{
		Total: binary.LittleEndian.Uint16(data[0:2]),
		Index: binary.LittleEndian.Uint16(data[2:4]),
	}
	n := int(data[4])
	body := data[5:]
	if len(body) < n*RecordSize {
		return RegisterInfoPage{}, shortPayload("register info page", 5+n*RecordSize, len(data))
	}
	page.Records = make([]Record, 0, n)
	for i := 0; i < n; i++ {
		r, err := ParseRecord(body[i*RecordSize:])
		if err != nil {
			return RegisterInfoPage{}, err
		}
		if err := r.ID.Validate(); err != nil {
			return RegisterInfoPage{}, fmt.Errorf("%w: record %d: %v", ErrInvalidRecord, i, err)
		}
		page.Records = append(page.Records, r)
	}
	return page, nil
}

// ParseDeviceList decodes a count-prefixed identity list and returns the rest.
func ParseDeviceList(b []byte) ([]DeviceID, []byte, error) {
	if len(b) < 1 {
		return nil, nil, shortPayload("device list", 1, 0)
	}
	n := int(b[0])
	if len(b) < 1+2*n {
		return nil, nil, shortPayload("device list", 1+2*n, len(b))
	}
	ids := make([]DeviceID, n)
	for i := range ids {
		ids[i] = DeviceID{Category: Category(b[1+2*i]), No: b[2+2*i]}
	}
	return ids, b[1+2*n:], nil
}

// ParseNumberList decodes a count-prefixed registration number list.
func ParseNumberList(b []byte) ([]uint8, []byte, error) {
	if len(b) < 1 {
		return nil, nil, shortPayload("number list", 1, 0)
	}
	n := int(b[0])
	if len(b) < 1+n {
		return nil, nil, shortPayload("number list", 1+n, len(b))
	}
	return bytes.Clone(b[1 : 1+n]), b[1+n:], nil
}

// ParseU32 decodes a little-endian uint32 data field such as the PANID.
func ParseU32(data []byte) (uint32, error) {
	if len(data) < 4 {
		return 0, shortPayload("uint32", 4, len(data))
	}
	return binary.LittleEndian.Uint32(data), nil
}

// ParseVersion decodes the hub version string. Trailing NULs are dropped.
func ParseVersion(data []byte) string {
	return string(bytes.TrimRight(data, "\x00"))
}

// PowerReading is the hub supply measurement.
type PowerReading struct {
	Voltage    uint16 // mV
	Resistance uint16 // ohm
}

// ParseVolRes decodes the hub voltage/resistance reading.
func ParseVolRes(data []byte) (PowerReading, error) {
	if len(data) < 4 {
		return PowerReading{}, shortPayload("volres", 4, len(data))
	}
	return PowerReading{
		Voltage:    binary.LittleEndian.Uint16(data[0:2]),
		Resistance: binary.LittleEndian.Uint16(data[2:4]),
	}, nil
}

// Noise is the channel noise floor in dBm.
type Noise struct {
	Average int8
	Current int8
}

// ParseNoise decodes the hub noise reading.
func ParseNoise(data []byte) (Noise, error) {
	if len(data) < 2 {
		return Noise{}, shortPayload("noise", 2, len(data))
	}
	return Noise{Average: int8(data[0]), Current: int8(data[1])}, nil
}

// ParseOTASize decodes the image size carried by OTAStart.
func ParseOTASize(data []byte) (uint32, error) {
	return ParseU32(data)
}

// ParseOTAData splits an OTA data frame into offset and chunk.
func ParseOTAData(data []byte) (uint32, []byte, error) {
	if len(data) < 4 {
		return 0, nil, shortPayload("OTA data", 4, len(data))
	}
	return binary.LittleEndian.Uint32(data[0:4]), data[4:], nil
}
