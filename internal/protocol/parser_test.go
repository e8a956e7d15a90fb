package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func testRecord(cat Category, no uint8, typ DeviceType) Record {
	r := Record{
		ID:      DeviceID{Category: cat, No: no},
		Type:    typ,
		Version: [3]byte{1, 2, 3},
		MAC:     [8]byte{0x00, 0x12, 0x4b, 0x00, 0x01, 0x02, 0x03, no},
	}
	// Serial numbers may contain zero bytes anywhere.
	copy(r.Serial[:], []byte{0x53, 0x00, 0x4e, 0x00, 0x00, 0x01, 0xff, no})
	return r
}

func TestParseRecord(t *testing.T) {
	want := testRecord(CategoryIO, 1, TypeMC)
	want.ErrCode = 7

	got, err := ParseRecord(EncodeRecord(want))
	if err != nil {
		t.Fatalf("ParseRecord() error = %v", err)
	}
	if got != want {
		t.Errorf("ParseRecord() = %s, want %s", got, want)
	}
	if got.Serial[1] != 0 || got.Serial[15] != 0 {
		t.Errorf("serial zero bytes not preserved: %x", got.Serial)
	}

	if _, err := ParseRecord(make([]byte, RecordSize-1)); !errors.Is(err, ErrShortPayload) {
		t.Errorf("ParseRecord(short) error = %v, want ErrShortPayload", err)
	}
}

func TestParseMessage(t *testing.T) {
	door := DeviceID{Category: CategoryIO, No: 3}
	plug := DeviceID{Category: CategoryIO, No: 9}
	keypad := DeviceID{Category: CategoryKeypad, No: 1}
	fob := DeviceID{Category: CategoryKeyFob, No: 2}

	tests := []struct {
		name    string
		frame   Frame
		wantErr bool
		verify  func(t *testing.T, msg Message)
	}{
		{
			name:  "register response",
			frame: BuildRegisterResponse(testRecord(CategoryIO, 1, TypeMC)),
			verify: func(t *testing.T, msg Message) {
				m, ok := msg.(*RegisterResponse)
				if !ok {
					t.Fatalf("message type = %T, want *RegisterResponse", msg)
				}
				if m.Record.ID != (DeviceID{Category: CategoryIO, No: 1}) {
					t.Errorf("id = %s, want io:1", m.Record.ID)
				}
				if m.Record.Type != TypeMC {
					t.Errorf("type = %s, want %s", m.Record.Type, TypeMC)
				}
			},
		},
		{
			name: "sensor heartbeat",
			frame: BuildStatusReport(OpHeartbeat, door, &SensorStatus{
				Type: TypeMC, Power: 80, RSSI: -60, Alarm: true,
			}),
			verify: func(t *testing.T, msg Message) {
				m := msg.(*StatusReport)
				if m.Device != door {
					t.Errorf("device = %s, want %s", m.Device, door)
				}
				s, ok := m.Status.(*SensorStatus)
				if !ok {
					t.Fatalf("status type = %T, want *SensorStatus", m.Status)
				}
				if s.Power != 80 || s.RSSI != -60 || !s.Alarm || s.Tamper {
					t.Errorf("status = %s", s)
				}
			},
		},
		{
			name: "temp humi status",
			frame: BuildStatusReport(OpInputStatus, door, &TempHumiStatus{
				Power: 55, RSSI: -71, Temperature: -12.5, Humidity: 48.2, HumiAlarm: true,
			}),
			verify: func(t *testing.T, msg Message) {
				s := msg.(*StatusReport).Status.(*TempHumiStatus)
				if s.Temperature != -12.5 {
					t.Errorf("temperature = %v, want -12.5", s.Temperature)
				}
				if s.Humidity != 48.2 {
					t.Errorf("humidity = %v, want 48.2", s.Humidity)
				}
				if s.TempAlarm || !s.HumiAlarm {
					t.Errorf("alarms = %t/%t, want false/true", s.TempAlarm, s.HumiAlarm)
				}
			},
		},
		{
			name: "smart plug output status",
			frame: BuildStatusReport(OpOutputStatus, plug, &PowerStatus{
				Type: TypeSmartPlug, On: true, Lock: true, RSSI: -40,
				Voltage: 2301, Current: 512, Power: 1178, RunTime: 3600, Energy: 42,
			}),
			verify: func(t *testing.T, msg Message) {
				s := msg.(*StatusReport).Status.(*PowerStatus)
				if !s.On || !s.Lock || s.OverCurrent {
					t.Errorf("flags wrong: %s", s)
				}
				if s.Voltage != 2301 || s.Current != 512 || s.Power != 1178 || s.RunTime != 3600 || s.Energy != 42 {
					t.Errorf("readings wrong: %s", s)
				}
			},
		},
		{
			name: "siren heartbeat",
			frame: BuildStatusReport(OpHeartbeat, DeviceID{Category: CategorySounder, No: 1}, &SirenStatus{
				Type: TypeOutdoorSiren, Power: 100, Solar: true, Charging: true, Volume: VolumeHigh,
			}),
			verify: func(t *testing.T, msg Message) {
				s := msg.(*StatusReport).Status.(*SirenStatus)
				if !s.Solar || !s.Charging || s.Tamper || s.Volume != VolumeHigh {
					t.Errorf("status = %s", s)
				}
			},
		},
		{
			name:  "input event",
			frame: BuildInputEvent(door, TypePIR, EventMotion),
			verify: func(t *testing.T, msg Message) {
				m := msg.(*InputEvent)
				if m.Type != TypePIR || m.Code != EventMotion {
					t.Errorf("event = %s", m)
				}
			},
		},
		{
			name:  "key press",
			frame: BuildKeyPress(fob, KeyArm),
			verify: func(t *testing.T, msg Message) {
				if m := msg.(*KeyPress); m.Key != KeyArm || m.Device != fob {
					t.Errorf("key press = %s", m)
				}
			},
		},
		{
			name:  "keypad input",
			frame: BuildKeypadInput(keypad, []byte("1234")),
			verify: func(t *testing.T, msg Message) {
				if m := msg.(*KeypadInput); !bytes.Equal(m.Keys, []byte("1234")) {
					t.Errorf("keys = %q, want %q", m.Keys, "1234")
				}
			},
		},
		{
			name:  "keypad alarm",
			frame: BuildKeypadAlarm(keypad, KeypadAlarm{Fire: true}),
			verify: func(t *testing.T, msg Message) {
				m := msg.(*KeypadAlarm)
				if !m.Fire || m.Emergency || m.Medical || m.Tamper {
					t.Errorf("alarm = %s", m)
				}
			},
		},
		{
			name:  "data request",
			frame: BuildDataRequest(OpSubdevOTADataRequest, 4096, 256),
			verify: func(t *testing.T, msg Message) {
				m := msg.(*DataRequest)
				if !m.Subdev || m.Offset != 4096 || m.Size != 256 {
					t.Errorf("request = %s", m)
				}
			},
		},
		{
			name:  "subdev result",
			frame: BuildSubdevOTAResult(2, StatusFailed, SubdevErrNotSupported),
			verify: func(t *testing.T, msg Message) {
				m := msg.(*SubdevOTAResult)
				if m.No != 2 || m.Status != StatusFailed || m.ErrCode != SubdevErrNotSupported {
					t.Errorf("result = %s", m)
				}
			},
		},
		{
			name:  "jamming",
			frame: BuildJamming(9),
			verify: func(t *testing.T, msg Message) {
				if m := msg.(*Jamming); m.Level != 9 {
					t.Errorf("level = %d, want 9", m.Level)
				}
			},
		},
		{
			name:  "unknown opcode",
			frame: Frame{Opcode: 0x7F, Payload: []byte{1}},
			verify: func(t *testing.T, msg Message) {
				if _, ok := msg.(*UnknownMessage); !ok {
					t.Errorf("message type = %T, want *UnknownMessage", msg)
				}
			},
		},
		{
			name:    "truncated heartbeat",
			frame:   Frame{Opcode: OpHeartbeat, Peer: door, Payload: []byte{byte(TypeMC), 90}},
			wantErr: true,
		},
		{
			name:    "keypad input count exceeds payload",
			frame:   Frame{Opcode: OpKeypadInput, Peer: keypad, Payload: []byte{5, '1'}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Go through the wire to cover the codec as well.
			raw, err := Encode(tt.frame)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			f, _, err := Decode(raw)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}

			msg, err := ParseMessage(f)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessage() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && tt.verify != nil {
				tt.verify(t, msg)
			}
		})
	}
}

func TestParseRegisterInfoPage(t *testing.T) {
	recs := []Record{
		testRecord(CategoryIO, 1, TypeMC),
		testRecord(CategorySounder, 1, TypeIndoorSiren),
		testRecord(CategoryKeyFob, 4, TypeKeyFob),
	}
	f := BuildRegisterInfoPage(5, 1, recs)

	status, data, err := ParseAck(f)
	if err != nil {
		t.Fatalf("ParseAck() error = %v", err)
	}
	if status != StatusOK {
		t.Errorf("status = %s, want ok", status)
	}

	page, err := ParseRegisterInfoPage(data)
	if err != nil {
		t.Fatalf("ParseRegisterInfoPage() error = %v", err)
	}
	if page.Total != 5 || page.Index != 1 {
		t.Errorf("total/index = %d/%d, want 5/1", page.Total, page.Index)
	}
	if len(page.Records) != len(recs) {
		t.Fatalf("records = %d, want %d", len(page.Records), len(recs))
	}
	for i := range recs {
		if page.Records[i] != recs[i] {
			t.Errorf("record %d = %s, want %s", i, page.Records[i], recs[i])
		}
	}

	if _, err := ParseRegisterInfoPage(data[:len(data)-1]); !errors.Is(err, ErrShortPayload) {
		t.Errorf("truncated page error = %v, want ErrShortPayload", err)
	}
}

func TestInvalidRecordIdentity(t *testing.T) {
	tests := []struct {
		name string
		id   DeviceID
	}{
		{"hub identity", HubID},
		{"unknown category", DeviceID{Category: Category(9), No: 7}},
		{"zero number", DeviceID{Category: CategoryIO, No: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := testRecord(CategoryIO, 1, TypeMC)
			rec.ID = tt.id

			if _, err := ParseMessage(BuildRegisterResponse(rec)); !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("ParseMessage() error = %v, want ErrInvalidRecord", err)
			}

			_, data, err := ParseAck(BuildRegisterInfoPage(2, 0, []Record{testRecord(CategoryIO, 1, TypeMC), rec}))
			if err != nil {
				t.Fatalf("ParseAck() error = %v", err)
			}
			if _, err := ParseRegisterInfoPage(data); !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("ParseRegisterInfoPage() error = %v, want ErrInvalidRecord", err)
			}
		})
	}

	// A failed registration is still reported, whatever its identity.
	failed := testRecord(CategoryIO, 1, TypeMC)
	failed.ID = HubID
	failed.ErrCode = 3
	if _, err := ParseMessage(BuildRegisterResponse(failed)); err != nil {
		t.Errorf("ParseMessage(failed registration) error = %v", err)
	}
}

func TestParseAck(t *testing.T) {
	if _, _, err := ParseAck(Frame{Opcode: OpHeartbeat, Payload: []byte{0}}); err == nil {
		t.Error("ParseAck(non-ack) should fail")
	}
	if _, _, err := ParseAck(Frame{Opcode: OpSetFreq.Response()}); err == nil {
		t.Error("ParseAck(empty) should fail")
	}

	status, data, err := ParseAck(BuildAck(OpGetPANID, HubID, StatusOK, 0x78, 0x56, 0x34, 0x12))
	if err != nil {
		t.Fatalf("ParseAck() error = %v", err)
	}
	if status != StatusOK {
		t.Errorf("status = %s, want ok", status)
	}
	panid, err := ParseU32(data)
	if err != nil {
		t.Fatalf("ParseU32() error = %v", err)
	}
	if panid != 0x12345678 {
		t.Errorf("panid = 0x%08x, want 0x12345678", panid)
	}
}

func TestParseQueries(t *testing.T) {
	if got := ParseVersion([]byte("RBF-HUB 2.4.1\x00\x00")); got != "RBF-HUB 2.4.1" {
		t.Errorf("ParseVersion() = %q", got)
	}

	pr, err := ParseVolRes([]byte{0xE4, 0x0C, 0x10, 0x27})
	if err != nil {
		t.Fatalf("ParseVolRes() error = %v", err)
	}
	if pr.Voltage != 3300 || pr.Resistance != 10000 {
		t.Errorf("ParseVolRes() = %+v, want {3300 10000}", pr)
	}

	n, err := ParseNoise([]byte{0x9C, 0xA6}) // -100, -90
	if err != nil {
		t.Fatalf("ParseNoise() error = %v", err)
	}
	if n.Average != -100 || n.Current != -90 {
		t.Errorf("ParseNoise() = %+v, want {-100 -90}", n)
	}
}

func TestParseDeviceID(t *testing.T) {
	tests := []struct {
		in      string
		want    DeviceID
		wantErr bool
	}{
		{in: "io:1", want: DeviceID{Category: CategoryIO, No: 1}},
		{in: "sounder:12", want: DeviceID{Category: CategorySounder, No: 12}},
		{in: "3:255", want: DeviceID{Category: CategoryKeypad, No: 255}},
		{in: "keyfob:0", wantErr: true},
		{in: "io:256", wantErr: true},
		{in: "lamp:1", wantErr: true},
		{in: "io", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDeviceID(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDeviceID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseDeviceID(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseDeviceType(t *testing.T) {
	tests := []struct {
		in      string
		want    DeviceType
		wantErr bool
	}{
		{in: "pir", want: TypePIR},
		{in: "Smart-Plug", want: TypeSmartPlug},
		{in: " keyfob ", want: TypeKeyFob},
		{in: "lamp", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDeviceType(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseDeviceType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseDeviceType(%q) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}
