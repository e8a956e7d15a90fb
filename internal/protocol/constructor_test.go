package protocol

import (
	"bytes"
	"testing"
)

func TestBuildRegisterStart(t *testing.T) {
	mac := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	var sn [16]byte
	sn[0], sn[15] = 0xAA, 0xBB

	tests := []struct {
		name        string
		mode        RegisterMode
		wantPayload []byte
		wantErr     bool
	}{
		{name: "local", mode: RegisterLocal, wantPayload: []byte{0}},
		{name: "by mac", mode: RegisterByMAC, wantPayload: append([]byte{1}, mac[:]...)},
		{name: "by serial", mode: RegisterBySN, wantPayload: append([]byte{2}, sn[:]...)},
		{name: "invalid mode", mode: 9, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := BuildRegisterStart(tt.mode, mac, sn)
			if (err != nil) != tt.wantErr {
				t.Fatalf("BuildRegisterStart() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if f.Opcode != OpRegisterStart || f.Peer != HubID {
				t.Errorf("frame = %s, want RegisterStart to hub", f)
			}
			if !bytes.Equal(f.Payload, tt.wantPayload) {
				t.Errorf("payload = %x, want %x", f.Payload, tt.wantPayload)
			}
		})
	}
}

func TestBuildFindMeStart(t *testing.T) {
	ids := []DeviceID{
		{Category: CategoryIO, No: 1},
		{Category: CategorySounder, No: 4},
	}
	f, err := BuildFindMeStart(3, ids)
	if err != nil {
		t.Fatalf("BuildFindMeStart() error = %v", err)
	}
	want := []byte{3, 2, 1, 1, 2, 4}
	if !bytes.Equal(f.Payload, want) {
		t.Errorf("payload = %x, want %x", f.Payload, want)
	}

	got, rest, err := ParseDeviceList(f.Payload[1:])
	if err != nil {
		t.Fatalf("ParseDeviceList() error = %v", err)
	}
	if len(rest) != 0 {
		t.Errorf("rest = %x, want empty", rest)
	}
	if len(got) != 2 || got[0] != ids[0] || got[1] != ids[1] {
		t.Errorf("ParseDeviceList() = %v, want %v", got, ids)
	}

	if _, err := BuildFindMeStart(3, nil); err == nil {
		t.Error("BuildFindMeStart(empty) should fail")
	}
	if _, err := BuildFindMeStart(3, []DeviceID{{Category: CategoryIO, No: 0}}); err == nil {
		t.Error("BuildFindMeStart(no=0) should fail")
	}
}

func TestBuildValidation(t *testing.T) {
	io1 := DeviceID{Category: CategoryIO, No: 1}

	tests := []struct {
		name string
		fn   func() error
	}{
		{"led mode", func() error { _, err := BuildLEDIndicate(io1, LEDBreath+1, LED500ms); return err }},
		{"led duration", func() error { _, err := BuildLEDIndicate(io1, LEDOn, LED3000ms+1); return err }},
		{"frequency band", func() error { _, err := BuildSetFreq(3); return err }},
		{"hub ex band", func() error { _, err := BuildSetHubEx(HubParams{Band: 7}); return err }},
		{"arm state", func() error { _, err := BuildIOAlarmSet(5, []uint8{1}); return err }},
		{"arm empty list", func() error { _, err := BuildIOAlarmSet(Arm, nil); return err }},
		{"siren mode", func() error { _, err := BuildSirenBroadcast(false, SirenAlarm, MaxSirenMode+1, []uint8{1}); return err }},
		{"siren action", func() error { _, err := BuildSirenBroadcast(true, SirenExitDelay+1, 0, []uint8{1}); return err }},
		{"volume", func() error { _, err := BuildSirenVolume(io1, false, VolumeHigh+1); return err }},
		{"switch on sensor", func() error { _, err := BuildSwitchCtrl(io1, TypePIR, SwitchOn, false); return err }},
		{"sensitivity", func() error { _, err := BuildPIRSet(io1, true, SensitivityHigh+1); return err }},
		{"humidity threshold", func() error { _, err := BuildTempHumiSet(io1, Celsius, 30, 120); return err }},
		{"subdev batch too large", func() error {
			_, err := BuildSubdevOTAStart(CategoryIO, make([]uint8, MaxSubdevOTADevices+1), 1024)
			return err
		}},
		{"oversized chunk", func() error { _, err := BuildOTAData(OpOTAData, 0, make([]byte, MaxPayloadSize)); return err }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err == nil {
				t.Errorf("%s: expected error", tt.name)
			}
		})
	}
}

func TestBuildSwitchCtrl(t *testing.T) {
	id := DeviceID{Category: CategoryIO, No: 5}

	tests := []struct {
		typ         DeviceType
		wantOp      Opcode
		wantPayload []byte
	}{
		{TypeRelay, OpRelayCtrl, []byte{byte(SwitchToggle)}},
		{TypeSmartPlug, OpSmartPlugCtrl, []byte{byte(SwitchToggle), 1}},
		{TypeWallSwitch, OpWallSwitchCtrl, []byte{byte(SwitchToggle)}},
	}

	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			f, err := BuildSwitchCtrl(id, tt.typ, SwitchToggle, true)
			if err != nil {
				t.Fatalf("BuildSwitchCtrl() error = %v", err)
			}
			if f.Opcode != tt.wantOp {
				t.Errorf("opcode = %s, want %s", f.Opcode, tt.wantOp)
			}
			if f.Peer != id {
				t.Errorf("peer = %s, want %s", f.Peer, id)
			}
			if !bytes.Equal(f.Payload, tt.wantPayload) {
				t.Errorf("payload = %x, want %x", f.Payload, tt.wantPayload)
			}
		})
	}
}

func TestBuildSubdevOTAStart(t *testing.T) {
	f, err := BuildSubdevOTAStart(CategoryIO, []uint8{1, 2, 3}, 4096)
	if err != nil {
		t.Fatalf("BuildSubdevOTAStart() error = %v", err)
	}
	if Category(f.Payload[0]) != CategoryIO {
		t.Errorf("category = %d, want %d", f.Payload[0], CategoryIO)
	}
	nos, rest, err := ParseNumberList(f.Payload[1:])
	if err != nil {
		t.Fatalf("ParseNumberList() error = %v", err)
	}
	if !bytes.Equal(nos, []byte{1, 2, 3}) {
		t.Errorf("numbers = %v, want [1 2 3]", nos)
	}
	size, err := ParseOTASize(rest)
	if err != nil {
		t.Fatalf("ParseOTASize() error = %v", err)
	}
	if size != 4096 {
		t.Errorf("size = %d, want 4096", size)
	}
}

func TestBuildOTAData(t *testing.T) {
	chunk := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	f, err := BuildOTAData(OpOTAData, 512, chunk)
	if err != nil {
		t.Fatalf("BuildOTAData() error = %v", err)
	}
	offset, data, err := ParseOTAData(f.Payload)
	if err != nil {
		t.Fatalf("ParseOTAData() error = %v", err)
	}
	if offset != 512 || !bytes.Equal(data, chunk) {
		t.Errorf("ParseOTAData() = %d/%x, want 512/%x", offset, data, chunk)
	}
}

func TestBuildFixedLayouts(t *testing.T) {
	keypad := DeviceID{Category: CategoryKeypad, No: 2}

	tests := []struct {
		name        string
		frame       Frame
		wantOp      Opcode
		wantPeer    DeviceID
		wantPayload []byte
	}{
		{
			name:        "carrier start",
			frame:       BuildCarrierStart(CarrierParams{Channel: 3, Power: 0x0102, Wave: 1, Antenna: 2}),
			wantOp:      OpCarrierStart,
			wantPeer:    HubID,
			wantPayload: []byte{3, 0x02, 0x01, 1, 2},
		},
		{
			name:        "crystal high negative",
			frame:       BuildCrystalAdjust(true, -2),
			wantOp:      OpCrystalAdjustHigh,
			wantPeer:    HubID,
			wantPayload: []byte{0xFE, 0xFF, 0xFF, 0xFF},
		},
		{
			name:        "crystal low",
			frame:       BuildCrystalAdjust(false, 5),
			wantOp:      OpCrystalAdjustLow,
			wantPeer:    HubID,
			wantPayload: []byte{5, 0, 0, 0},
		},
		{
			name:        "pa0 on",
			frame:       BuildPA0Output(true),
			wantOp:      OpPA0Output,
			wantPeer:    HubID,
			wantPayload: []byte{1},
		},
		{
			name:        "pa0 off",
			frame:       BuildPA0Output(false),
			wantOp:      OpPA0Output,
			wantPeer:    HubID,
			wantPayload: []byte{0},
		},
		{
			name:        "keypad settings",
			frame:       BuildKeypadSet(keypad, KeypadSettings{Tone: true, ArmLED: true, Lock: true}),
			wantOp:      OpKeypadSet,
			wantPeer:    keypad,
			wantPayload: []byte{1, 0, 1, 0, 0, 0, 1},
		},
		{
			name:        "hub event",
			frame:       BuildHubEvent(1),
			wantOp:      OpHubEvent,
			wantPeer:    HubID,
			wantPayload: []byte{1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.frame.Opcode != tt.wantOp || tt.frame.Peer != tt.wantPeer {
				t.Errorf("frame = %s, want %s to %s", tt.frame, tt.wantOp, tt.wantPeer)
			}
			if !bytes.Equal(tt.frame.Payload, tt.wantPayload) {
				t.Errorf("payload = %x, want %x", tt.frame.Payload, tt.wantPayload)
			}
		})
	}

	msg, err := ParseMessage(BuildHubEvent(1))
	if err != nil {
		t.Fatalf("ParseMessage(hub event) error = %v", err)
	}
	if ev, ok := msg.(*HubEvent); !ok || ev.SyncFlag != 1 {
		t.Errorf("ParseMessage(hub event) = %s, want sync flag 1", msg)
	}
}
