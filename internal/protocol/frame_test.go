package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	big := make([]byte, MaxPayloadSize)
	for i := range big {
		big[i] = byte(i)
	}

	tests := []struct {
		name  string
		frame Frame
	}{
		{
			name:  "empty payload to hub",
			frame: Frame{Opcode: OpRegisterStop, Peer: HubID},
		},
		{
			name:  "device command",
			frame: Frame{Opcode: OpLEDIndicate, Peer: DeviceID{Category: CategoryIO, No: 7}, Payload: []byte{2, 3}},
		},
		{
			name:  "payload containing start markers",
			frame: Frame{Opcode: OpOTAData, Peer: HubID, Payload: []byte{StartByte1, StartByte2, 0x00, StartByte1}},
		},
		{
			name:  "acknowledgement",
			frame: Frame{Opcode: OpFindMeStart.Response(), Peer: DeviceID{Category: CategoryKeypad, No: 255}, Payload: []byte{0}},
		},
		{
			name:  "maximum payload",
			frame: Frame{Opcode: OpOTAData, Peer: HubID, Payload: big},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.frame)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if len(raw) != MinFrameSize+len(tt.frame.Payload) {
				t.Errorf("encoded length = %d, want %d", len(raw), MinFrameSize+len(tt.frame.Payload))
			}

			got, n, err := Decode(raw)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if n != len(raw) {
				t.Errorf("consumed = %d, want %d", n, len(raw))
			}
			if got.Opcode != tt.frame.Opcode {
				t.Errorf("opcode = %s, want %s", got.Opcode, tt.frame.Opcode)
			}
			if got.Peer != tt.frame.Peer {
				t.Errorf("peer = %s, want %s", got.Peer, tt.frame.Peer)
			}
			if !bytes.Equal(got.Payload, tt.frame.Payload) {
				t.Errorf("payload = %x, want %x", got.Payload, tt.frame.Payload)
			}
		})
	}
}

func TestEncodePayloadTooLarge(t *testing.T) {
	_, err := Encode(Frame{Opcode: OpOTAData, Payload: make([]byte, MaxPayloadSize+1)})
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Encode() error = %v, want ErrPayloadTooLarge", err)
	}
}

func TestDecode(t *testing.T) {
	valid, _ := Encode(Frame{Opcode: OpGetVersion, Peer: HubID, Payload: []byte("v1")})

	badCRC := bytes.Clone(valid)
	badCRC[len(badCRC)-1] ^= 0xFF

	badLen := bytes.Clone(valid)
	badLen[2], badLen[3] = 0xFF, 0xFF

	tests := []struct {
		name         string
		data         []byte
		wantErr      error
		wantConsumed int
	}{
		{name: "empty", data: nil, wantErr: ErrNeedMoreData, wantConsumed: 0},
		{name: "first marker only", data: valid[:1], wantErr: ErrNeedMoreData, wantConsumed: 0},
		{name: "header only", data: valid[:4], wantErr: ErrNeedMoreData, wantConsumed: 0},
		{name: "missing trailer", data: valid[:len(valid)-1], wantErr: ErrNeedMoreData, wantConsumed: 0},
		{name: "complete", data: valid, wantErr: nil, wantConsumed: len(valid)},
		{name: "garbage then frame", data: append([]byte{0x00, 0x11}, valid...), wantErr: ErrCorrupt, wantConsumed: 2},
		{name: "garbage only", data: []byte{0x01, 0x02, 0x03}, wantErr: ErrCorrupt, wantConsumed: 3},
		{name: "bad second marker", data: []byte{StartByte1, 0x00, 0x00}, wantErr: ErrCorrupt, wantConsumed: 3},
		{name: "repeated first marker", data: []byte{StartByte1, StartByte1, StartByte2}, wantErr: ErrCorrupt, wantConsumed: 1},
		{name: "crc mismatch", data: badCRC, wantErr: ErrCorrupt, wantConsumed: len(badCRC)},
		{name: "length over maximum", data: badLen, wantErr: ErrCorrupt, wantConsumed: len(badLen)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, n, err := Decode(tt.data)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
			if n != tt.wantConsumed {
				t.Errorf("consumed = %d, want %d", n, tt.wantConsumed)
			}
		})
	}
}

func TestDecoderShortReads(t *testing.T) {
	frames := []Frame{
		{Opcode: OpHeartbeat, Peer: DeviceID{Category: CategoryIO, No: 1}, Payload: []byte{0, 90, 0xC4, 0}},
		{Opcode: OpRegisterStart.Response(), Peer: HubID, Payload: []byte{0}},
		{Opcode: OpJammingDetected, Peer: HubID, Payload: []byte{5}},
	}

	var stream []byte
	for _, f := range frames {
		raw, err := Encode(f)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		stream = append(stream, raw...)
	}

	dec := NewDecoder()
	var got []Frame
	// Feed one byte at a time, as a slow serial link might.
	for _, b := range stream {
		dec.Feed([]byte{b})
		for {
			f, err := dec.Next()
			if errors.Is(err, ErrNeedMoreData) {
				break
			}
			if err != nil {
				t.Fatalf("Next() error = %v", err)
			}
			got = append(got, f)
		}
	}

	if len(got) != len(frames) {
		t.Fatalf("decoded %d frames, want %d", len(got), len(frames))
	}
	for i := range frames {
		if got[i].Opcode != frames[i].Opcode || got[i].Peer != frames[i].Peer || !bytes.Equal(got[i].Payload, frames[i].Payload) {
			t.Errorf("frame %d = %s, want %s", i, got[i], frames[i])
		}
	}
	if dec.Buffered() != 0 {
		t.Errorf("Buffered() = %d, want 0", dec.Buffered())
	}
}

func TestDecoderResync(t *testing.T) {
	good, _ := Encode(Frame{Opcode: OpKeyPress, Peer: DeviceID{Category: CategoryKeyFob, No: 2}, Payload: []byte{byte(KeySOS)}})
	corrupted := bytes.Clone(good)
	corrupted[8] ^= 0x01 // first CRC byte

	dec := NewDecoder()
	dec.Feed([]byte{0xDE, 0xAD})
	dec.Feed(corrupted)
	dec.Feed(good)

	var frames []Frame
	for {
		f, err := dec.Next()
		if errors.Is(err, ErrNeedMoreData) {
			break
		}
		if errors.Is(err, ErrCorrupt) {
			continue
		}
		frames = append(frames, f)
	}

	if len(frames) != 1 {
		t.Fatalf("decoded %d frames, want 1", len(frames))
	}
	if frames[0].Opcode != OpKeyPress {
		t.Errorf("opcode = %s, want %s", frames[0].Opcode, OpKeyPress)
	}
	if dec.Corrupt() != 2 {
		t.Errorf("Corrupt() = %d, want 2", dec.Corrupt())
	}
	if dec.Skipped() != uint64(2+len(corrupted)) {
		t.Errorf("Skipped() = %d, want %d", dec.Skipped(), 2+len(corrupted))
	}
}

func TestOpcodeResponse(t *testing.T) {
	ack := OpFindMeStart.Response()
	if !ack.IsResponse() {
		t.Errorf("%s.IsResponse() = false, want true", ack)
	}
	if ack.Request() != OpFindMeStart {
		t.Errorf("Request() = %s, want %s", ack.Request(), OpFindMeStart)
	}
	if OpHeartbeat.IsResponse() {
		t.Errorf("%s.IsResponse() = true, want false", OpHeartbeat)
	}
	if got := ack.String(); got != "FindMeStartAck" {
		t.Errorf("String() = %q, want %q", got, "FindMeStartAck")
	}
}
