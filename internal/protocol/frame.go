package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

// Frame layout constants
const (
	StartByte1 = 0xA5
	StartByte2 = 0x5A

	// MaxPayloadSize is the largest payload a single frame may carry.
	MaxPayloadSize = 1024

	headerSize     = 4 // start marker + length
	bodyHeaderSize = 3 // opcode + peer category + peer number
	trailerSize    = 4 // crc32

	// MinFrameSize is the encoded size of a frame with an empty payload.
	MinFrameSize = headerSize + bodyHeaderSize + trailerSize
	// MaxFrameSize is the encoded size of a frame carrying MaxPayloadSize bytes.
	MaxFrameSize = MinFrameSize + MaxPayloadSize
)

var (
	// ErrNeedMoreData means the buffer holds the beginning of a frame only.
	ErrNeedMoreData = errors.New("need more data")
	// ErrCorrupt means bytes at the start of the buffer cannot begin a valid frame.
	ErrCorrupt = errors.New("corrupt frame")
	// ErrPayloadTooLarge is returned by Encode for payloads over MaxPayloadSize.
	ErrPayloadTooLarge = errors.New("payload too large")
)

// Frame is one decoded wire unit.
//
// Peer is the target of an outbound frame or the source of an inbound one.
// Frames addressed to the hub or broadcast to a device list use HubID.
type Frame struct {
	Opcode  Opcode
	Peer    DeviceID
	Payload []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{op=%s, peer=%s, len=%d}", f.Opcode, f.Peer, len(f.Payload))
}

// Encode serializes f into its wire representation:
//
//	[0]     0xA5        start marker
//	[1]     0x5A        start marker
//	[2-3]   length      opcode+peer+payload size (little-endian uint16)
//	[4]     opcode
//	[5]     category    peer category
//	[6]     number      peer registration number
//	[7+]    payload
//	[N-4:N] crc32       IEEE CRC of bytes [2, N-4) (little-endian)
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(f.Payload), MaxPayloadSize)
	}

	bodyLen := bodyHeaderSize + len(f.Payload)
	buf := make([]byte, headerSize+bodyLen+trailerSize)

	buf[0] = StartByte1
	buf[1] = StartByte2
	binary.LittleEndian.PutUint16(buf[2:4], uint16(bodyLen))
	buf[4] = byte(f.Opcode)
	buf[5] = byte(f.Peer.Category)
	buf[6] = f.Peer.No
	copy(buf[7:], f.Payload)

	end := headerSize + bodyLen
	binary.LittleEndian.PutUint32(buf[end:], crc32.ChecksumIEEE(buf[2:end]))

	return buf, nil
}

// Decode parses one frame from the start of buf.
//
// On success it returns the frame and the number of bytes consumed. On
// ErrNeedMoreData nothing is consumed. On ErrCorrupt the returned count is
// the number of bytes to discard to reach the next plausible start marker;
// it is always at least 1.
//
// The returned payload never aliases buf.
func Decode(buf []byte) (Frame, int, error) {
	if len(buf) == 0 {
		return Frame{}, 0, ErrNeedMoreData
	}
	if buf[0] != StartByte1 {
		return Frame{}, resync(buf), ErrCorrupt
	}
	if len(buf) < 2 {
		return Frame{}, 0, ErrNeedMoreData
	}
	if buf[1] != StartByte2 {
		return Frame{}, resync(buf), ErrCorrupt
	}
	if len(buf) < headerSize {
		return Frame{}, 0, ErrNeedMoreData
	}

	bodyLen := int(binary.LittleEndian.Uint16(buf[2:4]))
	if bodyLen < bodyHeaderSize || bodyLen > bodyHeaderSize+MaxPayloadSize {
		return Frame{}, resync(buf), ErrCorrupt
	}

	total := headerSize + bodyLen + trailerSize
	if len(buf) < total {
		return Frame{}, 0, ErrNeedMoreData
	}

	end := headerSize + bodyLen
	want := binary.LittleEndian.Uint32(buf[end:total])
	if crc32.ChecksumIEEE(buf[2:end]) != want {
		return Frame{}, resync(buf), ErrCorrupt
	}

	f := Frame{
		Opcode: Opcode(buf[4]),
		Peer:   DeviceID{Category: Category(buf[5]), No: buf[6]},
	}
	if n := bodyLen - bodyHeaderSize; n > 0 {
		f.Payload = make([]byte, n)
		copy(f.Payload, buf[7:end])
	}
	return f, total, nil
}

// resync returns the offset of the next start marker candidate after buf[0],
// or len(buf) when there is none.
func resync(buf []byte) int {
	for i := 1; i < len(buf); i++ {
		if buf[i] == StartByte1 {
			return i
		}
	}
	return len(buf)
}

// Decoder reassembles frames from a byte stream delivered in arbitrary
// pieces, as short serial reads produce them.
type Decoder struct {
	buf     []byte
	corrupt uint64
	skipped uint64
}

// NewDecoder returns an empty Decoder.
func NewDecoder() *Decoder {
	return &Decoder{buf: make([]byte, 0, MaxFrameSize)}
}

// Feed appends raw bytes read from the link.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame.
//
// It returns ErrNeedMoreData once the buffer holds no complete frame, and
// ErrCorrupt after discarding bytes that could not form a frame. Callers
// loop until ErrNeedMoreData.
func (d *Decoder) Next() (Frame, error) {
	f, n, err := Decode(d.buf)
	switch {
	case err == nil:
		d.consume(n)
		return f, nil
	case errors.Is(err, ErrCorrupt):
		d.corrupt++
		d.skipped += uint64(n)
		d.consume(n)
		return Frame{}, err
	default:
		return Frame{}, err
	}
}

func (d *Decoder) consume(n int) {
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}

// Buffered returns the number of bytes waiting for the rest of a frame.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Corrupt returns the number of corruption events seen so far.
func (d *Decoder) Corrupt() uint64 { return d.corrupt }

// Skipped returns the number of bytes discarded while resynchronizing.
func (d *Decoder) Skipped() uint64 { return d.skipped }

// Reset drops any partial frame.
func (d *Decoder) Reset() {
	d.buf = d.buf[:0]
}
