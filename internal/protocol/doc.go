// Package protocol implements the framed binary protocol spoken between the
// host and the RF hub over its serial link.
//
// This package handles encoding and decoding of wire frames, reassembly of
// frames from short reads, and construction and parsing of every command,
// acknowledgement and unsolicited event payload the hub understands.
//
// # Frame Format
//
// Every frame has the same envelope, all multi-byte fields little-endian:
//   - Start marker: 0xA5 0x5A
//   - Length: 2 bytes, size of opcode + peer + payload
//   - Opcode: 1 byte
//   - Peer: 2 bytes (category, registration number); 0:0 is the hub
//   - Payload: 0 to MaxPayloadSize bytes
//   - CRC32 (IEEE): 4 bytes over length, opcode, peer and payload
//
// # Requests and Acknowledgements
//
// The hub acknowledges each request with the request opcode OR 0x80. The first
// payload byte of an acknowledgement is a Status; any data follows it. Batch
// requests such as find-me receive one acknowledgement per addressed device,
// with the peer set to the responding device.
//
// Unsolicited frames (registration responses, heartbeats, alarms, key presses,
// firmware data requests) use opcodes without the 0x80 bit and are decoded by
// ParseMessage into typed Message values.
//
// # Usage Example - Stream Decoding
//
//	dec := protocol.NewDecoder()
//	dec.Feed(buf[:n])
//	for {
//	    f, err := dec.Next()
//	    if errors.Is(err, protocol.ErrNeedMoreData) {
//	        break
//	    }
//	    if errors.Is(err, protocol.ErrCorrupt) {
//	        continue // bytes discarded, decoder resynchronized
//	    }
//	    msg, err := protocol.ParseMessage(f)
//	    ...
//	}
//
// # Usage Example - Construction
//
//	f, err := protocol.BuildFindMeStart(3, []protocol.DeviceID{{Category: protocol.CategoryIO, No: 1}})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	raw, err := protocol.Encode(f)
//
// # Fixed-Length Fields
//
// Serial numbers (16 bytes) and MACs (8 bytes) are binary fields. They are never
// NUL-terminated and are never treated as text; embedded zero bytes are data.
//
// # Thread Safety
//
// Encode, Decode and the builders and parsers are stateless and safe for
// concurrent use. A Decoder is not; it belongs to the goroutine reading the link.
package protocol
