package rabble

// Wire format.
//
// Every frame on a peer connection is:
//
//	[4-byte big-endian length][1-byte version][payload]
//
// The length covers the version byte plus the payload, so the smallest legal
// frame is length 1: a bare version byte with no payload. That empty frame is
// reserved as the heartbeat.
//
// The first frame in each direction is the handshake:
//
//	[2-byte name length][name UTF-8 bytes]
//	[8-byte generation]
//	[2-byte addr length][advertised listen address UTF-8 bytes]
//
// Every subsequent non-empty frame carries one envelope:
//
//	from Pid  (actor name, node name, node generation)
//	to   Pid  (actor name, node name, node generation)
//	[2-byte correlation length][correlation bytes]
//	[4-byte payload length][payload bytes]
//
// A frame with an unknown version byte is a protocol error and fails the
// connection; no partial interpretation is attempted. Decoding is resumable:
// the decoder keeps a cursor buffer per connection so a frame split across
// any number of partial reads decodes byte-identically.

import (
	"encoding/binary"
	"fmt"
)

// protocolVersion is the wire version this build speaks. Both the handshake
// frame and every envelope frame carry it.
const protocolVersion byte = 1

// maxFramePayload bounds a single frame's payload (version byte excluded).
// Frames larger than this are rejected on read.
const maxFramePayload = 16 << 20 // 16 MB

// frameHeaderSize is the length prefix plus the version byte.
const frameHeaderSize = 5

// maxStringLen bounds any length-prefixed string on the wire; appendStr
// uses a two-byte prefix.
const maxStringLen = 1<<16 - 1

// handshake is the identity exchanged before any application frame. Addr is
// the sender's advertised listen address so the receiver can dial back later
// (the ephemeral port from conn.RemoteAddr is useless for that).
type handshake struct {
	ID   NodeID
	Addr string
}

// --- encode ---

func appendU16(buf []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendStr(buf []byte, s string) []byte {
	buf = appendU16(buf, uint16(len(s)))
	return append(buf, s...)
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendU32(buf, uint32(len(b)))
	return append(buf, b...)
}

func appendPid(buf []byte, p Pid) []byte {
	buf = appendStr(buf, p.Name)
	buf = appendStr(buf, p.Node.Name)
	return appendU64(buf, p.Node.Gen)
}

// beginFrame appends the length placeholder and version byte, returning the
// offset of the placeholder for finishFrame.
func beginFrame(buf []byte) ([]byte, int) {
	lenPos := len(buf)
	buf = append(buf, 0, 0, 0, 0, protocolVersion)
	return buf, lenPos
}

func finishFrame(buf []byte, lenPos int) []byte {
	binary.BigEndian.PutUint32(buf[lenPos:], uint32(len(buf)-lenPos-4))
	return buf
}

// validateEnvelopeWire checks env against the wire limits before encoding.
// The encoder itself does not check: a violation caught here costs the
// sender one error, while a malformed or oversized frame reaching the peer
// would cost everyone the connection.
func validateEnvelopeWire(env Envelope) error {
	for _, s := range [...]string{
		env.From.Name, env.From.Node.Name,
		env.To.Name, env.To.Node.Name,
		env.Correlation,
	} {
		if len(s) > maxStringLen {
			return fmt.Errorf("field of %d bytes exceeds wire limit %d: %w", len(s), maxStringLen, ErrEnvelopeTooLarge)
		}
	}

	// Frame payload size as appendEnvelopeFrame lays it out: two Pids
	// (three length-prefixed strings and a generation between them), the
	// correlation string, and the length-prefixed payload.
	size := 2*(2+2+8) +
		len(env.From.Name) + len(env.From.Node.Name) +
		len(env.To.Name) + len(env.To.Node.Name) +
		2 + len(env.Correlation) +
		4 + len(env.Payload)
	if size > maxFramePayload {
		return fmt.Errorf("frame of %d bytes exceeds %d: %w", size, maxFramePayload, ErrEnvelopeTooLarge)
	}
	return nil
}

// appendEnvelopeFrame appends one complete envelope frame to buf. Callers
// validate env with validateEnvelopeWire first.
func appendEnvelopeFrame(buf []byte, env Envelope) []byte {
	buf, lenPos := beginFrame(buf)
	buf = appendPid(buf, env.From)
	buf = appendPid(buf, env.To)
	buf = appendStr(buf, env.Correlation)
	buf = appendBytes(buf, env.Payload)
	return finishFrame(buf, lenPos)
}

// appendHeartbeatFrame appends the reserved empty frame.
func appendHeartbeatFrame(buf []byte) []byte {
	buf, lenPos := beginFrame(buf)
	return finishFrame(buf, lenPos)
}

// appendHandshakeFrame appends the identity frame sent before any envelope.
func appendHandshakeFrame(buf []byte, hs handshake) []byte {
	buf, lenPos := beginFrame(buf)
	buf = appendStr(buf, hs.ID.Name)
	buf = appendU64(buf, hs.ID.Gen)
	buf = appendStr(buf, hs.Addr)
	return finishFrame(buf, lenPos)
}

// --- streaming decode ---

// frame is one complete wire frame with the header stripped. The payload
// slice aliases the decoder's cursor buffer and is only valid until the next
// call to next; callers decode immediately.
type frame struct {
	heartbeat bool
	payload   []byte
}

// decoder accumulates raw stream bytes and yields complete frames. One
// decoder exists per connection; it is not safe for concurrent use (each
// connection has a single read loop).
type decoder struct {
	buf []byte
}

// feed appends freshly read bytes to the cursor buffer.
func (d *decoder) feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// next returns the next complete frame, or ok=false when more bytes are
// needed. A malformed length or unknown version returns a *ProtocolError;
// the connection must be torn down and the decoder discarded.
func (d *decoder) next() (f frame, ok bool, err error) {
	if len(d.buf) < 4 {
		return frame{}, false, nil
	}
	frameLen := binary.BigEndian.Uint32(d.buf[:4])
	if frameLen < 1 {
		return frame{}, false, &ProtocolError{Reason: "frame length 0"}
	}
	if frameLen > maxFramePayload+1 {
		return frame{}, false, &ProtocolError{Reason: fmt.Sprintf("frame too large (%d bytes)", frameLen)}
	}
	if len(d.buf) < 4+int(frameLen) {
		return frame{}, false, nil
	}

	version := d.buf[4]
	if version != protocolVersion {
		return frame{}, false, &ProtocolError{Reason: fmt.Sprintf("unknown protocol version %d", version)}
	}

	payload := d.buf[5 : 4+frameLen]
	d.buf = d.buf[4+frameLen:]

	if len(payload) == 0 {
		return frame{heartbeat: true}, true, nil
	}
	return frame{payload: payload}, true, nil
}

// --- payload decode ---

func getU16(data []byte, off int) (uint16, int, error) {
	if off+2 > len(data) {
		return 0, off, fmt.Errorf("short data for uint16")
	}
	return binary.BigEndian.Uint16(data[off:]), off + 2, nil
}

func getU64(data []byte, off int) (uint64, int, error) {
	if off+8 > len(data) {
		return 0, off, fmt.Errorf("short data for uint64")
	}
	return binary.BigEndian.Uint64(data[off:]), off + 8, nil
}

func getStr(data []byte, off int) (string, int, error) {
	n, off, err := getU16(data, off)
	if err != nil {
		return "", off, err
	}
	if off+int(n) > len(data) {
		return "", off, fmt.Errorf("short data for string")
	}
	return string(data[off : off+int(n)]), off + int(n), nil
}

func getBytes(data []byte, off int) ([]byte, int, error) {
	if off+4 > len(data) {
		return nil, off, fmt.Errorf("short data for bytes length")
	}
	n := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if off+n > len(data) {
		return nil, off, fmt.Errorf("short data for bytes")
	}
	// Copy: the source aliases the decoder cursor, the envelope outlives it.
	b := make([]byte, n)
	copy(b, data[off:off+n])
	return b, off + n, nil
}

func getPid(data []byte, off int) (Pid, int, error) {
	var p Pid
	var err error
	if p.Name, off, err = getStr(data, off); err != nil {
		return Pid{}, off, err
	}
	if p.Node.Name, off, err = getStr(data, off); err != nil {
		return Pid{}, off, err
	}
	if p.Node.Gen, off, err = getU64(data, off); err != nil {
		return Pid{}, off, err
	}
	return p, off, nil
}

// decodeEnvelope decodes an envelope frame payload. Malformed payloads are
// protocol errors: the sender and receiver disagree about the wire format,
// so the connection cannot be trusted.
func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	var err error
	off := 0
	if env.From, off, err = getPid(data, off); err != nil {
		return Envelope{}, &ProtocolError{Reason: "envelope from: " + err.Error()}
	}
	if env.To, off, err = getPid(data, off); err != nil {
		return Envelope{}, &ProtocolError{Reason: "envelope to: " + err.Error()}
	}
	if env.Correlation, off, err = getStr(data, off); err != nil {
		return Envelope{}, &ProtocolError{Reason: "envelope correlation: " + err.Error()}
	}
	if env.Payload, off, err = getBytes(data, off); err != nil {
		return Envelope{}, &ProtocolError{Reason: "envelope payload: " + err.Error()}
	}
	if off != len(data) {
		return Envelope{}, &ProtocolError{Reason: "trailing bytes after envelope"}
	}
	return env, nil
}

// decodeHandshake decodes a handshake frame payload.
func decodeHandshake(data []byte) (handshake, error) {
	var hs handshake
	var err error
	off := 0
	if hs.ID.Name, off, err = getStr(data, off); err != nil {
		return handshake{}, &ProtocolError{Reason: "handshake name: " + err.Error()}
	}
	if hs.ID.Name == "" {
		return handshake{}, &ProtocolError{Reason: "handshake with empty node name"}
	}
	if hs.ID.Gen, off, err = getU64(data, off); err != nil {
		return handshake{}, &ProtocolError{Reason: "handshake generation: " + err.Error()}
	}
	if hs.Addr, off, err = getStr(data, off); err != nil {
		return handshake{}, &ProtocolError{Reason: "handshake address: " + err.Error()}
	}
	if off != len(data) {
		return handshake{}, &ProtocolError{Reason: "trailing bytes after handshake"}
	}
	return hs, nil
}
