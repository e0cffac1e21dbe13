package rabble

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEnv() Envelope {
	return Envelope{
		From:        Pid{Name: "pinger", Node: NodeID{Name: "node-a", Gen: 11}},
		To:          Pid{Name: "echo", Node: NodeID{Name: "node-b", Gen: 22}},
		Payload:     []byte("hello world"),
		Correlation: "corr-123",
	}
}

func TestEnvelopeFrameRoundTrip(t *testing.T) {
	original := testEnv()
	wire := appendEnvelopeFrame(nil, original)

	var dec decoder
	dec.feed(wire)

	f, ok, err := dec.next()
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, f.heartbeat)

	got, err := decodeEnvelope(f.payload)
	require.NoError(t, err)
	assert.Equal(t, original.From, got.From)
	assert.Equal(t, original.To, got.To)
	assert.Equal(t, original.Correlation, got.Correlation)
	assert.Equal(t, original.Payload, got.Payload)

	// Exactly one frame on the wire.
	_, ok, err = dec.next()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecoderSplitReads(t *testing.T) {
	// A frame split across arbitrarily small reads must decode
	// byte-identically to a single read.
	original := testEnv()
	wire := appendEnvelopeFrame(nil, original)

	var dec decoder
	for i := 0; i < len(wire)-1; i++ {
		dec.feed(wire[i : i+1])
		_, ok, err := dec.next()
		require.NoError(t, err)
		require.False(t, ok, "frame complete after %d of %d bytes", i+1, len(wire))
	}
	dec.feed(wire[len(wire)-1:])

	f, ok, err := dec.next()
	require.NoError(t, err)
	require.True(t, ok)

	got, err := decodeEnvelope(f.payload)
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestDecoderMultipleFramesOneRead(t *testing.T) {
	e1, e2 := testEnv(), testEnv()
	e2.Payload = []byte("second")

	wire := appendEnvelopeFrame(nil, e1)
	wire = appendHeartbeatFrame(wire)
	wire = appendEnvelopeFrame(wire, e2)

	var dec decoder
	dec.feed(wire)

	f, ok, err := dec.next()
	require.NoError(t, err)
	require.True(t, ok)
	got1, err := decodeEnvelope(f.payload)
	require.NoError(t, err)
	assert.Equal(t, e1.Payload, got1.Payload)

	f, ok, err = dec.next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, f.heartbeat)

	f, ok, err = dec.next()
	require.NoError(t, err)
	require.True(t, ok)
	got2, err := decodeEnvelope(f.payload)
	require.NoError(t, err)
	assert.Equal(t, e2.Payload, got2.Payload)
}

func TestHeartbeatFrame(t *testing.T) {
	wire := appendHeartbeatFrame(nil)
	require.Len(t, wire, frameHeaderSize)
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(wire[:4]))
	assert.Equal(t, protocolVersion, wire[4])

	var dec decoder
	dec.feed(wire)
	f, ok, err := dec.next()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, f.heartbeat)
}

func TestDecoderUnknownVersion(t *testing.T) {
	wire := appendEnvelopeFrame(nil, testEnv())
	wire[4] = 99

	var dec decoder
	dec.feed(wire)
	_, _, err := dec.next()

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Reason, "version")
}

func TestDecoderZeroLengthFrame(t *testing.T) {
	var dec decoder
	dec.feed([]byte{0, 0, 0, 0})
	_, _, err := dec.next()

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestDecoderOversizeFrame(t *testing.T) {
	var wire [4]byte
	binary.BigEndian.PutUint32(wire[:], maxFramePayload+2)

	var dec decoder
	dec.feed(wire[:])
	_, _, err := dec.next()

	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestHandshakeRoundTrip(t *testing.T) {
	original := handshake{
		ID:   NodeID{Name: "node-a", Gen: 42},
		Addr: "127.0.0.1:7001",
	}
	wire := appendHandshakeFrame(nil, original)

	var dec decoder
	dec.feed(wire)
	f, ok, err := dec.next()
	require.NoError(t, err)
	require.True(t, ok)

	got, err := decodeHandshake(f.payload)
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestDecodeHandshakeEmptyName(t *testing.T) {
	wire := appendHandshakeFrame(nil, handshake{Addr: "127.0.0.1:7001"})

	var dec decoder
	dec.feed(wire)
	f, _, err := dec.next()
	require.NoError(t, err)

	_, err = decodeHandshake(f.payload)
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestDecodeEnvelopeTruncated(t *testing.T) {
	wire := appendEnvelopeFrame(nil, testEnv())

	var dec decoder
	dec.feed(wire)
	f, _, err := dec.next()
	require.NoError(t, err)

	_, err = decodeEnvelope(f.payload[:len(f.payload)-3])
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}

func TestValidateEnvelopeWire(t *testing.T) {
	require.NoError(t, validateEnvelopeWire(testEnv()))

	// Oversized payload: rejected before any encoding happens, so the
	// receiving side never sees a frame it would fail the connection over.
	env := testEnv()
	env.Payload = make([]byte, maxFramePayload+1)
	require.ErrorIs(t, validateEnvelopeWire(env), ErrEnvelopeTooLarge)

	// A string field past its two-byte length prefix would encode
	// truncated; it must be rejected, not silently mangled.
	env = testEnv()
	env.To.Name = string(make([]byte, maxStringLen+1))
	require.ErrorIs(t, validateEnvelopeWire(env), ErrEnvelopeTooLarge)

	env = testEnv()
	env.Correlation = string(make([]byte, maxStringLen+1))
	require.ErrorIs(t, validateEnvelopeWire(env), ErrEnvelopeTooLarge)

	// The size check accounts for field overhead, not just the payload.
	env = testEnv()
	env.Payload = make([]byte, maxFramePayload-10)
	require.ErrorIs(t, validateEnvelopeWire(env), ErrEnvelopeTooLarge)
}

func TestDecodeEnvelopeTrailingBytes(t *testing.T) {
	wire := appendEnvelopeFrame(nil, testEnv())

	var dec decoder
	dec.feed(wire)
	f, _, err := dec.next()
	require.NoError(t, err)

	_, err = decodeEnvelope(append(f.payload, 0xFF))
	var pe *ProtocolError
	require.ErrorAs(t, err, &pe)
}
