package rlpx

import (
	"bytes"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/stretchr/testify/require"

	"rlpxnet/p2p/wire"
)

// newFramerPair returns two codecs whose secrets mirror each other, the way
// the two ends of a handshake leave them.
func newFramerPair(t *testing.T) (*Framer, *Framer) {
	t.Helper()
	aesKey := bytes.Repeat([]byte{0x5a}, KeyLength)
	macSecret := bytes.Repeat([]byte{0xc3}, KeyLength)

	local, err := NewSecrets(aesKey, macSecret)
	require.NoError(t, err)
	remote, err := NewSecrets(aesKey, macSecret)
	require.NoError(t, err)

	egressSeed := []byte("initiator egress seed")
	ingressSeed := []byte("initiator ingress seed")
	local.UpdateEgress(egressSeed)
	remote.UpdateIngress(egressSeed)
	local.UpdateIngress(ingressSeed)
	remote.UpdateEgress(ingressSeed)

	sender, err := NewFramer(local)
	require.NoError(t, err)
	receiver, err := NewFramer(remote)
	require.NoError(t, err)
	return sender, receiver
}

func testMessages() []wire.Message {
	return []wire.Message{
		{Code: 0x00, Payload: nil},
		{Code: 0x01, Payload: []byte{0xc0}},
		{Code: 0x10, Payload: bytes.Repeat([]byte{0xab}, 15)},
		{Code: 0x7f, Payload: bytes.Repeat([]byte{0x01, 0x02}, 500)},
		{Code: 0x80, Payload: []byte("multi-byte code")},
		{Code: 0x1234, Payload: bytes.Repeat([]byte{0xff}, 4096)},
	}
}

func requireMessage(t *testing.T, want wire.Message, got *wire.Message) {
	t.Helper()
	require.NotNil(t, got)
	require.Equal(t, want.Code, got.Code)
	// A nil payload decodes as an empty slice.
	require.True(t, bytes.Equal(want.Payload, got.Payload),
		"code %#x: payload %x, want %x", want.Code, got.Payload, want.Payload)
}

func TestNewSecretsRejectsBadKeyLength(t *testing.T) {
	good := make([]byte, KeyLength)
	cases := []struct {
		name      string
		aesKey    []byte
		macSecret []byte
	}{
		{"short aes key", make([]byte, 16), good},
		{"long aes key", make([]byte, 33), good},
		{"short mac secret", good, make([]byte, 31)},
		{"empty mac secret", good, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSecrets(tc.aesKey, tc.macSecret)
			require.ErrorIs(t, err, ErrInvalidKeyMaterial)
		})
	}
}

func TestSecretsDirectionsAreIndependent(t *testing.T) {
	s, err := NewSecrets(make([]byte, KeyLength), make([]byte, KeyLength))
	require.NoError(t, err)

	ingress := s.IngressDigest()
	egress := s.UpdateEgress([]byte("data"))
	require.Equal(t, ingress, s.IngressDigest())
	require.Equal(t, egress, s.EgressDigest())
	require.NotEqual(t, egress, ingress)
}

func TestFrameDeframeRoundTrip(t *testing.T) {
	sender, receiver := newFramerPair(t)
	for _, msg := range testMessages() {
		frame, err := sender.Frame(msg)
		require.NoError(t, err)
		require.Zero(t, len(frame)%16)

		got, err := receiver.Deframe(frame)
		require.NoError(t, err)
		requireMessage(t, msg, got)
		require.Zero(t, receiver.Buffered())
	}
}

func TestFrameEmptyPayloadSize(t *testing.T) {
	sender, receiver := newFramerPair(t)
	frame, err := sender.Frame(wire.Message{Code: 0x05})
	require.NoError(t, err)
	require.Len(t, frame, FrameOverhead+16)

	got, err := receiver.Deframe(frame)
	require.NoError(t, err)
	require.Equal(t, uint64(0x05), got.Code)
	require.Empty(t, got.Payload)
}

func TestDeframeOneByteFragmentation(t *testing.T) {
	sender, receiver := newFramerPair(t)
	msgs := testMessages()

	var stream []byte
	for _, msg := range msgs {
		frame, err := sender.Frame(msg)
		require.NoError(t, err)
		stream = append(stream, frame...)
	}

	var got []*wire.Message
	for i := range stream {
		msg, err := receiver.Deframe(stream[i : i+1])
		require.NoError(t, err)
		if msg != nil {
			got = append(got, msg)
			require.Zero(t, receiver.Buffered())
		}
	}
	require.Len(t, got, len(msgs))
	for i, msg := range msgs {
		requireMessage(t, msg, got[i])
	}
}

func TestDeframeDrainsBufferedFrames(t *testing.T) {
	sender, receiver := newFramerPair(t)
	msgs := testMessages()

	var stream []byte
	for _, msg := range msgs {
		frame, err := sender.Frame(msg)
		require.NoError(t, err)
		stream = append(stream, frame...)
	}

	first, err := receiver.Deframe(stream)
	require.NoError(t, err)
	requireMessage(t, msgs[0], first)
	for _, want := range msgs[1:] {
		got, err := receiver.Deframe(nil)
		require.NoError(t, err)
		requireMessage(t, want, got)
	}
	got, err := receiver.Deframe(nil)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestFrameSizeBoundary(t *testing.T) {
	sender, receiver := newFramerPair(t)

	// Code 0 encodes as a single byte, so this body is exactly MaxMessageSize.
	largest := wire.Message{Code: 0, Payload: make([]byte, MaxMessageSize-1)}
	frame, err := sender.Frame(largest)
	require.NoError(t, err)

	tooLarge := wire.Message{Code: 0, Payload: make([]byte, MaxMessageSize)}
	_, err = sender.Frame(tooLarge)
	require.ErrorIs(t, err, ErrMessageTooLarge)
	require.EqualError(t, err, "rlpx: message size in excess of maximum length: frame body of 16777216 bytes")

	// The rejected message consumed no egress state.
	got, err := receiver.Deframe(frame)
	require.NoError(t, err)
	require.Len(t, got.Payload, MaxMessageSize-1)

	next, err := sender.Frame(wire.Message{Code: 1, Payload: []byte{0xc0}})
	require.NoError(t, err)
	got, err = receiver.Deframe(next)
	require.NoError(t, err)
	require.Equal(t, uint64(1), got.Code)
}

func TestDeframeDetectsTampering(t *testing.T) {
	msg := wire.Message{Code: 0x11, Payload: bytes.Repeat([]byte{0x42}, 20)}
	sender, _ := newFramerPair(t)
	frame, err := sender.Frame(msg)
	require.NoError(t, err)

	for i := range frame {
		bit := byte(1) << (i % 8)
		tampered := append([]byte(nil), frame...)
		tampered[i] ^= bit

		// Each attempt needs fresh codecs whose states match the sender's.
		sender, receiver := newFramerPair(t)
		_, err := sender.Frame(msg)
		require.NoError(t, err)
		got, err := receiver.Deframe(tampered)
		require.Nil(t, got)
		require.ErrorIs(t, err, ErrMACMismatch, "byte %d", i)
	}
}

func TestDeframeRejectsReorderedFrames(t *testing.T) {
	sender, receiver := newFramerPair(t)
	_, err := sender.Frame(wire.Message{Code: 1, Payload: []byte("one")})
	require.NoError(t, err)
	second, err := sender.Frame(wire.Message{Code: 2, Payload: []byte("two")})
	require.NoError(t, err)

	_, err = receiver.Deframe(second)
	require.ErrorIs(t, err, ErrMACMismatch)
}

func TestDeframeErrorIsSticky(t *testing.T) {
	sender, receiver := newFramerPair(t)
	frame, err := sender.Frame(wire.Message{Code: 3, Payload: []byte("payload")})
	require.NoError(t, err)
	frame[len(frame)-1] ^= 0x01

	_, deframeErr := receiver.Deframe(frame)
	require.ErrorIs(t, deframeErr, ErrMACMismatch)

	good, err := sender.Frame(wire.Message{Code: 4})
	require.NoError(t, err)
	_, again := receiver.Deframe(good)
	require.Same(t, deframeErr, again)
	require.Zero(t, receiver.Buffered())
}

func TestDeframeChunkedMessage(t *testing.T) {
	sender, receiver := newFramerPair(t)

	payload := bytes.Repeat([]byte("chunk"), 20)
	body := append(rlpCode(t, 0x21), payload...)
	first, second := body[:40], body[40:]

	var stream []byte
	stream = append(stream, sender.sealFrame(headerData(t, 0, 7, uint64(len(body))), first)...)
	stream = append(stream, sender.sealFrame(headerData(t, 0, 7), second)...)

	got, err := receiver.Deframe(stream[:len(stream)-1])
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = receiver.Deframe(stream[len(stream)-1:])
	require.NoError(t, err)
	requireMessage(t, wire.Message{Code: 0x21, Payload: payload}, got)
}

func TestDeframeChunkContextMismatch(t *testing.T) {
	sender, receiver := newFramerPair(t)
	body := append(rlpCode(t, 0x21), bytes.Repeat([]byte{1}, 64)...)

	var stream []byte
	stream = append(stream, sender.sealFrame(headerData(t, 0, 7, uint64(len(body))), body[:16])...)
	stream = append(stream, sender.sealFrame(headerData(t, 0, 8), body[16:])...)

	_, err := receiver.Deframe(stream)
	require.ErrorIs(t, err, ErrCorruptedFrame)
	require.False(t, errors.Is(err, ErrMACMismatch))
}

func TestDeframeChunkOverflow(t *testing.T) {
	sender, receiver := newFramerPair(t)
	body := append(rlpCode(t, 0x21), bytes.Repeat([]byte{1}, 64)...)

	_, err := receiver.Deframe(sender.sealFrame(headerData(t, 0, 1, 8), body))
	require.ErrorIs(t, err, ErrCorruptedFrame)
}

func TestCompressionRoundTrip(t *testing.T) {
	sender, receiver := newFramerPair(t)
	sender.EnableCompression()
	receiver.EnableCompression()
	require.True(t, sender.Compression())

	msg := wire.Message{Code: 0x13, Payload: bytes.Repeat([]byte("compressible "), 1000)}
	frame, err := sender.Frame(msg)
	require.NoError(t, err)
	require.Less(t, len(frame), len(msg.Payload))

	got, err := receiver.Deframe(frame)
	require.NoError(t, err)
	requireMessage(t, msg, got)

	_, err = sender.Frame(wire.Message{Code: 1, Payload: make([]byte, MaxMessageSize+1)})
	require.ErrorIs(t, err, ErrMessageTooLarge)
}

func TestDeframeCompressedGarbage(t *testing.T) {
	sender, receiver := newFramerPair(t)
	receiver.EnableCompression()

	frame, err := sender.Frame(wire.Message{Code: 1, Payload: []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}})
	require.NoError(t, err)
	_, err = receiver.Deframe(frame)
	require.ErrorIs(t, err, ErrCorruptedFrame)
}

func rlpCode(t *testing.T, code uint64) []byte {
	t.Helper()
	return rlp.AppendUint64(nil, code)
}

func headerData(t *testing.T, fields ...uint64) []byte {
	t.Helper()
	var content []byte
	for _, v := range fields {
		switch {
		case v == 0:
			content = append(content, 0x80)
		case v < 0x80:
			content = append(content, byte(v))
		default:
			require.Less(t, v, uint64(0x100))
			content = append(content, 0x81, byte(v))
		}
	}
	return append([]byte{0xc0 + byte(len(content))}, content...)
}
