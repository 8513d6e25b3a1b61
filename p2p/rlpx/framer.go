package rlpx

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/golang/snappy"

	"rlpxnet/p2p/wire"
)

const (
	// MaxMessageSize is the largest frame body the 24-bit length field can carry.
	MaxMessageSize = 0xFFFFFF

	headerSize = 16
	macSize    = 16
	frameAlign = 16

	// FrameOverhead is the encoded size of an empty frame body.
	FrameOverhead = headerSize + macSize + macSize
)

// zeroHeader is the header data of a single-frame message: rlp([0, 0]).
var zeroHeader = []byte{0xC2, 0x80, 0x80}

// Framer encodes messages into authenticated RLPx frames and reassembles
// messages from an incrementally received byte stream.
//
// The two directions are independent: Frame may run concurrently with Deframe,
// but Frame calls must be serialized with each other, and so must Deframe
// calls. Frames must be decoded in exactly the order they were produced.
type Framer struct {
	secrets   *Secrets
	macCipher cipher.Block
	enc       cipher.Stream
	dec       cipher.Stream
	compress  bool

	buf    []byte
	header *frameHeader
	chunk  *chunkState
	err    error
}

type frameHeader struct {
	bodySize   int
	protocolID uint64
	contextID  uint64
	totalSize  uint64
	first      bool
}

type chunkState struct {
	contextID uint64
	totalSize uint64
	data      []byte
}

// NewFramer creates the codec for one connection. The AES streams use an
// all-zero IV because the key is ephemeral.
func NewFramer(secrets *Secrets) (*Framer, error) {
	if secrets == nil {
		return nil, fmt.Errorf("%w: nil secrets", ErrInvalidKeyMaterial)
	}
	encBlock, err := aes.NewCipher(secrets.aesKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	macBlock, err := aes.NewCipher(secrets.macSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeyMaterial, err)
	}
	iv := make([]byte, encBlock.BlockSize())
	return &Framer{
		secrets:   secrets,
		macCipher: macBlock,
		enc:       cipher.NewCTR(encBlock, iv),
		dec:       cipher.NewCTR(encBlock, iv),
	}, nil
}

// EnableCompression switches both directions to snappy-compressed payloads.
// It must be called before any frame is exchanged after the Hello messages.
func (f *Framer) EnableCompression() {
	f.compress = true
}

// Compression reports whether payload compression is on.
func (f *Framer) Compression() bool {
	return f.compress
}

// Buffered returns the number of received bytes not yet consumed.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Frame encodes msg into a single frame. The message is rejected, and no
// egress state consumed, when its body does not fit the length field.
func (f *Framer) Frame(msg wire.Message) ([]byte, error) {
	payload := msg.Payload
	if f.compress {
		if len(payload) > MaxMessageSize {
			return nil, fmt.Errorf("%w: uncompressed payload of %d bytes", ErrMessageTooLarge, len(payload))
		}
		payload = snappy.Encode(nil, payload)
	}
	code := rlp.AppendUint64(nil, msg.Code)
	size := len(code) + len(payload)
	if size > MaxMessageSize {
		return nil, fmt.Errorf("%w: frame body of %d bytes", ErrMessageTooLarge, size)
	}
	body := make([]byte, size)
	n := copy(body, code)
	copy(body[n:], payload)
	return f.sealFrame(zeroHeader, body), nil
}

// sealFrame encrypts and authenticates one frame carrying headerData.
func (f *Framer) sealFrame(headerData, body []byte) []byte {
	padded := paddedSize(len(body))
	out := make([]byte, headerSize+macSize+padded+macSize)

	header := out[:headerSize]
	putUint24(uint32(len(body)), header)
	copy(header[3:], headerData)
	f.enc.XORKeyStream(header, header)
	copy(out[headerSize:], f.seedMAC(f.secrets.EgressDigest(), header, f.secrets.UpdateEgress))

	frame := out[headerSize+macSize : headerSize+macSize+padded]
	copy(frame, body)
	f.enc.XORKeyStream(frame, frame)
	digest := f.secrets.UpdateEgress(frame)
	copy(out[headerSize+macSize+padded:], f.seedMAC(digest, digest, f.secrets.UpdateEgress))
	return out
}

// Deframe appends in to the codec's receive buffer and returns the next
// complete message, or nil when more input is needed. The codec takes over the
// bytes of in; callers drain further buffered messages with Deframe(nil).
//
// Errors are fatal: once one is returned every later call returns it too.
func (f *Framer) Deframe(in []byte) (*wire.Message, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(in) > 0 {
		f.buf = append(f.buf, in...)
	}
	for {
		if f.header == nil {
			if len(f.buf) < headerSize+macSize {
				f.compact()
				return nil, nil
			}
			hdr, err := f.openHeader(f.buf[:headerSize+macSize])
			if err != nil {
				return nil, f.fail(err)
			}
			f.header = hdr
			f.buf = f.buf[headerSize+macSize:]
		}

		need := paddedSize(f.header.bodySize) + macSize
		if len(f.buf) < need {
			f.compact()
			return nil, nil
		}
		hdr := f.header
		body, err := f.openBody(f.buf[:need], hdr.bodySize)
		if err != nil {
			return nil, f.fail(err)
		}
		f.header = nil
		f.buf = f.buf[need:]

		msg, err := f.assemble(hdr, body)
		if err != nil {
			return nil, f.fail(err)
		}
		if msg != nil {
			f.compact()
			return msg, nil
		}
	}
}

func (f *Framer) openHeader(raw []byte) (*frameHeader, error) {
	ciphertext := raw[:headerSize]
	want := f.seedMAC(f.secrets.IngressDigest(), ciphertext, f.secrets.UpdateIngress)
	if !hmac.Equal(want, raw[headerSize:]) {
		return nil, fmt.Errorf("%w: bad header mac", ErrMACMismatch)
	}
	plain := make([]byte, headerSize)
	f.dec.XORKeyStream(plain, ciphertext)

	hdr, err := parseHeaderData(plain[3:])
	if err != nil {
		return nil, err
	}
	hdr.bodySize = int(readUint24(plain))
	return hdr, nil
}

func (f *Framer) openBody(raw []byte, size int) ([]byte, error) {
	ciphertext := raw[:len(raw)-macSize]
	digest := f.secrets.UpdateIngress(ciphertext)
	want := f.seedMAC(digest, digest, f.secrets.UpdateIngress)
	if !hmac.Equal(want, raw[len(raw)-macSize:]) {
		return nil, fmt.Errorf("%w: bad frame mac", ErrMACMismatch)
	}
	plain := make([]byte, len(ciphertext))
	f.dec.XORKeyStream(plain, ciphertext)
	return plain[:size], nil
}

// assemble returns the completed message carried by body, or nil while a
// chunked message is still missing frames.
func (f *Framer) assemble(hdr *frameHeader, body []byte) (*wire.Message, error) {
	switch {
	case hdr.first:
		if f.chunk != nil {
			return nil, fmt.Errorf("%w: new chunked message (context %d) while context %d is open", ErrCorruptedFrame, hdr.contextID, f.chunk.contextID)
		}
		if hdr.totalSize > MaxMessageSize {
			return nil, fmt.Errorf("%w: chunked message of %d bytes", ErrCorruptedFrame, hdr.totalSize)
		}
		if uint64(len(body)) > hdr.totalSize {
			return nil, fmt.Errorf("%w: first chunk exceeds declared size", ErrCorruptedFrame)
		}
		data := make([]byte, 0, hdr.totalSize)
		f.chunk = &chunkState{contextID: hdr.contextID, totalSize: hdr.totalSize, data: append(data, body...)}
	case f.chunk != nil:
		if hdr.contextID != f.chunk.contextID {
			return nil, fmt.Errorf("%w: chunk for context %d while context %d is open", ErrCorruptedFrame, hdr.contextID, f.chunk.contextID)
		}
		if uint64(len(f.chunk.data)+len(body)) > f.chunk.totalSize {
			return nil, fmt.Errorf("%w: chunks exceed declared size", ErrCorruptedFrame)
		}
		f.chunk.data = append(f.chunk.data, body...)
	default:
		return f.decodeMessage(body)
	}
	if uint64(len(f.chunk.data)) < f.chunk.totalSize {
		return nil, nil
	}
	data := f.chunk.data
	f.chunk = nil
	return f.decodeMessage(data)
}

func (f *Framer) decodeMessage(body []byte) (*wire.Message, error) {
	code, payload, err := rlp.SplitUint64(body)
	if err != nil {
		return nil, fmt.Errorf("%w: message code: %v", ErrCorruptedFrame, err)
	}
	if f.compress {
		size, err := snappy.DecodedLen(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy length: %v", ErrCorruptedFrame, err)
		}
		if size > MaxMessageSize {
			return nil, fmt.Errorf("%w: %w", ErrCorruptedFrame, ErrMessageTooLarge)
		}
		payload, err = snappy.Decode(nil, payload)
		if err != nil {
			return nil, fmt.Errorf("%w: snappy: %v", ErrCorruptedFrame, err)
		}
	}
	return &wire.Message{Code: code, Payload: payload}, nil
}

// seedMAC folds the AES-encrypted digest prefix with seed into the MAC state
// via update and returns the first 16 bytes of the resulting digest.
func (f *Framer) seedMAC(digest, seed []byte, update func([]byte) []byte) []byte {
	buf := make([]byte, aes.BlockSize)
	f.macCipher.Encrypt(buf, digest)
	for i := range buf {
		buf[i] ^= seed[i]
	}
	return update(buf)[:macSize]
}

func (f *Framer) fail(err error) error {
	f.err = err
	f.buf = nil
	f.header = nil
	f.chunk = nil
	return err
}

func (f *Framer) compact() {
	switch {
	case len(f.buf) == 0:
		f.buf = nil
	case cap(f.buf) > 64*1024 && cap(f.buf) > 4*len(f.buf):
		f.buf = append([]byte(nil), f.buf...)
	}
}

// parseHeaderData reads rlp([capability-id, context-id, total-size]) where the
// trailing elements are optional. Padding after the list is ignored.
func parseHeaderData(data []byte) (*frameHeader, error) {
	s := rlp.NewStream(bytes.NewReader(data), uint64(len(data)))
	if _, err := s.List(); err != nil {
		return nil, fmt.Errorf("%w: header data: %v", ErrCorruptedFrame, err)
	}
	hdr := new(frameHeader)
	fields := []*uint64{&hdr.protocolID, &hdr.contextID, &hdr.totalSize}
	for i, field := range fields {
		v, err := s.Uint64()
		if errors.Is(err, rlp.EOL) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: header data: %v", ErrCorruptedFrame, err)
		}
		*field = v
		if i == 2 {
			hdr.first = true
		}
	}
	return hdr, nil
}

func paddedSize(n int) int {
	if rem := n % frameAlign; rem != 0 {
		return n + frameAlign - rem
	}
	return n
}

func readUint24(b []byte) uint32 {
	return uint32(b[2]) | uint32(b[1])<<8 | uint32(b[0])<<16
}

func putUint24(v uint32, b []byte) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}
