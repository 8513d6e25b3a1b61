package rlpx

import "errors"

var (
	// ErrInvalidKeyMaterial is returned when handshake output has the wrong width.
	ErrInvalidKeyMaterial = errors.New("rlpx: invalid key material")
	// ErrMessageTooLarge rejects messages whose frame body exceeds the 24-bit length field.
	ErrMessageTooLarge = errors.New("rlpx: message size in excess of maximum length")
	// ErrCorruptedFrame marks a frame that authenticated but cannot be interpreted.
	ErrCorruptedFrame = errors.New("rlpx: corrupted frame")
	// ErrMACMismatch marks a header or body whose MAC does not verify.
	ErrMACMismatch = errors.New("rlpx: mac mismatch")
)
