// Package vint implements the GGEP variable-length integer encoding:
// little-endian with all trailing zero bytes stripped. The empty slice
// is a valid encoding of zero, and no encoding is longer than 8 bytes.
package vint

import "errors"

// MaxLen is the longest valid encoding. Anything longer cannot be a
// stripped little-endian uint64.
const MaxLen = 8

// ErrTooLong indicates an encoding longer than 8 bytes.
var ErrTooLong = errors.New("vint: encoding longer than 8 bytes")

// Decode interprets b as a little-endian integer with trailing zeros
// stripped. Decoding the empty slice yields 0.
func Decode(b []byte) (uint64, error) {
	if len(b) > MaxLen {
		return 0, ErrTooLong
	}

	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}

	return v, nil
}

// Encode writes v as little-endian bytes with trailing zeros stripped.
// Encode(0) returns an empty (nil) slice.
func Encode(v uint64) []byte {
	if v == 0 {
		return nil
	}

	b := make([]byte, 0, MaxLen)
	for v != 0 {
		b = append(b, byte(v))
		v >>= 8
	}

	return b
}

// Append is like Encode but appends to dst, avoiding an allocation
// when the caller already holds a buffer.
func Append(dst []byte, v uint64) []byte {
	for v != 0 {
		dst = append(dst, byte(v))
		v >>= 8
	}

	return dst
}
