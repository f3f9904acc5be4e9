package ggep

import "gwire/internal/errors"

// COBS (Consistent Overhead Byte Stuffing) lets a GGEP payload carry
// NUL bytes inside regions where NUL is a terminator. Each group is a
// code byte (distance to the next implied NUL, 1-255) followed by
// code-1 literal bytes; a code of 255 means a 254-byte run with no
// implied NUL.

// cobsEncode returns the stuffed form of b. The result never contains
// a zero byte.
func cobsEncode(b []byte) []byte {
	out := make([]byte, 0, len(b)+1+len(b)/254)

	for {
		run := len(b)
		for i, c := range b {
			if c == 0 {
				run = i
				break
			}
		}

		// A full 254-byte run takes the 0xFF code and consumes no NUL,
		// even when a NUL follows; the next group encodes it.
		if run >= 254 {
			run = 254
			out = append(out, 0xFF)
			out = append(out, b[:run]...)
			b = b[run:]

			continue
		}

		out = append(out, byte(run+1))
		out = append(out, b[:run]...)

		if run == len(b) {
			return out
		}

		b = b[run+1:] // skip the encoded NUL

		if len(b) == 0 {
			// Trailing NUL needs an explicit empty group.
			return append(out, 0x01)
		}
	}
}

// cobsDecode reverses cobsEncode. A zero code byte or a group running
// past the end of input is malformed.
func cobsDecode(b []byte) ([]byte, error) {
	out := make([]byte, 0, len(b))

	for len(b) > 0 {
		code := int(b[0])
		if code == 0 || code > len(b) {
			return nil, errors.ErrBadExtension
		}

		out = append(out, b[1:code]...)
		b = b[code:]

		if code < 0xFF && len(b) > 0 {
			out = append(out, 0)
		}
	}

	return out, nil
}
