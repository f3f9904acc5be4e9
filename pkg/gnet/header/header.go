// Package header implements the fixed 23-byte Gnutella message header
// and the outbound message wrapper handed to the transmit queues.
package header

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"gwire/internal/errors"
)

// Function is the 1-byte message function code.
type Function uint8

// Gnutella function codes.
const (
	FuncPing     Function = 0x00
	FuncPong     Function = 0x01
	FuncBye      Function = 0x02
	FuncQRP      Function = 0x30
	FuncVendor   Function = 0x31
	FuncStandard Function = 0x32
	FuncPush     Function = 0x40
	FuncQuery    Function = 0x80
	FuncQueryHit Function = 0x81
)

var funcNames = map[Function]string{
	FuncPing:     "ping",
	FuncPong:     "pong",
	FuncBye:      "bye",
	FuncQRP:      "qrp",
	FuncVendor:   "vendor",
	FuncStandard: "vendor-std",
	FuncPush:     "push",
	FuncQuery:    "query",
	FuncQueryHit: "query-hit",
}

func (f Function) String() string {
	if s, ok := funcNames[f]; ok {
		return s
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(f))
}

// Size is the fixed header length: 16-byte MUID, function, TTL, hops
// and a 4-byte little-endian payload length.
const Size = 23

// MUID is the 16-byte message id correlating requests and replies.
// New ids are random UUIDs; OOB queries overwrite the address bytes.
type MUID [16]byte

// NewMUID returns a fresh random message id.
func NewMUID() MUID {
	return MUID(uuid.New())
}

func (m MUID) String() string {
	return uuid.UUID(m).String()
}

// Header is the decoded fixed header.
type Header struct {
	MUID       MUID
	Function   Function
	TTL        uint8
	Hops       uint8
	PayloadLen uint32
}

var (
	// ErrShortHeader indicates fewer than 23 bytes of input.
	ErrShortHeader = errors.New("header: fewer than 23 bytes")
	// ErrZeroTTL indicates a header that must not be sent.
	ErrZeroTTL = errors.New("header: zero TTL")
	// ErrLengthMismatch indicates a payload-length field inconsistent
	// with the delivered byte count.
	ErrLengthMismatch = errors.New("header: payload length does not match message size")
	// ErrTTLOverflow indicates TTL+hops above the configured hard limit.
	ErrTTLOverflow = errors.New("header: ttl+hops above hard limit")
)

// Parse decodes the first 23 bytes of b.
func Parse(b []byte) (Header, error) {
	if len(b) < Size {
		return Header{}, ErrShortHeader
	}

	var h Header

	copy(h.MUID[:], b[:16])
	h.Function = Function(b[16])
	h.TTL = b[17]
	h.Hops = b[18]
	h.PayloadLen = binary.LittleEndian.Uint32(b[19:23])

	return h, nil
}

// Marshal encodes h into a fresh 23-byte slice.
func (h Header) Marshal() []byte {
	b := make([]byte, Size)
	copy(b[:16], h.MUID[:])
	b[16] = byte(h.Function)
	b[17] = h.TTL
	b[18] = h.Hops
	binary.LittleEndian.PutUint32(b[19:23], h.PayloadLen)

	return b
}

// Validate checks a locally constructed header against the size of
// the full message about to be sent. hardTTL bounds TTL+hops; pass 0
// to skip that check.
func Validate(h Header, totalSize int, hardTTL uint8) error {
	if h.TTL == 0 {
		return ErrZeroTTL
	}

	if totalSize < Size {
		return ErrLengthMismatch
	}

	if h.PayloadLen != uint32(totalSize-Size) {
		return ErrLengthMismatch
	}

	if hardTTL != 0 && uint16(h.TTL)+uint16(h.Hops) > uint16(hardTTL) {
		return ErrTTLOverflow
	}

	return nil
}

// MustValidate panics on an invalid header. Headers at the send
// boundary are always built locally; a failure here is a programming
// error, never wire input.
func MustValidate(h Header, totalSize int, hardTTL uint8) {
	if err := Validate(h, totalSize, hardTTL); err != nil {
		panic(fmt.Sprintf("header: invalid outbound %s message: %v", h.Function, err))
	}
}
