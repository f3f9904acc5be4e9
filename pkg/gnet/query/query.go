// Package query builds outbound search requests. The 2-byte "speed"
// field is kept bit-exact on the wire but decoded into a structured
// Flags value at the boundary; only the serializer touches raw bits.
package query

import (
	"encoding/base32"
	"encoding/binary"
	"math/rand"
	"net/netip"

	"gwire/internal/errors"
	"gwire/pkg/gnet/ggep"
	"gwire/pkg/gnet/header"
)

// Speed bit-field layout. The mark bit says the remaining bits are
// structured capability flags rather than a legacy speed value.
const (
	speedMark       = 0x8000
	speedFirewalled = 0x4000
	speedXML        = 0x2000
	speedLeafGuided = 0x1000
	speedGGEPH      = 0x0800
	speedOOB        = 0x0400
)

// Flags is the decoded speed bit-field of a query.
type Flags struct {
	Firewalled bool
	WantsXML   bool
	LeafGuided bool
	GGEPH      bool
	OOB        bool
}

// Encode packs the flags into the wire speed field, mark bit set.
func (f Flags) Encode() uint16 {
	v := uint16(speedMark)

	if f.Firewalled {
		v |= speedFirewalled
	}
	if f.WantsXML {
		v |= speedXML
	}
	if f.LeafGuided {
		v |= speedLeafGuided
	}
	if f.GGEPH {
		v |= speedGGEPH
	}
	if f.OOB {
		v |= speedOOB
	}

	return v
}

// DecodeSpeed interprets a wire speed field. Without the mark bit the
// field is a legacy speed value and carries no flags.
func DecodeSpeed(v uint16) Flags {
	if v&speedMark == 0 {
		return Flags{}
	}

	return Flags{
		Firewalled: v&speedFirewalled != 0,
		WantsXML:   v&speedXML != 0,
		LeafGuided: v&speedLeafGuided != 0,
		GGEPH:      v&speedGGEPH != 0,
		OOB:        v&speedOOB != 0,
	}
}

// Request describes the search to build.
type Request struct {
	// Text is the query string; ignored when Sha1 is set.
	Text string
	// Sha1, when non-nil, makes this an exact urn:sha1 lookup.
	Sha1 *ggep.Sha1
	// Flags are the capability bits for the speed field. The OOB bit
	// is only honored if OOBAddr is a valid, reachable IPv4 endpoint.
	Flags Flags
	// OOBAddr is the locally known return address for out-of-band
	// replies.
	OOBAddr netip.AddrPort
	// TTL is the base TTL; zero picks the default.
	TTL uint8
	// UltrapeerRelay adds random hop jitter, hiding the true origin
	// distance from relayed traffic observers.
	UltrapeerRelay bool
}

const (
	defaultTTL   = 4
	maxJitterTTL = 2

	// minSpeedSize is the fixed prefix of a query payload.
	minSpeedSize = 2
)

var (
	// ErrEmptyQuery indicates a request with neither text nor SHA1.
	ErrEmptyQuery = errors.New("query: empty request")
	// ErrShortPayload indicates a payload too small to carry a speed
	// field.
	ErrShortPayload = errors.New("query: payload shorter than speed field")
)

var base32Enc = base32.StdEncoding.WithPadding(base32.NoPadding)

// Build serializes a search request into an outbound message. OOB
// requests additionally tag the MUID with the return address; when
// the address is unusable the OOB bit is cleared instead of sending
// an uncorrelatable request.
func Build(req Request) (*header.Message, error) {
	if req.Text == "" && req.Sha1 == nil {
		return nil, ErrEmptyQuery
	}

	flags := req.Flags

	muid := header.NewMUID()
	if flags.OOB {
		if oobAddrUsable(req.OOBAddr) {
			TagOOB(&muid, req.OOBAddr)
		} else {
			flags.OOB = false
		}
	}

	payload := make([]byte, minSpeedSize, minSpeedSize+len(req.Text)+2)
	binary.BigEndian.PutUint16(payload, flags.Encode())

	if req.Sha1 != nil {
		payload = append(payload, '\\')
		payload = append(payload, 0)
		payload = append(payload, "urn:sha1:"...)
		payload = append(payload, base32Enc.EncodeToString(req.Sha1[:])...)
	} else {
		payload = append(payload, req.Text...)
	}

	payload = append(payload, 0)

	h := header.Header{
		MUID:       muid,
		Function:   header.FuncQuery,
		TTL:        pickTTL(req),
		Hops:       0,
		PayloadLen: uint32(len(payload)),
	}

	return header.Wrap(h, payload, header.PriorityData), nil
}

func pickTTL(req Request) uint8 {
	ttl := req.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}

	if req.UltrapeerRelay {
		ttl += uint8(rand.Intn(maxJitterTTL + 1))
	}

	return ttl
}

// oobAddrUsable rejects unspecified, loopback and portless endpoints:
// an OOB reply could never reach them.
func oobAddrUsable(ap netip.AddrPort) bool {
	a := ap.Addr()

	return a.Is4() && a.IsValid() && ap.Port() != 0 &&
		!a.IsUnspecified() && !a.IsLoopback() && !a.IsPrivate()
}

// TagOOB writes the requester's IPv4 address into MUID bytes 0-3 and
// the port, little-endian, into bytes 13-14, so an out-of-band hit
// can be correlated without a side channel.
func TagOOB(m *header.MUID, ap netip.AddrPort) {
	a := ap.Addr().As4()
	copy(m[0:4], a[:])
	m[13] = byte(ap.Port())
	m[14] = byte(ap.Port() >> 8)
}

// OOBAddr recovers the return endpoint from a tagged MUID.
func OOBAddr(m header.MUID) netip.AddrPort {
	var a [4]byte
	copy(a[:], m[0:4])

	port := uint16(m[13]) | uint16(m[14])<<8

	return netip.AddrPortFrom(netip.AddrFrom4(a), port)
}

// SetOOBFlag patches the speed field of an already-serialized query
// payload to request OOB delivery.
func SetOOBFlag(payload []byte) error {
	return patchSpeed(payload, func(v uint16) uint16 { return v | speedOOB })
}

// StripOOBFlag clears the OOB bit in a serialized query payload. A
// relay uses it to revoke a request it judges unsafe, e.g. when the
// claimed return address does not match the known sender.
func StripOOBFlag(payload []byte) error {
	return patchSpeed(payload, func(v uint16) uint16 { return v &^ speedOOB })
}

func patchSpeed(payload []byte, f func(uint16) uint16) error {
	if len(payload) < minSpeedSize {
		return ErrShortPayload
	}

	binary.BigEndian.PutUint16(payload, f(binary.BigEndian.Uint16(payload)))

	return nil
}
