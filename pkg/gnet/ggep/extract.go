package ggep

import (
	"net/netip"
	"time"
	"unicode/utf8"

	"gwire/pkg/gnet/vint"
)

// Status is the outcome of a typed extraction. Ok is the only status
// under which the output value is populated; on any other status the
// caller must discard the output, never trust a partial value.
type Status uint8

const (
	Ok Status = iota
	NotFound
	Invalid
	BadSize
	Duplicate
)

func (s Status) String() string {
	switch s {
	case Ok:
		return "ok"
	case NotFound:
		return "not found"
	case Invalid:
		return "invalid"
	case BadSize:
		return "bad size"
	case Duplicate:
		return "duplicate"
	}
	return "unknown"
}

// Hash payload marker bytes for the "H" extension.
const (
	hashSha1     = 0x01
	hashBitprint = 0x02

	Sha1Size = 20
	TTHSize  = 24
)

// Sha1 is an owned copy of a 20-byte SHA1 digest.
type Sha1 [Sha1Size]byte

// TTH is an owned copy of a 24-byte Tiger tree hash root.
type TTH [TTHSize]byte

// HSha1 extracts the SHA1 digest from an "H" payload. The marker byte
// selects SHA1 (21 bytes total) or bitprint (45 bytes: SHA1 then TTH);
// any other marker is NotFound, any length mismatch Invalid.
func HSha1(e Extension) (Sha1, Status) {
	var h Sha1

	if len(e.Payload) == 0 {
		return h, NotFound
	}

	switch e.Payload[0] {
	case hashSha1:
		if len(e.Payload) != 1+Sha1Size {
			return h, Invalid
		}
	case hashBitprint:
		if len(e.Payload) != 1+Sha1Size+TTHSize {
			return h, Invalid
		}
	default:
		return h, NotFound
	}

	copy(h[:], e.Payload[1:1+Sha1Size])

	return h, Ok
}

// HTth extracts the TTH root from an "H" bitprint payload. A plain
// SHA1 payload carries no TTH and yields NotFound.
func HTth(e Extension) (TTH, Status) {
	var h TTH

	if len(e.Payload) == 0 || e.Payload[0] != hashBitprint {
		return h, NotFound
	}

	if len(e.Payload) != 1+Sha1Size+TTHSize {
		return h, Invalid
	}

	copy(h[:], e.Payload[1+Sha1Size:])

	return h, Ok
}

// Filesize decodes an "LF" payload. Zero is not a valid file size, so
// both an empty payload and an encoded zero are Invalid.
func Filesize(e Extension) (uint64, Status) {
	if len(e.Payload) > 8 {
		return 0, BadSize
	}

	if len(e.Payload) == 0 {
		return 0, Invalid
	}

	v, err := vint.Decode(e.Payload)
	if err != nil || v == 0 {
		return 0, Invalid
	}

	return v, Ok
}

// Uint32 decodes a payload holding at most 4 stripped bytes. Zero is
// accepted; a longer payload is BadSize.
func Uint32(e Extension) (uint32, Status) {
	if len(e.Payload) > 4 {
		return 0, BadSize
	}

	v, err := vint.Decode(e.Payload)
	if err != nil {
		return 0, Invalid
	}

	return uint32(v), Ok
}

// DU decodes a daily-uptime payload in seconds. Zero uptime is valid.
func DU(e Extension) (uint32, Status) {
	return Uint32(e)
}

// CT decodes a creation timestamp. Zero maps to the Unix epoch and is
// accepted; a payload beyond 8 bytes is BadSize.
func CT(e Extension) (time.Time, Status) {
	if len(e.Payload) > 8 {
		return time.Time{}, BadSize
	}

	v, err := vint.Decode(e.Payload)
	if err != nil {
		return time.Time{}, Invalid
	}

	return time.Unix(int64(v), 0), Ok
}

const (
	ipv4EntrySize = 6  // 4 address + 2 port
	ipv6EntrySize = 18 // 16 address + 2 port

	// maxVecEntries caps a vector at what a single count byte can
	// describe elsewhere in the protocol.
	maxVecEntries = 255
)

// AddrPort is one alternate-location or push-proxy endpoint.
type AddrPort struct {
	Addr netip.Addr
	Port uint16
}

// AddrVec is an ordered address vector partitioned by family, owned
// by its embedding record. The optional TLS bitmap marks entries of
// the IPv4 partition known to speak TLS.
type AddrVec struct {
	V4  []AddrPort
	V6  []AddrPort
	TLS []bool // parallel to V4 when present
}

// Len returns the total number of entries across both families.
func (v *AddrVec) Len() int {
	return len(v.V4) + len(v.V6)
}

// AltV4 extracts an IPv4 address vector ("ALT"/"PUSH") into vec. The
// payload must be an exact multiple of 6 bytes: big-endian address,
// little-endian port. Extracting twice into the same vector is a
// Duplicate, not a merge.
func AltV4(e Extension, vec *AddrVec) Status {
	if len(e.Payload) == 0 || len(e.Payload)%ipv4EntrySize != 0 {
		return Invalid
	}

	n := len(e.Payload) / ipv4EntrySize
	if n > maxVecEntries {
		n = maxVecEntries
	}

	if len(vec.V4) != 0 {
		return Duplicate
	}

	vec.V4 = make([]AddrPort, 0, n)
	for i := 0; i < n; i++ {
		rec := e.Payload[i*ipv4EntrySize:]

		var a [4]byte
		copy(a[:], rec[:4])

		vec.V4 = append(vec.V4, AddrPort{
			Addr: netip.AddrFrom4(a),
			Port: uint16(rec[4]) | uint16(rec[5])<<8,
		})
	}

	return Ok
}

// AltV6 extracts an IPv6 address vector ("ALT6"/"PUSH6") into vec,
// 18 bytes per entry. Same duplicate and size rules as AltV4.
func AltV6(e Extension, vec *AddrVec) Status {
	if len(e.Payload) == 0 || len(e.Payload)%ipv6EntrySize != 0 {
		return Invalid
	}

	n := len(e.Payload) / ipv6EntrySize
	if n > maxVecEntries {
		n = maxVecEntries
	}

	if len(vec.V6) != 0 {
		return Duplicate
	}

	vec.V6 = make([]AddrPort, 0, n)
	for i := 0; i < n; i++ {
		rec := e.Payload[i*ipv6EntrySize:]

		var a [16]byte
		copy(a[:], rec[:16])

		vec.V6 = append(vec.V6, AddrPort{
			Addr: netip.AddrFrom16(a),
			Port: uint16(rec[16]) | uint16(rec[17])<<8,
		})
	}

	return Ok
}

// AltTLS applies an "ALT_TLS" bitmap to the IPv4 partition of vec.
// Bit i (MSB first) marks vec.V4[i] as TLS-capable. A bitmap longer
// than needed for the vector is Invalid.
func AltTLS(e Extension, vec *AddrVec) Status {
	if len(vec.V4) == 0 {
		return NotFound
	}

	need := (len(vec.V4) + 7) / 8
	if len(e.Payload) == 0 || len(e.Payload) > need {
		return Invalid
	}

	vec.TLS = make([]bool, len(vec.V4))
	for i := range vec.V4 {
		byteIdx := i / 8
		if byteIdx >= len(e.Payload) {
			break
		}

		vec.TLS[i] = e.Payload[byteIdx]&(0x80>>(i%8)) != 0
	}

	return Ok
}

// IPv6Addr extracts a bare advertised IPv6 address ("GTKG.IPV6"). An
// empty payload merely signals IPv6 support with no address.
func IPv6Addr(e Extension) (netip.Addr, Status) {
	if len(e.Payload) == 0 {
		return netip.Addr{}, NotFound
	}

	if len(e.Payload) != 16 {
		return netip.Addr{}, Invalid
	}

	var a [16]byte
	copy(a[:], e.Payload)

	return netip.AddrFrom16(a), Ok
}

// Hostname copies a textual hostname of at most max bytes out of an
// "HNAME" payload, stopping at the first NUL. Oversized payloads,
// invalid UTF-8 and bare IP literals are all Invalid: a hostname must
// be a name.
func Hostname(e Extension, max int) (string, Status) {
	p := e.Payload
	if i := indexNul(p); i >= 0 {
		p = p[:i]
	}

	if len(p) == 0 {
		return "", NotFound
	}

	if len(p) > max-1 {
		return "", Invalid
	}

	if !utf8.Valid(p) {
		return "", Invalid
	}

	s := string(p)
	if _, err := netip.ParseAddr(s); err == nil {
		return "", Invalid
	}

	return s, Ok
}

func indexNul(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// Version is a decoded "GTKGV" client version descriptor.
type Version struct {
	Major    uint8
	Minor    uint8
	Patch    uint8
	Revision uint8 // revchar ('u' unstable, 'b' beta, 0 release)
	Release  time.Time
	Build    uint32
}

// gtkgvMinSize covers version 0 of the descriptor: a format byte,
// three version bytes, a revchar, a 4-byte release date and a 4-byte
// build number.
const gtkgvMinSize = 13

// GTKGV decodes a version descriptor. The format is forward
// compatible: payloads longer than the known layout are accepted and
// the surplus skipped, and any number of trailing flag-extension
// bytes (high bit set means another follows) may be present.
func GTKGV(e Extension) (Version, Status) {
	var v Version

	if len(e.Payload) == 0 {
		return v, NotFound
	}

	if len(e.Payload) < gtkgvMinSize {
		return v, Invalid
	}

	p := e.Payload

	v.Major = p[1]
	v.Minor = p[2]
	v.Patch = p[3]
	v.Revision = p[4]

	secs := uint32(p[5])<<24 | uint32(p[6])<<16 | uint32(p[7])<<8 | uint32(p[8])
	v.Release = time.Unix(int64(secs), 0)
	v.Build = uint32(p[9])<<24 | uint32(p[10])<<16 | uint32(p[11])<<8 | uint32(p[12])

	// Bytes past the fixed fields are flag extensions (high bit set
	// means another follows) and future fields; none are decoded.

	return v, Ok
}
