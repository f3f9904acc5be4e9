package qhit

import (
	"encoding/base32"
	"encoding/binary"
	"net/netip"

	"gwire/internal/errors"
	"gwire/internal/logger"
	"gwire/internal/stats"
	"gwire/pkg/gnet/ggep"
)

const (
	// fixedHeaderSize covers num_recs, port, address and speed.
	fixedHeaderSize = 11
	// guidSize is the trailing servent GUID.
	guidSize = 16
	// minPacketSize is the smallest structurally possible hit packet.
	minPacketSize = fixedHeaderSize + guidSize

	recFixedSize = 8 // index + size, both 32-bit

	maxHostname = 256
)

// Known vendor codes. Trailers from vendors outside this set get the
// silent-ignore treatment on unrecognized open-data sizes; known
// vendors get a drift log line instead.
var knownVendors = map[string]bool{
	"GTKG": true,
	"LIME": true,
	"BEAR": true,
	"RAZA": true,
	"GNUC": true,
	"SHAR": true,
	"GNOT": true,
	"ACQX": true,
}

// Open-data flag bits of the common 2-byte trailer encoding.
const (
	odPush     = 0x01
	odBusy     = 0x04
	odUploaded = 0x08
	odSpeed    = 0x10
	odGGEP     = 0x20
)

// ErrHostileAddr rejects a hit advertised from a hostile-listed host.
var ErrHostileAddr = errors.New("qhit: advertised address is hostile")

// Source describes how the packet arrived.
type Source struct {
	FromUDP bool
	UDPAddr netip.Addr // sender address for UDP delivery
}

// Parser decodes Query Hit payloads. All collaborator fields are
// optional; a zero Parser parses with no address policy, no push
// knowledge and no geolocation.
type Parser struct {
	Hostiles HostileChecker
	Pushless PushlessGUIDs
	Geo      GeoResolver
	Stats    *stats.Counters
}

func (p *Parser) counters() *stats.Counters {
	if p.Stats != nil {
		return p.Stats
	}
	return stats.Default()
}

func (p *Parser) hostile(a netip.Addr) bool {
	return p.Hostiles != nil && p.Hostiles.Hostile(a)
}

// Parse decodes the payload of a Query Hit message (the bytes after
// the 23-byte Gnutella header). It returns a fully built ResultSet or
// an error; a non-nil error means the whole packet is dropped and no
// partial records are ever exposed.
func (p *Parser) Parse(payload []byte, src Source) (*ResultSet, error) {
	st := p.counters()

	if len(payload) < minPacketSize {
		st.BadPackets.Add(1)
		return nil, errors.NewStructural(errors.ErrTooSmall, "query-hit")
	}

	rs := &ResultSet{}

	numRecs := int(payload[0])
	rs.Port = binary.LittleEndian.Uint16(payload[1:3])

	var a4 [4]byte
	copy(a4[:], payload[3:7])
	rs.Addr = netip.AddrFrom4(a4)
	rs.Speed = binary.LittleEndian.Uint32(payload[7:11])

	copy(rs.GUID[:], payload[len(payload)-guidSize:])

	if src.FromUDP {
		rs.Status |= StFromUDP
		rs.UDPAddr = src.UDPAddr

		if src.UDPAddr.IsValid() && src.UDPAddr != rs.Addr && !rs.Addr.IsPrivate() {
			rs.Status |= StSpoofedUDP
			st.UDPAddrMismatch.Add(1)
		}
	}

	// Address policy: hostile hosts are dropped whole, private and
	// bogus addresses only taint the flags.
	if p.hostile(rs.Addr) {
		st.BadPackets.Add(1)
		logger.Dropf("query-hit: hostile source %v", rs.Addr)

		return nil, errors.NewPolicyDrop(ErrHostileAddr, "query-hit")
	}

	if rs.Addr.IsPrivate() || rs.Addr.IsLoopback() {
		rs.Status |= StFirewall
	}

	if rs.Port == 0 || bogusAddr(rs.Addr) {
		rs.Status |= StBogus | StFirewall
	}

	var sha1Errors int

	// Exactly numRecs records must fit before the GUID; parseRecord
	// fails with ErrBadResultCount when the region runs out first.
	rest := payload[fixedHeaderSize : len(payload)-guidSize]
	for i := 0; i < numRecs; i++ {
		rec, remain, err := p.parseRecord(rest, &sha1Errors)
		if err != nil {
			st.BadPackets.Add(1)
			return nil, err
		}

		rs.Records = append(rs.Records, rec)
		rest = remain
	}

	// Whatever sits between the last record and the GUID is the
	// vendor trailer.
	if len(rest) > 0 {
		p.parseTrailer(rs, rest)
	}

	// A malformed hash anywhere is evidence of a malicious or badly
	// broken sender; drop the whole packet now that the vendor is
	// known for accounting.
	if sha1Errors > 0 {
		st.Sha1Errors.Add(uint64(sha1Errors))
		st.BadPackets.Add(1)

		return nil, errors.NewStructural(errors.ErrMalformedSha1, "query-hit/"+rs.Vendor)
	}

	p.finalize(rs)

	return rs, nil
}

// parseRecord reads one result record off b and returns the remainder.
func (p *Parser) parseRecord(b []byte, sha1Errors *int) (*Record, []byte, error) {
	if len(b) < recFixedSize {
		return nil, nil, errors.NewStructural(errors.ErrBadResultCount, "query-hit record")
	}

	rec := &Record{
		Index: binary.LittleEndian.Uint32(b[0:4]),
		Size:  uint64(binary.LittleEndian.Uint32(b[4:8])),
	}
	b = b[recFixedSize:]

	nameEnd := indexNul(b)
	if nameEnd < 0 {
		return nil, nil, errors.NewStructural(errors.ErrBadResultCount, "query-hit record")
	}

	rec.Name = string(b[:nameEnd])
	b = b[nameEnd+1:]

	// A second NUL immediately after the name ends the record with no
	// tag; otherwise everything up to the next NUL is the tag region.
	if len(b) == 0 {
		return nil, nil, errors.NewStructural(errors.ErrBadResultCount, "query-hit record")
	}

	if b[0] == 0 {
		return rec, b[1:], nil
	}

	tagEnd := indexNul(b)
	if tagEnd < 0 {
		return nil, nil, errors.NewStructural(errors.ErrBadResultCount, "query-hit record")
	}

	p.parseTag(rec, b[:tagEnd], sha1Errors)

	return rec, b[tagEnd+1:], nil
}

var base32Enc = base32.StdEncoding.WithPadding(base32.NoPadding)

const (
	sha1Base32Len = 32 // 20 bytes
	tthBase32Len  = 39 // 24 bytes
)

// parseTag decodes the nested extension list of one record: legacy
// HUGE urn tokens mixed with GGEP extensions.
func (p *Parser) parseTag(rec *Record, tag []byte, sha1Errors *int) {
	st := p.counters()

	exts, err := ggep.ParseBlock(tag)
	if err != nil {
		st.BadGgepExtensions.Add(1)
		logger.Debugf("query-hit: bad extension in record %q: %v", rec.Name, err)
	}

	for _, e := range exts {
		switch e.Token {
		case ggep.TokenH:
			sha1, status := ggep.HSha1(e)
			switch status {
			case ggep.Ok:
				p.setSha1(rec, sha1, sha1Errors)

				if tth, s := ggep.HTth(e); s == ggep.Ok {
					t := tth
					rec.Tth = &t
				}
			case ggep.NotFound:
				// unknown hash marker, fine
			default:
				*sha1Errors++
			}

		case ggep.TokenUrnSha1:
			p.parseUrnSha1(rec, e.Payload, sha1Errors)

		case ggep.TokenUrnBitprint:
			p.parseUrnBitprint(rec, e.Payload, sha1Errors)

		case ggep.TokenALT:
			if s := ggep.AltV4(e, &rec.Alt); s != ggep.Ok {
				st.BadGgepExtensions.Add(1)
			}

		case ggep.TokenALT6:
			if s := ggep.AltV6(e, &rec.Alt); s != ggep.Ok {
				st.BadGgepExtensions.Add(1)
			}

		case ggep.TokenALTTLS:
			if s := ggep.AltTLS(e, &rec.Alt); s != ggep.Ok && s != ggep.NotFound {
				st.BadGgepExtensions.Add(1)
			}

		case ggep.TokenLF:
			if size, s := ggep.Filesize(e); s == ggep.Ok {
				rec.Size = size
			} else {
				st.BadGgepExtensions.Add(1)
			}

		case ggep.TokenLimeXML:
			if len(e.Payload) > 0 && rec.XML == nil {
				rec.XML = append([]byte(nil), e.Payload...)
			}

		case ggep.TokenText:
			if rec.Tag == "" && len(e.Payload) > 0 {
				rec.Tag = string(e.Payload)
			}
		}
	}
}

func (p *Parser) parseUrnSha1(rec *Record, b []byte, sha1Errors *int) {
	if len(b) < sha1Base32Len {
		*sha1Errors++
		return
	}

	var sha1 ggep.Sha1
	if !decodeBase32(sha1[:], b[:sha1Base32Len]) {
		*sha1Errors++
		return
	}

	p.setSha1(rec, sha1, sha1Errors)
}

func (p *Parser) parseUrnBitprint(rec *Record, b []byte, sha1Errors *int) {
	// urn:bitprint: is SHA1, a dot, then the TTH root.
	if len(b) < sha1Base32Len+1+tthBase32Len || b[sha1Base32Len] != '.' {
		*sha1Errors++
		return
	}

	var sha1 ggep.Sha1
	if !decodeBase32(sha1[:], b[:sha1Base32Len]) {
		*sha1Errors++
		return
	}

	p.setSha1(rec, sha1, sha1Errors)

	var tth ggep.TTH
	if decodeBase32(tth[:], b[sha1Base32Len+1:sha1Base32Len+1+tthBase32Len]) {
		rec.Tth = &tth
	}
}

// setSha1 installs a hash on the record, last writer wins. Conflicting
// sources are tolerated but counted; degenerate values count as
// errors.
func (p *Parser) setSha1(rec *Record, sha1 ggep.Sha1, sha1Errors *int) {
	if improbableSha1(sha1) {
		*sha1Errors++
		return
	}

	if rec.Sha1 != nil && *rec.Sha1 != sha1 {
		rec.Flags |= RecMultipleSha1
		p.counters().MultipleSha1.Add(1)
	}

	h := sha1
	rec.Sha1 = &h
}

// improbableSha1 flags well-known degenerate digests: a real SHA1 is
// never a single repeated byte.
func improbableSha1(h ggep.Sha1) bool {
	for _, c := range h[1:] {
		if c != h[0] {
			return false
		}
	}

	return true
}

func decodeBase32(dst, src []byte) bool {
	buf := make([]byte, base32Enc.DecodedLen(len(src)))

	n, err := base32Enc.Decode(buf, toUpperASCII(src))
	if err != nil || n < len(dst) {
		return false
	}

	copy(dst, buf[:len(dst)])

	return true
}

func toUpperASCII(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if 'a' <= c && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}

	return out
}

// parseTrailer interprets the vendor trailer: 4-byte vendor code, an
// open-data size byte, that many open-data bytes, then private data.
// A trailer that does not fit is treated as no trailer at all.
func (p *Parser) parseTrailer(rs *ResultSet, b []byte) {
	st := p.counters()

	if len(b) < 5 {
		st.UnknownTrailers.Add(1)
		logger.Debugf("query-hit: trailer too short (%d bytes), ignoring", len(b))

		return
	}

	vendor := string(b[0:4])
	openSize := int(b[4])

	if 5+openSize > len(b) {
		st.UnknownTrailers.Add(1)
		logger.Debugf("query-hit: trailer open-data size %d overflows %d remaining bytes, ignoring",
			openSize, len(b)-5)

		return
	}

	rs.Vendor = vendor
	open := b[5 : 5+openSize]
	private := b[5+openSize:]

	switch {
	case openSize == 1:
		// Legacy encoding: a single status byte, only the push bit.
		if open[0]&odPush != 0 {
			rs.Status |= StFirewall
		}
	case openSize == 2:
		p.applyOpenData(rs, open[0], open[1])
	default:
		// Any other size is an unrecognized encoding and is never
		// interpreted: known vendors drifting from the recognized
		// encodings get a log line, unknown vendors stay silent.
		if knownVendors[vendor] {
			logger.Warnf("query-hit: vendor %s sent unrecognized open-data size %d", vendor, openSize)
		}

		st.UnknownTrailers.Add(1)
	}

	if rs.Status&StGGEP != 0 && len(private) > 0 {
		p.parseGgepTrailer(rs, private)
	}
}

// applyOpenData decodes the 2-byte flags/enabler-mask pair. A bit is
// meaningful only when set in the mask byte; the push bit lives in
// the flags byte alone.
func (p *Parser) applyOpenData(rs *ResultSet, flags, mask byte) {
	if flags&odPush != 0 {
		rs.Status |= StFirewall
	}

	if mask&odBusy != 0 && flags&odBusy != 0 {
		rs.Status |= StBusy
	}

	if mask&odUploaded != 0 && flags&odUploaded != 0 {
		rs.Status |= StUploaded
	}

	if mask&odSpeed != 0 && flags&odSpeed != 0 {
		rs.Status |= StMeasuredSpeed
	}

	if mask&odGGEP != 0 && flags&odGGEP != 0 {
		rs.Status |= StGGEP
	}
}

// parseGgepTrailer decodes the private-data extension list of the
// trailer. Every failure here is per-extension and non-fatal.
func (p *Parser) parseGgepTrailer(rs *ResultSet, b []byte) {
	st := p.counters()

	exts, err := ggep.ParseBlock(b)
	if err != nil {
		st.BadGgepExtensions.Add(1)
		logger.Debugf("query-hit: bad extension in %s trailer: %v", rs.Vendor, err)
	}

	for _, e := range exts {
		switch e.Token {
		case ggep.TokenBH:
			rs.Status |= StBrowseHost

		case ggep.TokenTLS:
			rs.Status |= StTLS

		case ggep.TokenGTKGIPv6:
			addr, status := ggep.IPv6Addr(e)
			if status != ggep.Ok {
				if status != ggep.NotFound {
					st.BadGgepExtensions.Add(1)
				}

				continue
			}

			if !p.hostile(addr) {
				rs.IPv6 = addr
			}

		case ggep.TokenGTKGV, ggep.TokenGTKGV1:
			if v, status := ggep.GTKGV(e); status == ggep.Ok {
				ver := v
				rs.Version = &ver
			} else if status != ggep.NotFound {
				st.BadGgepExtensions.Add(1)
			}

		case ggep.TokenPUSH:
			if s := ggep.AltV4(e, &rs.Proxies); s == ggep.Ok {
				rs.Status |= StPushProxy
			} else {
				st.BadGgepExtensions.Add(1)
			}

		case ggep.TokenHNAME:
			if name, status := ggep.Hostname(e, maxHostname); status == ggep.Ok {
				rs.Hostname = name
			} else if status != ggep.NotFound {
				st.BadGgepExtensions.Add(1)
			}

		case ggep.TokenXML:
			// Legacy whole-packet XML: attach to the first record
			// that has no metadata of its own.
			p.attachXML(rs, e.Payload)
		}
	}
}

func (p *Parser) attachXML(rs *ResultSet, xml []byte) {
	if len(xml) == 0 {
		return
	}

	for _, rec := range rs.Records {
		if rec.XML == nil {
			rec.XML = append([]byte(nil), xml...)
			return
		}
	}
}

// finalize derives the country from the authoritative address and
// clears the firewall bit for servents known to be directly
// reachable.
func (p *Parser) finalize(rs *ResultSet) {
	if p.Geo != nil {
		rs.Country = p.Geo.Country(rs.AuthoritativeAddr())
	}

	if rs.Status&StFirewall != 0 && p.Pushless != nil && p.Pushless.NoPushNeeded(rs.GUID) {
		rs.Status &^= StFirewall
	}
}

// bogusAddr flags addresses no servent can be reached at.
func bogusAddr(a netip.Addr) bool {
	if !a.IsValid() || a.IsUnspecified() || a.IsMulticast() {
		return true
	}

	if a.Is4() {
		b := a.As4()
		// 0.0.0.0/8 and class E are unroutable.
		return b[0] == 0 || b[0] >= 240
	}

	return false
}

func indexNul(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
