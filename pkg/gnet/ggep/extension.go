// Package ggep implements the Gnutella Generic Extension Protocol
// codec along with the legacy HUGE urn tokens that share the same tag
// blocks. Parsing produces bounded vectors of extension views; typed
// extractors turn views into owned values (hashes, address vectors,
// strings) that survive buffer reuse.
package ggep

import (
	"bytes"
	"compress/flate"
	"io"

	"gwire/internal/errors"
)

const (
	// Magic introduces a GGEP block inside a tag or trailer region.
	Magic = 0xC3

	// Sep separates legacy HUGE tokens from each other and from a
	// GGEP block in query tag regions.
	Sep = 0x1C

	// MaxPerBlock bounds the extension vector produced by one parse
	// pass. Extensions beyond the cap are skipped, not an error.
	MaxPerBlock = 16

	// MaxPayload is the largest payload the 3-byte GGEP length
	// encoding can describe (18 significant bits).
	MaxPayload = 1<<18 - 1
)

// GGEP per-extension flag bits.
const (
	flagLast    = 0x80
	flagCOBS    = 0x40
	flagDeflate = 0x20
	idLenMask   = 0x0F
)

// Kind discriminates the two extension syntaxes found in tag blocks.
type Kind uint8

const (
	KindGGEP Kind = iota // length-prefixed binary extension
	KindHUGE             // legacy NUL/0x1C-delimited urn or text token
)

// Token identifies a known extension name. The set is closed; names
// not listed here parse as TokenUnknown with the raw name preserved.
type Token uint8

const (
	TokenUnknown Token = iota
	TokenH             // compact hash (SHA1 or bitprint)
	TokenALT           // IPv4 alternate locations
	TokenALT6          // IPv6 alternate locations
	TokenALTTLS        // TLS bitmap paired with ALT
	TokenPUSH          // push-proxy vector
	TokenHNAME         // advertised hostname
	TokenLF            // large file size override
	TokenGTKGV         // gtk-gnutella version descriptor
	TokenGTKGV1        // deprecated version descriptor
	TokenGTKGIPv6      // advertised IPv6 address
	TokenDU            // daily uptime
	TokenCT            // creation timestamp
	TokenM             // media type mask
	TokenT             // text query marker
	TokenBH            // browse-host support
	TokenTLS           // TLS support
	TokenSO            // secure OOB token
	TokenXML           // legacy whole-packet XML metadata
	TokenLimeXML       // per-record XML metadata
	TokenUrnSha1       // HUGE urn:sha1: token
	TokenUrnBitprint   // HUGE urn:bitprint: token
	TokenText          // HUGE free-text display tag
)

var tokenNames = map[string]Token{
	"H":         TokenH,
	"ALT":       TokenALT,
	"ALT6":      TokenALT6,
	"ALT_TLS":   TokenALTTLS,
	"PUSH":      TokenPUSH,
	"HNAME":     TokenHNAME,
	"LF":        TokenLF,
	"GTKGV":     TokenGTKGV,
	"GTKGV1":    TokenGTKGV1,
	"GTKG.IPV6": TokenGTKGIPv6,
	"DU":        TokenDU,
	"CT":        TokenCT,
	"M":         TokenM,
	"T":         TokenT,
	"BH":        TokenBH,
	"TLS":       TokenTLS,
	"SO":        TokenSO,
	"XML":       TokenXML,
	"LIME.XML":  TokenLimeXML,
}

// Extension is a parsed view into a tag or trailer region. Payload
// aliases the parsed buffer unless the extension was COBS-encoded or
// deflated, in which case it is an owned decode buffer. Either way it
// must not be retained past the lifetime of the parse; extractors copy.
type Extension struct {
	Kind    Kind
	Token   Token
	Name    string // raw extension id as it appeared on the wire
	Payload []byte
}

// ParseBlock scans one tag or trailer region and returns the extension
// views found, GGEP and HUGE mixed in wire order. A malformed GGEP
// block aborts the scan with a field-invalid error; the views parsed
// before the malformed one are still returned so the caller can keep
// what was sound.
func ParseBlock(b []byte) ([]Extension, error) {
	var exts []Extension

	for len(b) > 0 && len(exts) < MaxPerBlock {
		if b[0] == Magic {
			rest, err := parseGGEP(b[1:], &exts)
			if err != nil {
				return exts, err
			}

			b = rest

			continue
		}

		if b[0] == Sep {
			b = b[1:]
			continue
		}
		// HUGE token: runs to the next separator, GGEP magic or end.
		end := len(b)
		for i, c := range b {
			if c == Sep || c == Magic {
				end = i
				break
			}
		}

		exts = append(exts, classifyHUGE(b[:end]))
		b = b[end:]
	}

	return exts, nil
}

// parseGGEP consumes GGEP extensions after the magic byte, appending
// views to exts, and returns the unconsumed remainder of the region.
func parseGGEP(b []byte, exts *[]Extension) ([]byte, error) {
	for {
		if len(b) < 1 {
			return nil, errors.NewFieldInvalid(errors.ErrBadExtension, "ggep: truncated flags")
		}

		flags := b[0]
		idLen := int(flags & idLenMask)
		if idLen == 0 {
			return nil, errors.NewFieldInvalid(errors.ErrBadExtension, "ggep: zero id length")
		}

		b = b[1:]
		if len(b) < idLen {
			return nil, errors.NewFieldInvalid(errors.ErrBadExtension, "ggep: truncated id")
		}

		name := string(b[:idLen])
		b = b[idLen:]

		payloadLen, rest, err := decodeLen(b)
		if err != nil {
			return nil, err
		}

		b = rest
		if len(b) < payloadLen {
			return nil, errors.NewFieldInvalid(errors.ErrBadExtension, "ggep: truncated payload")
		}

		payload := b[:payloadLen]
		b = b[payloadLen:]

		if flags&flagCOBS != 0 {
			payload, err = cobsDecode(payload)
			if err != nil {
				return nil, errors.NewFieldInvalid(err, "ggep: "+name)
			}
		}

		if flags&flagDeflate != 0 {
			payload, err = inflate(payload)
			if err != nil {
				return nil, errors.NewFieldInvalid(err, "ggep: "+name)
			}
		}

		if len(*exts) < MaxPerBlock {
			*exts = append(*exts, Extension{
				Kind:    KindGGEP,
				Token:   tokenNames[name],
				Name:    name,
				Payload: payload,
			})
		}

		if flags&flagLast != 0 {
			return b, nil
		}
	}
}

// decodeLen reads the 1-3 byte GGEP length. Each byte carries 6 value
// bits; 0x80 marks a continuation byte, 0x40 the final one.
func decodeLen(b []byte) (int, []byte, error) {
	var v int

	for i := 0; i < 3; i++ {
		if len(b) == 0 {
			return 0, nil, errors.NewFieldInvalid(errors.ErrBadExtension, "ggep: truncated length")
		}

		c := b[0]
		b = b[1:]
		v = v<<6 | int(c&0x3F)

		if c&0x40 != 0 {
			return v, b, nil
		}

		if c&0x80 == 0 {
			break
		}
	}

	return 0, nil, errors.NewFieldInvalid(errors.ErrBadExtension, "ggep: bad length encoding")
}

// encodeLen writes the GGEP length encoding of n (which must fit in
// 18 bits) to dst and returns the extended slice.
func encodeLen(dst []byte, n int) []byte {
	switch {
	case n < 1<<6:
		return append(dst, byte(n)|0x40)
	case n < 1<<12:
		return append(dst, byte(n>>6)|0x80, byte(n&0x3F)|0x40)
	default:
		return append(dst, byte(n>>12)|0x80, byte(n>>6&0x3F)|0x80, byte(n&0x3F)|0x40)
	}
}

const (
	hugeSha1Prefix     = "urn:sha1:"
	hugeBitprintPrefix = "urn:bitprint:"
)

// classifyHUGE maps a legacy token to its view. Urn prefixes are
// matched case-insensitively per HUGE; the payload for urn tokens is
// the base32 region after the prefix.
func classifyHUGE(b []byte) Extension {
	if n := len(hugeSha1Prefix); len(b) >= n && asciiEqualFold(b[:n], hugeSha1Prefix) {
		return Extension{Kind: KindHUGE, Token: TokenUrnSha1, Name: hugeSha1Prefix, Payload: b[n:]}
	}

	if n := len(hugeBitprintPrefix); len(b) >= n && asciiEqualFold(b[:n], hugeBitprintPrefix) {
		return Extension{Kind: KindHUGE, Token: TokenUrnBitprint, Name: hugeBitprintPrefix, Payload: b[n:]}
	}

	return Extension{Kind: KindHUGE, Token: TokenText, Name: "", Payload: b}
}

func asciiEqualFold(b []byte, s string) bool {
	for i := 0; i < len(s); i++ {
		c, d := b[i], s[i]
		if 'A' <= c && c <= 'Z' {
			c += 'a' - 'A'
		}
		if c != d {
			return false
		}
	}

	return true
}

func inflate(b []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(b))
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, MaxPayload+1))
	if err != nil {
		return nil, err
	}

	if len(out) > MaxPayload {
		return nil, errors.ErrBadExtension
	}

	return out, nil
}
