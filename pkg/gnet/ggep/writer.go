package ggep

import (
	"bytes"
	"compress/flate"

	"gwire/internal/errors"
)

// WriteFlag adjusts how a single extension is emitted.
type WriteFlag uint8

const (
	// WriteDeflate compresses the payload with deflate before
	// emission, but only when that actually shrinks it.
	WriteDeflate WriteFlag = 1 << iota
	// WriteCOBS byte-stuffs the payload so it carries no NUL bytes.
	WriteCOBS
	// WriteStripEmpty drops the extension entirely if its payload
	// ends up empty.
	WriteStripEmpty
)

// Writer builds a GGEP block incrementally. Extensions are started
// with Begin, fed with Write, and sealed with End; Pack does all
// three for single-shot payloads. Bytes returns the finished block.
//
// The flags byte of the last extension is patched when the block is
// closed, so a Writer must not be read before Bytes is called.
type Writer struct {
	buf     bytes.Buffer
	scratch bytes.Buffer // payload of the open extension
	open    bool
	name    string
	flags   WriteFlag
	lastAt  int // offset of the flags byte of the last emitted extension
}

// ErrNotOpen is returned by Write/End without a matching Begin, and
// by Begin when an extension is already open.
var ErrNotOpen = errors.New("ggep: no extension open")

// Begin starts a new extension. The name must be 1-15 bytes, the
// GGEP id-length field being a nibble.
func (w *Writer) Begin(name string, flags WriteFlag) error {
	if w.open {
		return ErrNotOpen
	}

	if len(name) == 0 || len(name) > idLenMask {
		return errors.New("ggep: extension name must be 1-15 bytes")
	}

	w.open = true
	w.name = name
	w.flags = flags
	w.scratch.Reset()

	return nil
}

// Write appends payload bytes to the open extension.
func (w *Writer) Write(p []byte) error {
	if !w.open {
		return ErrNotOpen
	}

	w.scratch.Write(p)

	return nil
}

// End seals the open extension and emits it into the block.
func (w *Writer) End() error {
	if !w.open {
		return ErrNotOpen
	}

	w.open = false

	payload := w.scratch.Bytes()
	if len(payload) == 0 && w.flags&WriteStripEmpty != 0 {
		return nil
	}

	var flagByte byte

	if w.flags&WriteDeflate != 0 && len(payload) > 0 {
		if c, ok := deflatePayload(payload); ok {
			payload = c
			flagByte |= flagDeflate
		}
	}

	if w.flags&WriteCOBS != 0 {
		payload = cobsEncode(payload)
		flagByte |= flagCOBS
	}

	if len(payload) > MaxPayload {
		return errors.New("ggep: payload too large")
	}

	if w.buf.Len() == 0 {
		w.buf.WriteByte(Magic)
	}

	w.lastAt = w.buf.Len()
	w.buf.WriteByte(flagByte | byte(len(w.name)))
	w.buf.WriteString(w.name)
	w.buf.Write(encodeLen(nil, len(payload)))
	w.buf.Write(payload)

	return nil
}

// Pack emits a complete extension in one call.
func (w *Writer) Pack(name string, payload []byte, flags WriteFlag) error {
	if err := w.Begin(name, flags); err != nil {
		return err
	}

	if err := w.Write(payload); err != nil {
		return err
	}

	return w.End()
}

// Bytes closes the block by setting the last-extension bit and
// returns the encoded bytes. An empty block returns nil.
func (w *Writer) Bytes() []byte {
	if w.buf.Len() == 0 {
		return nil
	}

	b := w.buf.Bytes()
	b[w.lastAt] |= flagLast

	return b
}

// deflatePayload compresses p, reporting false when compression does
// not pay for itself.
func deflatePayload(p []byte) ([]byte, bool) {
	var out bytes.Buffer

	zw, err := flate.NewWriter(&out, flate.DefaultCompression)
	if err != nil {
		return nil, false
	}

	if _, err := zw.Write(p); err != nil {
		return nil, false
	}

	if err := zw.Close(); err != nil {
		return nil, false
	}

	if out.Len() >= len(p) {
		return nil, false
	}

	return out.Bytes(), true
}

// PackAlt serializes an address vector as the payload pair used by
// the ALT/ALT6 extensions: IPv4 entries as 4 big-endian address bytes
// plus a little-endian port, IPv6 entries as 16+2. Either slice may
// be empty, in which case its payload is nil.
func PackAlt(vec *AddrVec) (v4, v6 []byte) {
	if len(vec.V4) > 0 {
		v4 = make([]byte, 0, len(vec.V4)*ipv4EntrySize)
		for _, ap := range vec.V4 {
			a := ap.Addr.As4()
			v4 = append(v4, a[:]...)
			v4 = append(v4, byte(ap.Port), byte(ap.Port>>8))
		}
	}

	if len(vec.V6) > 0 {
		v6 = make([]byte, 0, len(vec.V6)*ipv6EntrySize)
		for _, ap := range vec.V6 {
			a := ap.Addr.As16()
			v6 = append(v6, a[:]...)
			v6 = append(v6, byte(ap.Port), byte(ap.Port>>8))
		}
	}

	return v4, v6
}
