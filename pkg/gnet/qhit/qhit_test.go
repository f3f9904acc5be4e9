package qhit_test

import (
	"bytes"
	"encoding/binary"
	"net/netip"
	"testing"

	"gwire/internal/errors"
	"gwire/internal/stats"
	"gwire/pkg/gnet/ggep"
	"gwire/pkg/gnet/qhit"
)

// hitBuilder assembles query-hit payloads byte by byte for tests.
type hitBuilder struct {
	numRecs byte
	port    uint16
	addr    [4]byte
	speed   uint32
	records []byte
	trailer []byte
	guid    [16]byte
}

func newHit(numRecs byte, addr string, port uint16) *hitBuilder {
	b := &hitBuilder{numRecs: numRecs, port: port}
	copy(b.addr[:], netip.MustParseAddr(addr).AsSlice())
	for i := range b.guid {
		b.guid[i] = byte(i + 1)
	}

	return b
}

func (b *hitBuilder) record(index, size uint32, name string, tag []byte) *hitBuilder {
	var rec [8]byte
	binary.LittleEndian.PutUint32(rec[0:4], index)
	binary.LittleEndian.PutUint32(rec[4:8], size)

	b.records = append(b.records, rec[:]...)
	b.records = append(b.records, name...)
	b.records = append(b.records, 0)

	if len(tag) > 0 {
		b.records = append(b.records, tag...)
	}

	b.records = append(b.records, 0)

	return b
}

func (b *hitBuilder) withTrailer(vendor string, open []byte, private []byte) *hitBuilder {
	b.trailer = append(b.trailer, vendor...)
	b.trailer = append(b.trailer, byte(len(open)))
	b.trailer = append(b.trailer, open...)
	b.trailer = append(b.trailer, private...)

	return b
}

func (b *hitBuilder) bytes() []byte {
	out := []byte{b.numRecs}
	out = binary.LittleEndian.AppendUint16(out, b.port)
	out = append(out, b.addr[:]...)
	out = binary.LittleEndian.AppendUint32(out, b.speed)
	out = append(out, b.records...)
	out = append(out, b.trailer...)
	out = append(out, b.guid[:]...)

	return out
}

func TestEndToEndScenario(t *testing.T) {
	payload := newHit(1, "127.0.0.1", 6346).
		record(0, 1024, "test.txt", nil).
		bytes()

	var p qhit.Parser

	rs, err := p.Parse(payload, qhit.Source{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if len(rs.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(rs.Records))
	}

	rec := rs.Records[0]
	if rec.Name != "test.txt" || rec.Size != 1024 || rec.Index != 0 {
		t.Errorf("record wrong: %+v", rec)
	}

	if rec.Sha1 != nil {
		t.Error("record should have no SHA1")
	}

	if rs.Status&qhit.StFirewall == 0 {
		t.Error("127.0.0.1 is private; StFirewall should be set")
	}

	if rs.Port != 6346 {
		t.Errorf("port = %d, want 6346", rs.Port)
	}
}

func TestTooSmall(t *testing.T) {
	var p qhit.Parser

	_, err := p.Parse(make([]byte, 26), qhit.Source{})
	if !errors.Is(err, errors.ErrTooSmall) {
		t.Fatalf("expected ErrTooSmall, got %v", err)
	}
}

func TestDeclaredCountExceedsRecords(t *testing.T) {
	payload := newHit(3, "8.8.4.4", 6346).
		record(0, 100, "a.txt", nil).
		record(1, 200, "b.txt", nil).
		bytes()

	var p qhit.Parser

	_, err := p.Parse(payload, qhit.Source{})
	if !errors.Is(err, errors.ErrBadResultCount) {
		t.Fatalf("expected ErrBadResultCount, got %v", err)
	}
}

func TestMissingDoubleNul(t *testing.T) {
	// A record whose tag region never terminates is structural.
	b := newHit(1, "8.8.4.4", 6346)

	var rec [8]byte
	b.records = append(b.records, rec[:]...)
	b.records = append(b.records, "file.bin"...)
	b.records = append(b.records, 0)
	b.records = append(b.records, "unterminated tag"...)
	// GUID bytes will be consumed looking for the second NUL.

	var p qhit.Parser

	_, err := p.Parse(b.bytes(), qhit.Source{})
	if !errors.Is(err, errors.ErrBadResultCount) {
		t.Fatalf("expected ErrBadResultCount, got %v", err)
	}
}

func sha1Tag(t *testing.T, digest []byte) []byte {
	t.Helper()

	var w ggep.Writer

	payload := append([]byte{0x01}, digest...)
	if err := w.Pack("H", payload, 0); err != nil {
		t.Fatal(err)
	}

	return w.Bytes()
}

func TestRecordSha1(t *testing.T) {
	digest := bytes.Repeat([]byte{0xA5, 0x5A}, 10)

	payload := newHit(1, "8.8.4.4", 6346).
		record(7, 4096, "song.ogg", sha1Tag(t, digest)).
		bytes()

	var p qhit.Parser

	rs, err := p.Parse(payload, qhit.Source{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	rec := rs.Records[0]
	if rec.Sha1 == nil || !bytes.Equal(rec.Sha1[:], digest) {
		t.Fatalf("sha1 not extracted: %+v", rec)
	}
}

func TestSha1ErrorDropsWholePacket(t *testing.T) {
	good := bytes.Repeat([]byte{0xA5, 0x5A}, 10)
	degenerate := bytes.Repeat([]byte{0x00}, 20)

	payload := newHit(2, "8.8.4.4", 6346).
		record(0, 100, "fine.txt", sha1Tag(t, good)).
		record(1, 200, "evil.txt", sha1Tag(t, degenerate)).
		bytes()

	var st stats.Counters
	p := qhit.Parser{Stats: &st}

	rs, err := p.Parse(payload, qhit.Source{})
	if !errors.Is(err, errors.ErrMalformedSha1) {
		t.Fatalf("expected ErrMalformedSha1, got %v", err)
	}

	// Never N-1 good records: the caller sees nothing at all.
	if rs != nil {
		t.Fatal("result set must be nil on SHA1 error")
	}

	if st.Sha1Errors.Load() == 0 {
		t.Error("sha1 error counter not incremented")
	}
}

func TestUrnSha1Tag(t *testing.T) {
	// base32 of 20 0xFF bytes is 32 chars of "7"s... use a mixed
	// digest through the HUGE urn form instead.
	tag := []byte("urn:sha1:PLSTHIPQGSSZTS5FJUPAKUZWUGYQYPFB")

	payload := newHit(1, "8.8.4.4", 6346).
		record(0, 100, "doc.pdf", tag).
		bytes()

	var p qhit.Parser

	rs, err := p.Parse(payload, qhit.Source{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if rs.Records[0].Sha1 == nil {
		t.Fatal("urn:sha1 tag not extracted")
	}
}

func TestTrailerOpenData(t *testing.T) {
	tests := []struct {
		name string
		open []byte
		want qhit.Status
	}{
		{"legacy push", []byte{0x01}, qhit.StFirewall},
		{"two byte busy", []byte{0x04, 0x04}, qhit.StBusy},
		{"two byte uploaded+speed", []byte{0x18, 0x18}, qhit.StUploaded | qhit.StMeasuredSpeed},
		{"masked out busy", []byte{0x04, 0x00}, 0},
		{"push in flags byte", []byte{0x01, 0x00}, qhit.StFirewall},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := newHit(1, "8.8.4.4", 6346).
				record(0, 10, "x", nil).
				withTrailer("LIME", tt.open, nil).
				bytes()

			var p qhit.Parser

			rs, err := p.Parse(payload, qhit.Source{})
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}

			if rs.Status&tt.want != tt.want {
				t.Errorf("status = %b, want bits %b", rs.Status, tt.want)
			}

			if rs.Vendor != "LIME" {
				t.Errorf("vendor = %q", rs.Vendor)
			}
		})
	}
}

func TestTrailerUnrecognizedOpenDataIgnored(t *testing.T) {
	// Only the 1- and 2-byte open-data encodings are interpreted; a
	// 3-byte region must set no status bits even when its leading
	// bytes look like a valid flags/mask pair.
	payload := newHit(1, "8.8.4.4", 6346).
		record(0, 10, "x", nil).
		withTrailer("LIME", []byte{0x04, 0x04, 0xFF}, nil).
		bytes()

	var p qhit.Parser

	rs, err := p.Parse(payload, qhit.Source{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if rs.Vendor != "LIME" {
		t.Errorf("vendor = %q", rs.Vendor)
	}

	bad := qhit.StFirewall | qhit.StBusy | qhit.StUploaded | qhit.StMeasuredSpeed | qhit.StGGEP
	if rs.Status&bad != 0 {
		t.Errorf("status = %b, want no open-data bits", rs.Status)
	}
}

func TestTrailerOverflowIgnored(t *testing.T) {
	payload := newHit(1, "8.8.4.4", 6346).
		record(0, 10, "x", nil).
		withTrailer("GTKG", nil, nil).
		bytes()

	// Corrupt the open-data size so it overflows the remainder.
	payload[len(payload)-17] = 200

	var p qhit.Parser

	rs, err := p.Parse(payload, qhit.Source{})
	if err != nil {
		t.Fatalf("overflowing trailer must not be fatal: %v", err)
	}

	if rs.Vendor != "" {
		t.Errorf("overflowing trailer should be treated as no trailer, vendor = %q", rs.Vendor)
	}
}

func ggepTrailer(t *testing.T, pack func(*ggep.Writer)) []byte {
	t.Helper()

	var w ggep.Writer
	pack(&w)

	return w.Bytes()
}

func TestGgepTrailer(t *testing.T) {
	private := ggepTrailer(t, func(w *ggep.Writer) {
		if err := w.Pack("BH", nil, 0); err != nil {
			t.Fatal(err)
		}
		if err := w.Pack("TLS", nil, 0); err != nil {
			t.Fatal(err)
		}
		if err := w.Pack("HNAME", []byte("peer.example.net"), 0); err != nil {
			t.Fatal(err)
		}
		if err := w.Pack("PUSH", []byte{10, 1, 2, 3, 0xCA, 0x18}, 0); err != nil {
			t.Fatal(err)
		}
	})

	payload := newHit(1, "8.8.4.4", 6346).
		record(0, 10, "x", nil).
		withTrailer("GTKG", []byte{0x20, 0x20}, private). // GGEP bit set
		bytes()

	var p qhit.Parser

	rs, err := p.Parse(payload, qhit.Source{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if rs.Status&qhit.StBrowseHost == 0 {
		t.Error("browse-host flag not set")
	}

	if rs.Status&qhit.StTLS == 0 {
		t.Error("TLS flag not set")
	}

	if rs.Hostname != "peer.example.net" {
		t.Errorf("hostname = %q", rs.Hostname)
	}

	if rs.Status&qhit.StPushProxy == 0 || rs.Proxies.Len() != 1 {
		t.Errorf("push proxies wrong: %+v", rs.Proxies)
	}

	if got := rs.Proxies.V4[0]; got.Addr != netip.MustParseAddr("10.1.2.3") || got.Port != 6346 {
		t.Errorf("proxy wrong: %+v", got)
	}
}

func TestGgepTrailerIgnoredWithoutFlag(t *testing.T) {
	private := ggepTrailer(t, func(w *ggep.Writer) {
		if err := w.Pack("BH", nil, 0); err != nil {
			t.Fatal(err)
		}
	})

	payload := newHit(1, "8.8.4.4", 6346).
		record(0, 10, "x", nil).
		withTrailer("GTKG", []byte{0x00, 0x20}, private). // GGEP bit masked off
		bytes()

	var p qhit.Parser

	rs, err := p.Parse(payload, qhit.Source{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if rs.Status&qhit.StBrowseHost != 0 {
		t.Error("GGEP trailer must not be parsed when the flag is absent")
	}
}

func TestXMLFallbackAttachment(t *testing.T) {
	private := ggepTrailer(t, func(w *ggep.Writer) {
		if err := w.Pack("XML", []byte("<meta/>"), 0); err != nil {
			t.Fatal(err)
		}
	})

	payload := newHit(2, "8.8.4.4", 6346).
		record(0, 10, "first", nil).
		record(1, 20, "second", nil).
		withTrailer("LIME", []byte{0x20, 0x20}, private).
		bytes()

	var p qhit.Parser

	rs, err := p.Parse(payload, qhit.Source{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if string(rs.Records[0].XML) != "<meta/>" {
		t.Errorf("XML should attach to the first record lacking metadata, got %q", rs.Records[0].XML)
	}

	if rs.Records[1].XML != nil {
		t.Error("second record should carry no XML")
	}
}

type hostileList map[netip.Addr]bool

func (h hostileList) Hostile(a netip.Addr) bool { return h[a] }

func TestHostileAddressDropsPacket(t *testing.T) {
	payload := newHit(1, "8.8.4.4", 6346).
		record(0, 10, "x", nil).
		bytes()

	p := qhit.Parser{Hostiles: hostileList{netip.MustParseAddr("8.8.4.4"): true}}

	_, err := p.Parse(payload, qhit.Source{})
	if !errors.Is(err, qhit.ErrHostileAddr) {
		t.Fatalf("expected ErrHostileAddr, got %v", err)
	}
}

func TestBogusAddress(t *testing.T) {
	payload := newHit(1, "8.8.4.4", 0). // zero port
						record(0, 10, "x", nil).
						bytes()

	var p qhit.Parser

	rs, err := p.Parse(payload, qhit.Source{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if rs.Status&(qhit.StBogus|qhit.StFirewall) != qhit.StBogus|qhit.StFirewall {
		t.Errorf("zero port should mark bogus+firewalled, status = %b", rs.Status)
	}
}

func TestUDPAddressMismatch(t *testing.T) {
	payload := newHit(1, "8.8.4.4", 6346).
		record(0, 10, "x", nil).
		bytes()

	var st stats.Counters
	p := qhit.Parser{Stats: &st}

	rs, err := p.Parse(payload, qhit.Source{
		FromUDP: true,
		UDPAddr: netip.MustParseAddr("9.9.9.9"),
	})
	if err != nil {
		t.Fatalf("mismatch must not be fatal: %v", err)
	}

	if rs.Status&qhit.StSpoofedUDP == 0 {
		t.Error("spoofed-UDP flag not set")
	}

	if st.UDPAddrMismatch.Load() != 1 {
		t.Errorf("mismatch counter = %d, want 1", st.UDPAddrMismatch.Load())
	}

	if got := rs.AuthoritativeAddr(); got != netip.MustParseAddr("9.9.9.9") {
		t.Errorf("authoritative address should be the UDP sender, got %v", got)
	}
}

type pushlessSet map[[16]byte]bool

func (s pushlessSet) NoPushNeeded(g [16]byte) bool { return s[g] }

func TestPushlessGUIDClearsFirewall(t *testing.T) {
	payload := newHit(1, "192.168.0.9", 6346). // private, so firewalled
							record(0, 10, "x", nil).
							bytes()

	var guid [16]byte
	for i := range guid {
		guid[i] = byte(i + 1) // matches hitBuilder
	}

	p := qhit.Parser{Pushless: pushlessSet{guid: true}}

	rs, err := p.Parse(payload, qhit.Source{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if rs.Status&qhit.StFirewall != 0 {
		t.Error("firewall flag should be cleared for a known-pushless GUID")
	}
}

func TestLargeFileSizeOverride(t *testing.T) {
	var w ggep.Writer
	if err := w.Pack("LF", []byte{0x00, 0x00, 0x00, 0x00, 0x01}, 0); err != nil {
		t.Fatal(err)
	}

	payload := newHit(1, "8.8.4.4", 6346).
		record(0, 0xFFFFFFFF, "huge.iso", w.Bytes()).
		bytes()

	var p qhit.Parser

	rs, err := p.Parse(payload, qhit.Source{})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if rs.Records[0].Size != 1<<32 {
		t.Errorf("size = %d, want %d", rs.Records[0].Size, uint64(1)<<32)
	}
}
