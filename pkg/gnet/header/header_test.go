package header_test

import (
	"bytes"
	"testing"

	"gwire/internal/errors"
	"gwire/pkg/gnet/header"
)

func TestParseMarshalRoundTrip(t *testing.T) {
	h := header.Header{
		MUID:       header.NewMUID(),
		Function:   header.FuncQuery,
		TTL:        4,
		Hops:       2,
		PayloadLen: 37,
	}

	b := h.Marshal()
	if len(b) != header.Size {
		t.Fatalf("marshaled header is %d bytes, want %d", len(b), header.Size)
	}

	got, err := header.Parse(b)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if got != h {
		t.Errorf("round trip mismatch:\ngot:  %+v\nwant: %+v", got, h)
	}
}

func TestWireFormat(t *testing.T) {
	var muid header.MUID
	for i := range muid {
		muid[i] = byte(i)
	}

	h := header.Header{
		MUID:       muid,
		Function:   header.FuncQueryHit,
		TTL:        3,
		Hops:       2,
		PayloadLen: 0x0102,
	}

	want := append([]byte{
		0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15,
	}, 0x81, 3, 2, 0x02, 0x01, 0x00, 0x00)

	if got := h.Marshal(); !bytes.Equal(got, want) {
		t.Errorf("wire format mismatch:\ngot:  %x\nwant: %x", got, want)
	}
}

func TestParseShort(t *testing.T) {
	_, err := header.Parse(make([]byte, header.Size-1))
	if !errors.Is(err, header.ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	base := header.Header{Function: header.FuncPing, TTL: 3, Hops: 1, PayloadLen: 10}

	tests := []struct {
		name    string
		mutate  func(*header.Header)
		total   int
		hardTTL uint8
		wantErr error
	}{
		{"valid", nil, header.Size + 10, 0, nil},
		{"zero ttl", func(h *header.Header) { h.TTL = 0 }, header.Size + 10, 0, header.ErrZeroTTL},
		{"total below header size", nil, header.Size - 1, 0, header.ErrLengthMismatch},
		{"length field mismatch", nil, header.Size + 11, 0, header.ErrLengthMismatch},
		{"ttl+hops above hard limit", func(h *header.Header) { h.TTL = 10; h.Hops = 6 }, header.Size + 10, 15, header.ErrTTLOverflow},
		{"ttl+hops at hard limit", func(h *header.Header) { h.TTL = 10; h.Hops = 5 }, header.Size + 10, 15, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := base
			if tt.mutate != nil {
				tt.mutate(&h)
			}

			err := header.Validate(h, tt.total, tt.hardTTL)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestWrapPanicsOnInvalidHeader(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Wrap with a zero-TTL header must panic")
		}
	}()

	h := header.Header{Function: header.FuncPing, TTL: 0, PayloadLen: 0}
	header.Wrap(h, nil, header.PriorityData)
}

func mkMsg(t *testing.T, f header.Function, ttl, hops uint8) *header.Message {
	t.Helper()

	h := header.Header{
		MUID:     header.NewMUID(),
		Function: f,
		TTL:      ttl,
		Hops:     hops,
	}

	return header.Wrap(h, nil, header.PriorityData)
}

func TestCompareWeightTable(t *testing.T) {
	// Ascending importance, regardless of hop/TTL values.
	order := []header.Function{
		header.FuncPing, header.FuncQuery, header.FuncPong,
		header.FuncQueryHit, header.FuncPush, header.FuncQRP,
		header.FuncVendor,
	}

	for i := 0; i < len(order); i++ {
		for j := i + 1; j < len(order); j++ {
			a := mkMsg(t, order[i], 1, 7)
			b := mkMsg(t, order[j], 7, 1)

			if header.Compare(a, b) >= 0 {
				t.Errorf("%s should compare below %s", order[i], order[j])
			}

			if header.Compare(b, a) <= 0 {
				t.Errorf("Compare is not antisymmetric for %s/%s", order[j], order[i])
			}
		}
	}
}

func TestCompareTieBreaks(t *testing.T) {
	// Request-like types favor lower hops: fewer hops means cheaper
	// to drop, so the message with more hops compares higher.
	nearPing := mkMsg(t, header.FuncPing, 4, 1)
	farPing := mkMsg(t, header.FuncPing, 4, 6)

	if header.Compare(nearPing, farPing) >= 0 {
		t.Error("low-hop ping should compare below high-hop ping")
	}

	// Reply-like types favor higher hops.
	nearPong := mkMsg(t, header.FuncPong, 4, 1)
	farPong := mkMsg(t, header.FuncPong, 4, 6)

	if header.Compare(farPong, nearPong) <= 0 {
		t.Error("high-hop pong should compare above low-hop pong")
	}

	// Pushes with equal hops favor lower TTL.
	closePush := mkMsg(t, header.FuncPush, 1, 3)
	farPush := mkMsg(t, header.FuncPush, 5, 3)

	if header.Compare(closePush, farPush) <= 0 {
		t.Error("low-TTL push should compare above high-TTL push at equal hops")
	}
}

func TestCanDrop(t *testing.T) {
	droppable := []header.Function{header.FuncPing, header.FuncQuery, header.FuncPong}
	for _, f := range droppable {
		if !header.CanDrop(mkMsg(t, f, 1, 0)) {
			t.Errorf("%s should be droppable", f)
		}
	}

	protected := []header.Function{header.FuncQueryHit, header.FuncPush, header.FuncQRP, header.FuncVendor}
	for _, f := range protected {
		if header.CanDrop(mkMsg(t, f, 1, 0)) {
			t.Errorf("%s must never be silently dropped", f)
		}
	}
}

func TestSendCheck(t *testing.T) {
	m := mkMsg(t, header.FuncQuery, 3, 0)

	if !m.Sendable() {
		t.Fatal("message without a check must be sendable")
	}

	ok := true
	m.WithSendCheck(func(*header.Message) bool { return ok })

	if !m.Sendable() {
		t.Fatal("check returning true must keep the message sendable")
	}

	ok = false
	if m.Sendable() {
		t.Fatal("check returning false must mark the message unsendable")
	}
}

func TestSendCheckQueryOnly(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("attaching a send check to a ping must panic")
		}
	}()

	mkMsg(t, header.FuncPing, 1, 0).WithSendCheck(func(*header.Message) bool { return true })
}

func TestGGEPTrailerMarking(t *testing.T) {
	payload := []byte("regularGGEPDATA")

	h := header.Header{
		MUID:       header.NewMUID(),
		Function:   header.FuncQuery,
		TTL:        1,
		PayloadLen: uint32(len(payload)),
	}

	m := header.Wrap(h, payload, header.PriorityData)
	if m.HasGGEP() {
		t.Fatal("freshly wrapped message should have no trailer")
	}

	m.WithGGEP(7)
	if !m.HasGGEP() || m.RegularSize != 7 {
		t.Fatalf("trailer marking wrong: %+v", m)
	}
}
