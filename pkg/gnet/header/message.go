package header

// Priority partitions the outbound queues: control messages (protocol
// acks and the like) overtake ordinary data.
type Priority uint8

const (
	PriorityData Priority = iota
	PriorityControl
)

// SendCheck re-validates a queued message at the moment it is pulled
// for transmission. Queueing delay can invalidate the decision made
// at construction time (hops-flow state, route existence).
type SendCheck func(m *Message) bool

// Message is an outbound message buffer: the serialized header plus
// payload, a queue priority, and for queries an optional pre-send
// predicate. RegularSize is the payload size before any trailing GGEP
// block was appended; the router uses it to build stripped variants
// for peers without GGEP support.
type Message struct {
	Header      Header
	Payload     []byte
	Priority    Priority
	RegularSize int // payload bytes before GGEP trailer; 0 means no trailer

	check SendCheck
}

// Wrap builds an outbound message from a validated header and its
// payload. The header is always constructed locally; Wrap panics on a
// contract violation rather than returning an error.
func Wrap(h Header, payload []byte, prio Priority) *Message {
	MustValidate(h, Size+len(payload), 0)

	return &Message{
		Header:      h,
		Payload:     payload,
		Priority:    prio,
		RegularSize: len(payload),
	}
}

// WithGGEP marks the tail of the payload, from regularSize onward, as
// a strippable GGEP trailer.
func (m *Message) WithGGEP(regularSize int) *Message {
	if regularSize < 0 || regularSize > len(m.Payload) {
		panic("header: regular size out of range")
	}

	m.RegularSize = regularSize

	return m
}

// HasGGEP reports whether the payload carries a strippable trailer.
func (m *Message) HasGGEP() bool {
	return m.RegularSize < len(m.Payload)
}

// WithSendCheck attaches the pre-send predicate. Only SEARCH-type
// messages take one; the queue calls it right before transmission.
func (m *Message) WithSendCheck(check SendCheck) *Message {
	if m.Header.Function != FuncQuery {
		panic("header: send check is for query messages only")
	}

	m.check = check

	return m
}

// Sendable reports whether the message may still go out. Messages
// without a check are always sendable.
func (m *Message) Sendable() bool {
	return m.check == nil || m.check(m)
}

// Marshal serializes the full message, header then payload.
func (m *Message) Marshal() []byte {
	b := make([]byte, 0, Size+len(m.Payload))
	b = append(b, m.Header.Marshal()...)
	b = append(b, m.Payload...)

	return b
}

// weight orders message types by importance, ascending. Dropping a
// low-weight message costs the network less than a high-weight one.
var weight = map[Function]int{
	FuncPing:     1,
	FuncQuery:    2,
	FuncPong:     3,
	FuncQueryHit: 4,
	FuncPush:     5,
	FuncQRP:      6,
	FuncVendor:   7,
	FuncStandard: 7,
}

// Compare orders two messages for queue eviction: negative means a is
// less important than b. When weights differ the table decides; ties
// break on hop count, direction depending on type. Request-like types
// (ping, query, QRP) favor lower hops: the closer to its origin, the
// cheaper a message is to drop and regenerate. Reply-like types favor
// higher hops, and for pushes and query hits with equal hops, lower
// TTL: more work is already invested and delivery is closer.
func Compare(a, b *Message) int {
	wa, wb := weight[a.Header.Function], weight[b.Header.Function]
	if wa != wb {
		return wa - wb
	}

	switch a.Header.Function {
	case FuncPing, FuncQuery, FuncQRP:
		return int(b.Header.Hops) - int(a.Header.Hops)
	case FuncPong, FuncBye:
		return int(a.Header.Hops) - int(b.Header.Hops)
	case FuncQueryHit, FuncPush:
		if a.Header.Hops != b.Header.Hops {
			return int(a.Header.Hops) - int(b.Header.Hops)
		}

		return int(b.Header.TTL) - int(a.Header.TTL)
	}

	return 0
}

// CanDrop reports whether flow control may shed this message. Pings,
// queries and pongs regenerate; everything else is never silently
// dropped.
func CanDrop(m *Message) bool {
	switch m.Header.Function {
	case FuncPing, FuncQuery, FuncPong:
		return true
	}

	return false
}
