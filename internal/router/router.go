// Package router decides, per peer, whether an outbound message is
// forwarded in full, forwarded with its GGEP trailer stripped, or not
// forwarded at all.
package router

import (
	"gwire/internal/logger"
	"gwire/internal/stats"
	"gwire/pkg/gnet/header"
)

// Peer is the per-connection queue object the router delivers into.
type Peer interface {
	// IsLeaf reports whether the peer is a leaf node. Leaves never
	// receive relayed broadcast traffic.
	IsLeaf() bool
	// SupportsGGEP reports whether the peer can accept GGEP trailers.
	SupportsGGEP() bool
	// LastHopQRP reports whether the peer advertises last-hop
	// query-routing support: it will answer the source's query via
	// QRP-filtered delivery itself, so a TTL==1 search need not be
	// relayed to it.
	LastHopQRP() bool
	// HasSeen reports whether this peer already handled the MUID.
	HasSeen(header.MUID) bool
	// Deliver queues the message for transmission to this peer.
	Deliver(*header.Message)
}

// destKind tags the Dest sum type.
type destKind uint8

const (
	destNone destKind = iota
	destOne
	destAllButOne
	destNoDupsButOne
	destMulti
)

// Dest describes the fan-out for one message. Build values with the
// constructors; the zero Dest routes nowhere.
type Dest struct {
	kind  destKind
	peer  Peer
	peers []Peer
}

// None routes nowhere.
func None() Dest { return Dest{kind: destNone} }

// One routes to exactly the given peer.
func One(p Peer) Dest { return Dest{kind: destOne, peer: p} }

// AllButOne broadcasts to every eligible peer except the source.
func AllButOne(source Peer) Dest { return Dest{kind: destAllButOne, peer: source} }

// NoDupsButOne is AllButOne minus peers that already saw the MUID.
func NoDupsButOne(source Peer) Dest { return Dest{kind: destNoDupsButOne, peer: source} }

// Multi routes to the listed peers.
func Multi(peers []Peer) Dest { return Dest{kind: destMulti, peers: peers} }

// Router fans outbound messages into per-peer queues.
type Router struct {
	// Peers lists the currently connected peers, consulted for
	// broadcast destinations.
	Peers func() []Peer
	// Ultrapeer is true when the local node runs in ultrapeer mode.
	Ultrapeer bool
	Stats     *stats.Counters
}

func (r *Router) counters() *stats.Counters {
	if r.Stats != nil {
		return r.Stats
	}
	return stats.Default()
}

// Route delivers m per dest. source is the peer the message came from,
// nil for locally originated traffic. The message header must be
// valid; Route panics on a contract violation since headers at this
// layer are never taken unchecked from the wire.
func (r *Router) Route(source Peer, m *header.Message, dest Dest) {
	header.MustValidate(m.Header, header.Size+len(m.Payload), 0)

	// Owned stripped variant for peers without GGEP support, built at
	// most once per send cycle. The shared buffer other peers read is
	// never patched in place.
	var stripped *header.Message

	deliver := func(p Peer) {
		if m.HasGGEP() && !p.SupportsGGEP() {
			if stripped == nil {
				stripped = strippedCopy(m)
			}

			p.Deliver(stripped)

			return
		}

		p.Deliver(m)
	}

	switch dest.kind {
	case destNone:
		return

	case destOne:
		if dest.peer != nil {
			deliver(dest.peer)
		}

	case destAllButOne, destNoDupsButOne:
		if r.Peers == nil {
			return
		}

		for _, p := range r.Peers() {
			if p == dest.peer {
				continue // no echo to the source
			}

			if p.IsLeaf() {
				// Leaves only get their own query results, never
				// relayed broadcast traffic.
				continue
			}

			if dest.kind == destNoDupsButOne && p.HasSeen(m.Header.MUID) {
				continue
			}

			if r.skipLastHop(m, p) {
				r.counters().PolicyDrops.Add(1)
				logger.Debugf("router: not relaying TTL=1 %s to last-hop QRP peer", m.Header.Function)

				continue
			}

			deliver(p)
		}

	case destMulti:
		seen := make(map[Peer]bool, len(dest.peers))

		for _, p := range dest.peers {
			if p == nil || seen[p] {
				continue
			}

			seen[p] = true
			deliver(p)
		}
	}
}

// skipLastHop suppresses a TTL==1 search toward ultrapeers that do
// last-hop query routing: the source gets its query answered via the
// peer's QRP-filtered delivery instead.
func (r *Router) skipLastHop(m *header.Message, p Peer) bool {
	return r.Ultrapeer &&
		m.Header.Function == header.FuncQuery &&
		m.Header.TTL == 1 &&
		!p.IsLeaf() && p.LastHopQRP()
}

// strippedCopy builds an independent message whose payload ends at
// the regular size and whose header length field matches.
func strippedCopy(m *header.Message) *header.Message {
	h := m.Header
	h.PayloadLen = uint32(m.RegularSize)

	payload := append([]byte(nil), m.Payload[:m.RegularSize]...)

	return &header.Message{
		Header:      h,
		Payload:     payload,
		Priority:    m.Priority,
		RegularSize: len(payload),
	}
}
