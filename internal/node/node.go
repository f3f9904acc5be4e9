// Package node pumps messages between the transport layer and the
// protocol engine: inbound bytes are framed, validated and dispatched
// to the query-hit parser; outbound messages drain from the priority
// queue into the transport.
package node

import (
	"context"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"

	"gwire/internal/config"
	"gwire/internal/logger"
	"gwire/internal/stats"
	"gwire/pkg/gnet/header"
	"gwire/pkg/gnet/qhit"
)

// Packet is one framed inbound message plus its delivery context.
type Packet struct {
	Data    []byte // full message, header included
	FromUDP bool
	Sender  netip.Addr
}

// Transport sends serialized messages. The socket layer behind it is
// an external collaborator.
type Transport interface {
	Send([]byte) error
}

// Listener receives completed result sets. The ResultSet is borrowed
// for the duration of the callback; listeners must copy what they
// keep.
type Listener interface {
	Results(*qhit.ResultSet)
}

const defaultQueueLimit = 512

// Node wires the engine together.
type Node struct {
	cfg       *config.Config
	parser    *qhit.Parser
	transport Transport
	listeners []Listener
	inbound   chan Packet
	queue     *sendQueue
	stats     *stats.Counters
}

// New builds a node. parser collaborators (hostiles, pushless GUIDs,
// geo) are configured by the caller before handing the parser in.
func New(cfg *config.Config, parser *qhit.Parser, transport Transport) *Node {
	st := parser.Stats
	if st == nil {
		st = stats.Default()
	}

	return &Node{
		cfg:       cfg,
		parser:    parser,
		transport: transport,
		inbound:   make(chan Packet, 64),
		queue:     newSendQueue(defaultQueueLimit, st),
		stats:     st,
	}
}

// Subscribe registers a result listener. Not safe to call after Run.
func (n *Node) Subscribe(l Listener) {
	n.listeners = append(n.listeners, l)
}

// Deliver hands an inbound packet to the node. Blocks when the
// inbound channel is full.
func (n *Node) Deliver(p Packet) {
	n.inbound <- p
}

// Enqueue queues an outbound message.
func (n *Node) Enqueue(m *header.Message) bool {
	return n.queue.Enqueue(m)
}

// Run drives the inbound and outbound pumps until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return n.inboundLoop(ctx) })
	g.Go(func() error { return n.outboundLoop(ctx) })

	return g.Wait()
}

func (n *Node) inboundLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-n.inbound:
			n.handle(p)
		}
	}
}

// handle frames and dispatches one packet. Malformed traffic is
// dropped with at most a debug line; it never aborts the loop.
func (n *Node) handle(p Packet) {
	h, err := header.Parse(p.Data)
	if err != nil {
		n.stats.BadPackets.Add(1)
		logger.Debugf("node: short packet from %v", p.Sender)

		return
	}

	if err := header.Validate(h, len(p.Data), n.cfg.Protocol.HardTTLLimit); err != nil {
		n.stats.BadPackets.Add(1)
		logger.Debugf("node: invalid %s header from %v: %v", h.Function, p.Sender, err)

		return
	}

	switch h.Function {
	case header.FuncQueryHit:
		rs, err := n.parser.Parse(p.Data[header.Size:], qhit.Source{
			FromUDP: p.FromUDP,
			UDPAddr: p.Sender,
		})
		if err != nil {
			logger.Dropf("node: query hit from %v: %v", p.Sender, err)
			return
		}

		// One dispatch cycle: every listener borrows the set, then
		// it is released.
		for _, l := range n.listeners {
			l.Results(rs)
		}
	default:
		logger.Debugf("node: no handler for %s", h.Function)
	}
}

func (n *Node) outboundLoop(ctx context.Context) error {
	tick := time.NewTicker(5 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			for {
				m := n.queue.Dequeue()
				if m == nil {
					break
				}

				if err := n.transport.Send(m.Marshal()); err != nil {
					logger.Warnf("node: send failed: %v", err)
				}
			}
		}
	}
}
