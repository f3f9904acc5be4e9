// Package stats tracks protocol anomaly counters. Counters are
// process-wide, monotonically increasing and safe for concurrent use.
package stats

import "sync/atomic"

// Counters holds the anomaly counters incremented by the parsers and
// the router. A single shared instance lives behind Default.
type Counters struct {
	UDPAddrMismatch   atomic.Uint64 // advertised address differs from UDP source
	MultipleSha1      atomic.Uint64 // more than one SHA1 source in a record tag
	Sha1Errors        atomic.Uint64 // improbable or malformed SHA1 values
	UnknownTrailers   atomic.Uint64 // vendor trailers we could not interpret
	BadGgepExtensions atomic.Uint64 // per-extension decode failures
	BadPackets        atomic.Uint64 // whole packets dropped for structural reasons
	PolicyDrops       atomic.Uint64 // messages not forwarded per routing rules
	FlowControlDrops  atomic.Uint64 // droppable messages shed under queue pressure
}

var defaultCounters Counters

// Default returns the process-wide counter set.
func Default() *Counters {
	return &defaultCounters
}

// Snapshot is a plain-value copy of the counters, for logging or
// status reporting.
type Snapshot struct {
	UDPAddrMismatch   uint64
	MultipleSha1      uint64
	Sha1Errors        uint64
	UnknownTrailers   uint64
	BadGgepExtensions uint64
	BadPackets        uint64
	PolicyDrops       uint64
	FlowControlDrops  uint64
}

// Snapshot returns a consistent-enough copy of the current values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		UDPAddrMismatch:   c.UDPAddrMismatch.Load(),
		MultipleSha1:      c.MultipleSha1.Load(),
		Sha1Errors:        c.Sha1Errors.Load(),
		UnknownTrailers:   c.UnknownTrailers.Load(),
		BadGgepExtensions: c.BadGgepExtensions.Load(),
		BadPackets:        c.BadPackets.Load(),
		PolicyDrops:       c.PolicyDrops.Load(),
		FlowControlDrops:  c.FlowControlDrops.Load(),
	}
}
