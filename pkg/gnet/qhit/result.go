// Package qhit parses received Query Hit packets into owned result
// trees. Parsing either yields a complete ResultSet or nothing: a
// packet failing structural validation never exposes partial records.
package qhit

import (
	"net/netip"

	"gwire/pkg/gnet/ggep"
)

// Status is the result-set flag bitmap.
type Status uint32

const (
	StFirewall Status = 1 << iota // servent needs a push
	StBusy                        // all upload slots taken
	StUploaded                    // servent has completed an upload
	StMeasuredSpeed               // speed field is measured, not advertised
	StGGEP                        // trailer carries a GGEP block
	StBogus                       // unroutable or zero-port address
	StFromUDP                     // hit arrived out-of-band over UDP
	StPushProxy                   // push-proxy vector present
	StBrowseHost                  // servent supports browse-host
	StTLS                         // servent supports TLS upgrades
	StSpoofedUDP                  // UDP source disagrees with advertised address
)

// RecordFlags is the per-record flag bitmap. The bits are populated
// by downstream collaborators (download matcher, spam filter); the
// parser only ever sets RecMultipleSha1.
type RecordFlags uint32

const (
	RecDownloaded   RecordFlags = 1 << iota // already fetched
	RecIgnored                              // filtered by user rules
	RecSpam                                 // flagged by the spam filter
	RecMultipleSha1                         // tag carried more than one SHA1 source
)

// Record is one file hit. Owned by its parent ResultSet; all fields
// are copies, nothing aliases the network buffer.
type Record struct {
	Index uint32
	Size  uint64
	Name  string
	Tag   string // free-text display tag, if any
	Sha1  *ggep.Sha1
	Tth   *ggep.TTH
	XML   []byte
	Alt   ggep.AddrVec
	Flags RecordFlags
}

// ResultSet is everything parsed out of one Query Hit packet. It is
// built by Parser.Parse, handed to listeners for the duration of one
// dispatch cycle, and released.
type ResultSet struct {
	Addr    netip.Addr // advertised address
	Port    uint16
	UDPAddr netip.Addr // UDP source when the hit arrived out-of-band
	Speed   uint32
	Vendor  string // 4-character vendor code
	GUID    [16]byte
	Status  Status

	Hostname string
	Version  *ggep.Version
	IPv6     netip.Addr // advertised IPv6 override, if accepted
	Proxies  ggep.AddrVec
	Country  string

	Records []*Record
}

// AuthoritativeAddr is the address the hit should be attributed to:
// the UDP sender for out-of-band hits, else the advertised address.
func (rs *ResultSet) AuthoritativeAddr() netip.Addr {
	if rs.Status&StFromUDP != 0 && rs.UDPAddr.IsValid() {
		return rs.UDPAddr
	}

	return rs.Addr
}

// HostileChecker answers whether an address is on the hostile-host
// list. Hits from hostile addresses are dropped whole.
type HostileChecker interface {
	Hostile(netip.Addr) bool
}

// PushlessGUIDs knows which servent GUIDs were reached directly in
// the past and therefore do not actually need a push.
type PushlessGUIDs interface {
	NoPushNeeded(guid [16]byte) bool
}

// GeoResolver maps an address to a country code. Implementations are
// external; a nil resolver leaves Country empty.
type GeoResolver interface {
	Country(netip.Addr) string
}
