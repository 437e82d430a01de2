package isolation

import (
	"encoding/binary"
	"net/netip"

	"github.com/google/gopacket/layers"
)

// Header sizes and offsets the classifier relies on. The kernel program is
// generated from the same constants.
const (
	EthHeaderLen     = 14
	EthTypeOffset    = 12
	IPv4MinHeaderLen = 20
	IPv4FragOffset   = 6
	IPv4ProtoOffset  = 9
	IPv4SrcOffset    = 12
	IPv4DstOffset    = 16
	TCPHeaderLen     = 20
	UDPHeaderLen     = 8

	// IPv4FragMask covers the more-fragments flag and the fragment offset.
	IPv4FragMask = 0x3fff
)

var (
	EtherTypeARP  = uint16(layers.EthernetTypeARP)
	EtherTypeIPv4 = uint16(layers.EthernetTypeIPv4)
)

// PacketView is what a single classification learned about a packet.
// Fields past the rule that decided the verdict are left zero.
type PacketView struct {
	Length    int
	EtherType uint16
	HeaderLen int
	Protocol  layers.IPProtocol
	Src       netip.Addr
	Dst       netip.Addr
}

// Decision is the result of Classify.
type Decision struct {
	Verdict Verdict
	Reason  Reason
	View    PacketView
}

func pass(v PacketView) Decision { return Decision{Verdict: VerdictPass, View: v} }
func drop(r Reason, v PacketView) Decision { return Decision{Verdict: VerdictDrop, Reason: r, View: v} }
func addrAt(b []byte, off int) netip.Addr { return netip.AddrFrom4([4]byte(b[off : off+4])) }
func keyAt(b []byte, off int) uint32 { return binary.NativeEndian.Uint32(b[off : off+4]) }

// Classify runs the isolation state machine over one Ethernet frame.
// It performs a fixed number of bounds-checked reads and never writes to
// learned. Egress packets are matched on their destination, ingress
// packets on their source (the remote peer).
func Classify(pkt []byte, dir Direction, learned AddressLookup) Decision {
	v := PacketView{Length: len(pkt)}

	if len(pkt) < EthHeaderLen {
		return drop(ReasonTruncated, v)
	}
	v.EtherType = binary.BigEndian.Uint16(pkt[EthTypeOffset:])
	switch v.EtherType {
	case EtherTypeARP:
		return pass(v)
	case EtherTypeIPv4:
	default:
		return drop(ReasonUnsupportedProtocol, v)
	}

	ip := pkt[EthHeaderLen:]
	if len(ip) < IPv4MinHeaderLen {
		return drop(ReasonTruncated, v)
	}
	v.Src = addrAt(ip, IPv4SrcOffset)
	v.Dst = addrAt(ip, IPv4DstOffset)

	if ip[0]>>4 != 4 {
		return drop(ReasonBadVersion, v)
	}
	v.HeaderLen = int(ip[0]&0x0f) * 4
	if v.HeaderLen < IPv4MinHeaderLen || v.HeaderLen > len(ip) {
		return drop(ReasonBadHeaderLength, v)
	}
	if binary.BigEndian.Uint16(ip[IPv4FragOffset:])&IPv4FragMask != 0 {
		return drop(ReasonFragment, v)
	}

	v.Protocol = layers.IPProtocol(ip[IPv4ProtoOffset])
	need := 0
	switch v.Protocol {
	case layers.IPProtocolTCP:
		need = TCPHeaderLen
	case layers.IPProtocolUDP:
		need = UDPHeaderLen
	}
	if v.HeaderLen+need > len(ip) {
		return drop(ReasonTruncatedTransport, v)
	}

	peer := IPv4DstOffset
	if dir == Ingress {
		peer = IPv4SrcOffset
	}
	if learned.Contains(keyAt(ip, peer)) {
		return pass(v)
	}
	return drop(ReasonNotLearned, v)
}
