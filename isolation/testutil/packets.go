// Package testutil builds the frames the classifier tests run against, for
// both the Go classifier and the kernel programs.
package testutil

import (
	"net"
	"net/netip"

	"hostisolation/isolation"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

var (
	HostMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	PeerMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}

	HostAddr    = netip.MustParseAddr("192.0.2.10")
	LearnedAddr = netip.MustParseAddr("203.0.113.7")
	UnknownAddr = netip.MustParseAddr("198.51.100.99")
)

func serialize(ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// IPv4Frame builds a well-formed Ethernet/IPv4 frame carrying proto.
// TCP, UDP and ICMPv4 get a real transport header.
func IPv4Frame(src, dst netip.Addr, proto layers.IPProtocol, payload []byte) []byte {
	eth := &layers.Ethernet{SrcMAC: HostMAC, DstMAC: PeerMAC, EthernetType: layers.EthernetTypeIPv4}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}

	ls := []gopacket.SerializableLayer{eth, ip}
	switch proto {
	case layers.IPProtocolTCP:
		tcp := &layers.TCP{SrcPort: 40000, DstPort: 443, SYN: true, Window: 64240}
		_ = tcp.SetNetworkLayerForChecksum(ip)
		ls = append(ls, tcp)
	case layers.IPProtocolUDP:
		udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
		_ = udp.SetNetworkLayerForChecksum(ip)
		ls = append(ls, udp)
	case layers.IPProtocolICMPv4:
		ls = append(ls, &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0)})
	}
	ls = append(ls, gopacket.Payload(payload))
	return serialize(ls...)
}

// EthFrame builds an Ethernet header of type et followed by body.
func EthFrame(et layers.EthernetType, body []byte) []byte {
	eth := &layers.Ethernet{SrcMAC: HostMAC, DstMAC: PeerMAC, EthernetType: et}
	return serialize(eth, gopacket.Payload(body))
}

// Mutate returns a copy of frame with fn applied to its IPv4 header.
func Mutate(frame []byte, fn func(ip []byte)) []byte {
	out := append([]byte(nil), frame...)
	fn(out[isolation.EthHeaderLen:])
	return out
}

// Case is one classifier expectation. Only LearnedAddr is in the
// learned-address table when a case runs.
type Case struct {
	Name      string
	Frame     []byte
	Direction isolation.Direction
	Verdict   isolation.Verdict
	Reason    isolation.Reason
}

// Cases returns the frames every classifier implementation must agree on.
func Cases() []Case {
	tcpOut := IPv4Frame(HostAddr, LearnedAddr, layers.IPProtocolTCP, []byte("hello"))
	tcpIn := IPv4Frame(LearnedAddr, HostAddr, layers.IPProtocolTCP, []byte("hello"))
	// 14 + 20 + 20: a bare TCP SYN.
	bareTCP := IPv4Frame(HostAddr, LearnedAddr, layers.IPProtocolTCP, nil)
	udpOut := IPv4Frame(HostAddr, LearnedAddr, layers.IPProtocolUDP, []byte("q"))

	var arp []byte
	{
		a := &layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   HostMAC,
			SourceProtAddress: HostAddr.AsSlice(),
			DstHwAddress:      make([]byte, 6),
			DstProtAddress:    UnknownAddr.AsSlice(),
		}
		eth := &layers.Ethernet{SrcMAC: HostMAC, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP}
		arp = serialize(eth, a)
	}

	pass := isolation.VerdictPass
	drop := isolation.VerdictDrop
	eg, in := isolation.Egress, isolation.Ingress

	return []Case{
		{"arp request", arp, eg, pass, isolation.ReasonNone},
		{"arp zeroed payload", EthFrame(layers.EthernetTypeARP, make([]byte, 28)), in, pass, isolation.ReasonNone},
		{"arp header only", EthFrame(layers.EthernetTypeARP, nil), in, pass, isolation.ReasonNone},

		{"short ethernet header", tcpOut[:13], eg, drop, isolation.ReasonTruncated},
		{"ipv6", EthFrame(layers.EthernetTypeIPv6, tcpOut[isolation.EthHeaderLen:]), eg, drop, isolation.ReasonUnsupportedProtocol},
		{"vlan tagged", EthFrame(layers.EthernetTypeDot1Q, tcpOut[isolation.EthHeaderLen:]), eg, drop, isolation.ReasonUnsupportedProtocol},
		{"lldp", EthFrame(layers.EthernetTypeLinkLayerDiscovery, make([]byte, 64)), in, drop, isolation.ReasonUnsupportedProtocol},

		{"short ipv4 header", tcpOut[:isolation.EthHeaderLen+19], eg, drop, isolation.ReasonTruncated},
		{"version 6 in ipv4 frame", Mutate(tcpOut, func(ip []byte) { ip[0] = 0x65 }), eg, drop, isolation.ReasonBadVersion},
		{"ihl below minimum", Mutate(tcpOut, func(ip []byte) { ip[0] = 0x44 }), eg, drop, isolation.ReasonBadHeaderLength},
		{"ihl past end of packet", Mutate(tcpOut, func(ip []byte) { ip[0] = 0x4f }), eg, drop, isolation.ReasonBadHeaderLength},
		{"more fragments", Mutate(tcpOut, func(ip []byte) { ip[6] |= 0x20 }), eg, drop, isolation.ReasonFragment},
		{"fragment offset", Mutate(tcpOut, func(ip []byte) { ip[7] = 0x01 }), eg, drop, isolation.ReasonFragment},
		{"dont fragment only", Mutate(tcpOut, func(ip []byte) { ip[6] = 0x40 }), eg, pass, isolation.ReasonNone},
		{"tcp header behind long ihl", Mutate(bareTCP, func(ip []byte) { ip[0] = 0x4a }), eg, drop, isolation.ReasonTruncatedTransport},
		{"truncated udp header", udpOut[:isolation.EthHeaderLen+isolation.IPv4MinHeaderLen+4], eg, drop, isolation.ReasonTruncatedTransport},

		{"egress to learned", tcpOut, eg, pass, isolation.ReasonNone},
		{"egress udp to learned", udpOut, eg, pass, isolation.ReasonNone},
		{"egress icmp to learned", IPv4Frame(HostAddr, LearnedAddr, layers.IPProtocolICMPv4, nil), eg, pass, isolation.ReasonNone},
		{"egress to unknown", IPv4Frame(HostAddr, UnknownAddr, layers.IPProtocolTCP, nil), eg, drop, isolation.ReasonNotLearned},
		{"ingress from learned", tcpIn, in, pass, isolation.ReasonNone},
		{"ingress from unknown", IPv4Frame(UnknownAddr, HostAddr, layers.IPProtocolTCP, nil), in, drop, isolation.ReasonNotLearned},
		{"egress frame seen on ingress", tcpOut, in, drop, isolation.ReasonNotLearned},
	}
}
