package audit

import (
	"bytes"
	"net"

	"hostisolation/isolation"

	"github.com/mdlayher/packet"
	"golang.org/x/sys/unix"
)

// frameSource yields raw Ethernet frames.
type frameSource interface {
	ReadFrame(b []byte) (int, error)
	Close() error
}

type captureFunc func(iface *net.Interface) (frameSource, error)

// packetSource reads every frame crossing an interface, outgoing ones
// included, from an AF_PACKET socket.
type packetSource struct {
	conn *packet.Conn
}

func listenPacket(iface *net.Interface) (frameSource, error) {
	conn, err := packet.Listen(iface, packet.Raw, unix.ETH_P_ALL, nil)
	if err != nil {
		return nil, err
	}
	return &packetSource{conn: conn}, nil
}

func (s *packetSource) ReadFrame(b []byte) (int, error) {
	n, _, err := s.conn.ReadFrom(b)
	return n, err
}

func (s *packetSource) Close() error { return s.conn.Close() }

// frameDirection reports Egress for frames sent from the interface's own
// hardware address and Ingress for everything else.
func frameDirection(frame []byte, hw net.HardwareAddr) isolation.Direction {
	if len(hw) == 6 && len(frame) >= 12 && bytes.Equal(frame[6:12], hw) {
		return isolation.Egress
	}
	return isolation.Ingress
}
