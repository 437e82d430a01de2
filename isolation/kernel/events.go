package kernel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sync"

	"hostisolation/isolation"
	"hostisolation/isolation/utility"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"
)

// rawEvent mirrors the event the programs assemble on their stack.
// Addresses keep their network byte order.
type rawEvent struct {
	Ts     uint64
	PID    uint32
	Saddr  [4]byte
	Daddr  [4]byte
	Proto  uint16
	Kind   uint8
	Reason uint8
	Dir    uint8
	_      [7]byte
}

func (r *rawEvent) event() isolation.Event {
	ev := isolation.Event{
		Time:      utility.BpfTime(r.Ts),
		Kind:      isolation.EventKind(r.Kind),
		Reason:    isolation.Reason(r.Reason),
		Direction: isolation.Direction(r.Dir),
		PID:       r.PID,
		EtherType: r.Proto,
	}
	if r.Saddr != [4]byte{} || r.Daddr != [4]byte{} || ev.Kind == isolation.EventLearned {
		ev.Src = netip.AddrFrom4(r.Saddr)
		ev.Dst = netip.AddrFrom4(r.Daddr)
	}
	return ev
}

func decodeEvent(sample []byte) (isolation.Event, error) {
	var raw rawEvent
	if err := binary.Read(bytes.NewReader(sample), binary.NativeEndian, &raw); err != nil {
		return isolation.Event{}, fmt.Errorf("decode event: %w", err)
	}
	return raw.event(), nil
}

// eventReader consumes the hostiso_events ring buffer.
type eventReader struct {
	rd       *ringbuf.Reader
	once     sync.Once
	closeErr error
}

func newEventReader(m *ebpf.Map) (*eventReader, error) {
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, fmt.Errorf("ringbuf reader: %w", err)
	}
	return &eventReader{rd: rd}, nil
}

func (r *eventReader) Read() (isolation.Event, error) {
	rec, err := r.rd.Read()
	if err != nil {
		if errors.Is(err, ringbuf.ErrClosed) {
			return isolation.Event{}, isolation.ErrEventsClosed
		}
		return isolation.Event{}, fmt.Errorf("ringbuf read: %w", err)
	}
	return decodeEvent(rec.RawSample)
}

func (r *eventReader) Close() error {
	r.once.Do(func() { r.closeErr = r.rd.Close() })
	return r.closeErr
}
