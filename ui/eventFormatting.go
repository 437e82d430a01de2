// ui/eventFormatting.go
package ui

import (
	"bytes"
	"net/netip"
	"strconv"
	"sync"

	"hostisolation/isolation"
	"hostisolation/isolation/utility"

	"github.com/google/gopacket/layers"
)

const (
	timeColWidth     = 36 // width of the timestamp column
	kindColWidth     = 9  // "DROP", "LEARN", "DISARMED"
	dirColWidth      = 8  // "ingress" / "egress"
	endpointColWidth = 16 // width of each dotted-quad column
)

// pool holds reusable *bytes.Buffer instances
var bufPool = sync.Pool{
	New: func() interface{} {
		return new(bytes.Buffer)
	},
}

// FormatEventMsg builds a fixed-width line for the Events pane with minimal allocations.
func FormatEventMsg(ev isolation.Event) string {
	// Grab a buffer from the pool and reset it
	buf := bufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufPool.Put(buf)

	writePadded(buf, utility.FormatTime(ev.Time), timeColWidth)
	buf.WriteByte(' ')
	writePadded(buf, ev.Kind.String(), kindColWidth)

	switch ev.Kind {
	case isolation.EventArmed, isolation.EventDisarmed:
		// no packet attached
		return string(bytes.TrimRight(buf.Bytes(), " "))

	case isolation.EventLearned:
		buf.WriteString("pid ")
		buf.WriteString(strconv.FormatUint(uint64(ev.PID), 10))
		buf.WriteString(" -> ")
		buf.WriteString(addrString(ev.Dst))
		return buf.String()
	}

	writePadded(buf, ev.Direction.String(), dirColWidth)
	writePadded(buf, addrString(ev.Src), endpointColWidth)
	buf.WriteString("-> ")
	writePadded(buf, addrString(ev.Dst), endpointColWidth)
	buf.WriteString(ev.Reason.String())
	if ev.Reason == isolation.ReasonUnsupportedProtocol {
		buf.WriteString(" (")
		buf.WriteString(layers.EthernetType(ev.EtherType).String())
		buf.WriteByte(')')
	}
	return buf.String()
}

func addrString(a netip.Addr) string {
	if !a.IsValid() {
		return "-"
	}
	return a.String()
}

// writePadded writes s left-aligned in a field of width w
func writePadded(buf *bytes.Buffer, s string, w int) {
	buf.WriteString(s)
	writePadding(buf, w-len(s))
}

// writePadding writes n spaces (n ≤ 0 → no op)
func writePadding(buf *bytes.Buffer, n int) {
	for n > 0 {
		const chunk = "          " // 10 spaces
		if n >= len(chunk) {
			buf.WriteString(chunk)
			n -= len(chunk)
		} else {
			buf.WriteString(chunk[:n])
			return
		}
	}
}
