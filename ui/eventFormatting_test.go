package ui

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"hostisolation/isolation"
	"hostisolation/isolation/utility"

	"github.com/stretchr/testify/assert"
)

func TestFormatEventMsgDrop(t *testing.T) {
	ev := isolation.Event{
		Time:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Kind:      isolation.EventDrop,
		Reason:    isolation.ReasonNotLearned,
		Direction: isolation.Egress,
		EtherType: isolation.EtherTypeIPv4,
		Src:       netip.MustParseAddr("192.0.2.10"),
		Dst:       netip.MustParseAddr("198.51.100.99"),
	}
	msg := FormatEventMsg(ev)

	assert.True(t, strings.HasPrefix(msg, utility.FormatTime(ev.Time)))
	fields := strings.Fields(msg)
	assert.Equal(t, []string{"DROP", "egress", "192.0.2.10", "->", "198.51.100.99", "not-learned"}, fields[1:])
}

func TestFormatEventMsgUnsupportedProtocol(t *testing.T) {
	msg := FormatEventMsg(isolation.Event{
		Kind:      isolation.EventDrop,
		Reason:    isolation.ReasonUnsupportedProtocol,
		Direction: isolation.Ingress,
		EtherType: 0x86dd,
	})
	assert.Contains(t, msg, "- ")
	assert.True(t, strings.HasSuffix(msg, "unsupported-protocol (IPv6)"), msg)
}

func TestFormatEventMsgLearnedAndState(t *testing.T) {
	msg := FormatEventMsg(isolation.Event{
		Kind: isolation.EventLearned,
		PID:  4242,
		Dst:  netip.MustParseAddr("203.0.113.7"),
	})
	assert.True(t, strings.HasSuffix(msg, "LEARN    pid 4242 -> 203.0.113.7"), msg)

	msg = FormatEventMsg(isolation.Event{Kind: isolation.EventArmed})
	assert.True(t, strings.HasSuffix(msg, "ARMED"), msg)
}

func TestFormatCounter(t *testing.T) {
	assert.Equal(t, "1,234,567 Pkts\n(98,765 B)", FormatCounter(utility.TrafficStat{Pkts: 1234567, Bytes: 98765}))
}
