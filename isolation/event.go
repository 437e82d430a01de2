package isolation

import (
	"net/netip"
	"time"

	"hostisolation/isolation/utility"
)

// EventKind identifies an isolation notification. Drop and Learned share
// their values with the kernel programs.
type EventKind uint8

const (
	EventDrop EventKind = iota + 1
	EventLearned
	EventArmed
	EventDisarmed
)

func (k EventKind) String() string {
	switch k {
	case EventDrop:
		return "DROP"
	case EventLearned:
		return "LEARN"
	case EventArmed:
		return "ARMED"
	case EventDisarmed:
		return "DISARMED"
	}
	return "UNKNOWN"
}

// Event is one notification published while isolation is armed.
// Src and Dst are invalid when the packet never reached the IPv4 header.
type Event struct {
	Time      time.Time
	Kind      EventKind
	Reason    Reason
	Direction Direction
	PID       uint32
	EtherType uint16
	Src       netip.Addr
	Dst       netip.Addr
}

// EventReader delivers events from an activation's tables.
type EventReader interface {
	// Read blocks for the next event. It returns ErrEventsClosed once
	// Close has been called.
	Read() (Event, error)
	Close() error
}

// Stats are the cumulative counters of one activation.
type Stats struct {
	Passed      utility.TrafficStat
	Dropped     utility.TrafficStat
	Learned     uint64
	LearnFailed uint64
}
