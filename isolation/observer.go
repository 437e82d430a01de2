package isolation

import (
	"encoding/binary"
	"net/netip"
)

// Observation is the outcome of one observed connect attempt.
type Observation int

const (
	ObservedNotAllowed       Observation = iota // caller not in the process table
	ObservedIgnored                             // not an IPv4 destination
	ObservedKnown                               // destination already learned
	ObservedLearned                             // destination added
	ObservedCapacityExceeded                    // address table full, nothing learned
)

func (o Observation) String() string {
	switch o {
	case ObservedNotAllowed:
		return "not-allowed"
	case ObservedIgnored:
		return "ignored"
	case ObservedKnown:
		return "known"
	case ObservedLearned:
		return "learned"
	case ObservedCapacityExceeded:
		return "capacity-exceeded"
	}
	return "unknown"
}

// sin_addr sits after sin_family and sin_port in struct sockaddr_in.
const sockaddrInAddrOffset = 4

// Observer learns the destinations of connections made by allow-listed
// processes. It only reads Processes and only adds to Addresses.
type Observer struct {
	Processes AddressLookup
	Addresses KeySet
}

// Observe handles a connect request carrying a raw struct sockaddr_in.
// An unreadable or short address structure is treated as address 0.
func (o *Observer) Observe(pid uint32, sockaddr []byte) Observation {
	var key uint32
	if len(sockaddr) >= sockaddrInAddrOffset+4 {
		key = binary.NativeEndian.Uint32(sockaddr[sockaddrInAddrOffset:])
	}
	return o.observe(pid, key)
}

// ObserveAddr handles a connect to addr. Non-IPv4 destinations are ignored.
func (o *Observer) ObserveAddr(pid uint32, addr netip.Addr) Observation {
	key, ok := AddrKey(addr)
	if !ok {
		return ObservedIgnored
	}
	return o.observe(pid, key)
}

func (o *Observer) observe(pid, key uint32) Observation {
	if !o.Processes.Contains(pid) {
		return ObservedNotAllowed
	}
	if o.Addresses.Contains(key) {
		return ObservedKnown
	}
	// Any insert failure only costs the learning opportunity.
	if err := o.Addresses.Insert(key); err != nil {
		return ObservedCapacityExceeded
	}
	return ObservedLearned
}
