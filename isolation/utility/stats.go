package utility

// TrafficStat is a packet/byte counter pair.
type TrafficStat struct {
	Pkts  uint64
	Bytes uint64
}

// Add returns the element-wise sum of s and o.
func (s TrafficStat) Add(o TrafficStat) TrafficStat {
	return TrafficStat{Pkts: s.Pkts + o.Pkts, Bytes: s.Bytes + o.Bytes}
}
