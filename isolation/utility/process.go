// isolation/utility/process.go
package utility

import (
	"context"
	"fmt"
	"net/netip"
	"slices"

	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// ProcessResolver looks processes up through gopsutil.
type ProcessResolver struct{}

// PIDsByName returns the pids of every running process whose executable
// name matches one of names. Processes that vanish mid-scan are skipped.
func (ProcessResolver) PIDsByName(ctx context.Context, names []string) ([]uint32, error) {
	if len(names) == 0 {
		return nil, nil
	}

	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	pids := make([]uint32, 0, len(names))
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		if slices.Contains(names, name) {
			pids = append(pids, uint32(p.Pid))
		}
	}
	slices.Sort(pids)
	return pids, nil
}

// Connection is an outbound IPv4 TCP connection owned by a process.
type Connection struct {
	PID    uint32
	Remote netip.Addr
	Status string
}

// TCPConnections returns the outbound IPv4 TCP connections on the host.
// Connections accepted on a listening port are left out, since the owning
// process never connected to their peer. PID is the owning process (tgid).
func TCPConnections(ctx context.Context) ([]Connection, error) {
	conns, err := net.ConnectionsWithContext(ctx, "tcp4")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tcp4 connections: %w", err)
	}
	return outbound(conns), nil
}

func outbound(conns []net.ConnectionStat) []Connection {
	listening := make(map[uint32]struct{})
	for _, c := range conns {
		if c.Status == "LISTEN" {
			listening[c.Laddr.Port] = struct{}{}
		}
	}

	out := make([]Connection, 0, len(conns))
	seen := make(map[Connection]struct{}, len(conns))

	for _, c := range conns {
		if c.Pid <= 0 || c.Raddr.IP == "" {
			continue
		}
		if _, ok := listening[c.Laddr.Port]; ok {
			continue
		}
		addr, err := netip.ParseAddr(c.Raddr.IP)
		if err != nil || addr.IsUnspecified() {
			continue
		}
		conn := Connection{PID: uint32(c.Pid), Remote: addr, Status: c.Status}
		if _, ok := seen[conn]; ok {
			continue
		}
		seen[conn] = struct{}{}
		out = append(out, conn)
	}
	return out
}
