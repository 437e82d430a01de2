package kernel

import (
	"errors"
	"fmt"
	"io"
	"log"

	"hostisolation/isolation"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// attachTC binds prog to one side of the interface. TCX links are used
// where the kernel has them; older kernels get a direct-action filter on a
// clsact qdisc.
func attachTC(prog *ebpf.Program, ifindex int, dir isolation.Direction) (io.Closer, error) {
	attach := ebpf.AttachTCXIngress
	if dir == isolation.Egress {
		attach = ebpf.AttachTCXEgress
	}

	l, err := link.AttachTCX(link.TCXOptions{
		Interface: ifindex,
		Program:   prog,
		Attach:    attach,
	})
	if err == nil {
		return l, nil
	}
	if !errors.Is(err, ebpf.ErrNotSupported) {
		return nil, fmt.Errorf("attach tcx %s: %w", dir, err)
	}

	log.Printf("[kernel] tcx not supported, using clsact filter for %s", dir)
	return attachClsact(prog, ifindex, dir)
}

// clsactFilter is a netlink BPF filter owned by this process.
type clsactFilter struct {
	filter *netlink.BpfFilter
}

func (f *clsactFilter) Close() error {
	if err := netlink.FilterDel(f.filter); err != nil {
		return fmt.Errorf("delete filter: %w", err)
	}
	return nil
}

func attachClsact(prog *ebpf.Program, ifindex int, dir isolation.Direction) (io.Closer, error) {
	qdisc := &netlink.GenericQdisc{
		QdiscAttrs: netlink.QdiscAttrs{
			LinkIndex: ifindex,
			Handle:    netlink.MakeHandle(0xffff, 0),
			Parent:    netlink.HANDLE_CLSACT,
		},
		QdiscType: "clsact",
	}
	if err := netlink.QdiscReplace(qdisc); err != nil {
		return nil, fmt.Errorf("failed to add clsact qdisc: %w", err)
	}

	parent := uint32(netlink.HANDLE_MIN_INGRESS)
	if dir == isolation.Egress {
		parent = netlink.HANDLE_MIN_EGRESS
	}

	info, err := prog.Info()
	name := "hostiso_" + dir.String()
	if err == nil && info.Name != "" {
		name = info.Name
	}

	filter := &netlink.BpfFilter{
		FilterAttrs: netlink.FilterAttrs{
			LinkIndex: ifindex,
			Parent:    parent,
			Handle:    netlink.MakeHandle(0, 1),
			Protocol:  unix.ETH_P_ALL,
			Priority:  1,
		},
		Fd:           prog.FD(),
		Name:         name,
		DirectAction: true,
	}
	if err := netlink.FilterReplace(filter); err != nil {
		return nil, fmt.Errorf("failed to add %s filter: %w", dir, err)
	}
	return &clsactFilter{filter: filter}, nil
}
