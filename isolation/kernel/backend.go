package kernel

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"

	"hostisolation/isolation"
	"hostisolation/isolation/utility"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
)

// Backend enforces isolation with a kprobe on tcp_v4_connect and a
// traffic-control classifier on one interface.
type Backend struct {
	iface   string
	ifindex int
}

// New resolves the interface the classifiers will be attached to.
func New(ifaceName string) (*Backend, error) {
	if strings.TrimSpace(ifaceName) == "" {
		return nil, fmt.Errorf("interface name is required")
	}

	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("lookup interface %q: %w", ifaceName, err)
	}
	return &Backend{iface: iface.Name, ifindex: iface.Index}, nil
}

func (b *Backend) Name() string { return "kernel" }

// Open loads a fresh collection. Programs are verified here, before
// anything is attached.
func (b *Backend) Open(cfg isolation.TableConfig) (isolation.Tables, error) {
	if !archSupported {
		return nil, fmt.Errorf("connect hook: %w on this architecture", ebpf.ErrNotSupported)
	}

	spec, err := NewCollectionSpec(cfg)
	if err != nil {
		return nil, err
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			log.Printf("[kernel] verifier log:\n%+v", verr)
		}
		return nil, fmt.Errorf("create collection: %w", err)
	}

	t := &tables{coll: coll}
	if t.procs, err = NewMapSet(coll.Maps[mapAllowedPIDs]); err != nil {
		coll.Close()
		return nil, err
	}
	if t.addrs, err = NewMapSet(coll.Maps[mapAllowedIPs]); err != nil {
		coll.Close()
		return nil, err
	}
	if cfg.Events {
		if t.rd, err = newEventReader(coll.Maps[mapEvents]); err != nil {
			coll.Close()
			return nil, err
		}
	}
	return t, nil
}

func (b *Backend) AttachObserver(t isolation.Tables) (io.Closer, error) {
	kt, err := ownTables(t)
	if err != nil {
		return nil, err
	}
	kp, err := link.Kprobe(connectSymbol, kt.coll.Programs[progConnect], nil)
	if err != nil {
		return nil, fmt.Errorf("kprobe %s: %w", connectSymbol, err)
	}
	log.Printf("[kernel] observer attached to %s", connectSymbol)
	return kp, nil
}

func (b *Backend) AttachClassifier(t isolation.Tables, dir isolation.Direction) (io.Closer, error) {
	kt, err := ownTables(t)
	if err != nil {
		return nil, err
	}
	l, err := attachTC(kt.coll.Programs[classifierProgram(dir)], b.ifindex, dir)
	if err != nil {
		return nil, err
	}
	log.Printf("[kernel] classifier attached to %s %s", b.iface, dir)
	return l, nil
}

func ownTables(t isolation.Tables) (*tables, error) {
	kt, ok := t.(*tables)
	if !ok {
		return nil, fmt.Errorf("tables of type %T were not opened by the kernel backend", t)
	}
	return kt, nil
}

// tables are the maps of one loaded collection.
type tables struct {
	coll  *ebpf.Collection // eBPF collection
	procs *MapSet          // allowed_pids
	addrs *MapSet          // allowed_ips
	rd    *eventReader     // hostiso_events, nil when disabled
}

func (t *tables) Processes() isolation.KeySet { return t.procs }
func (t *tables) Addresses() isolation.KeySet { return t.addrs }

func (t *tables) Events() isolation.EventReader {
	if t.rd == nil {
		return nil
	}
	return t.rd
}

// Stats sums the per-CPU counters.
func (t *tables) Stats() (isolation.Stats, error) {
	sumPerCPU := func(slot uint32) (utility.TrafficStat, error) {
		var percpu []statValue
		if err := t.coll.Maps[mapStats].Lookup(slot, &percpu); err != nil {
			return utility.TrafficStat{}, err
		}
		var sum utility.TrafficStat
		for _, v := range percpu {
			sum = sum.Add(utility.TrafficStat{Pkts: v.Packets, Bytes: v.Bytes})
		}
		return sum, nil
	}

	var (
		st  isolation.Stats
		err error
	)
	if st.Passed, err = sumPerCPU(statPass); err != nil {
		return st, err
	}
	if st.Dropped, err = sumPerCPU(statDrop); err != nil {
		return st, err
	}
	learned, err := sumPerCPU(statLearned)
	if err != nil {
		return st, err
	}
	failed, err := sumPerCPU(statLearnFailed)
	if err != nil {
		return st, err
	}
	st.Learned, st.LearnFailed = learned.Pkts, failed.Pkts
	return st, nil
}

// Close cleans up the ring buffer reader and the collection.
func (t *tables) Close() error {
	var err error
	if t.rd != nil {
		err = t.rd.Close()
	}
	if t.coll != nil {
		t.coll.Close()
	}
	return err
}
