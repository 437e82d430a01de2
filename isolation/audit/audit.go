// Package audit runs the isolation hooks in userspace without enforcing
// them. The observer polls the connection table and the classifier sees
// copies of the interface traffic, so the counters and events show what
// enforcement would do while every packet still flows.
package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"hostisolation/isolation"
	"hostisolation/isolation/utility"
)

// ConnectionLister reports the host's outbound IPv4 TCP connections.
type ConnectionLister func(ctx context.Context) ([]utility.Connection, error)

// Backend is the userspace isolation.Backend.
type Backend struct {
	iface        *net.Interface
	pollInterval time.Duration
	connections  ConnectionLister
	capture      captureFunc
}

// New returns an audit backend for ifaceName that polls connections every
// pollInterval.
func New(ifaceName string, pollInterval time.Duration) (*Backend, error) {
	iface, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("lookup interface %q: %w", ifaceName, err)
	}
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Backend{
		iface:        iface,
		pollInterval: pollInterval,
		connections:  utility.TCPConnections,
		capture:      listenPacket,
	}, nil
}

func (b *Backend) Name() string { return "audit" }

func (b *Backend) Open(cfg isolation.TableConfig) (isolation.Tables, error) {
	if cfg.Processes <= 0 || cfg.Addresses <= 0 {
		return nil, fmt.Errorf("table capacities must be positive (processes=%d, addresses=%d)",
			cfg.Processes, cfg.Addresses)
	}
	t := &tables{
		procs: isolation.NewMemorySet(cfg.Processes, isolation.EvictNone),
		addrs: isolation.NewMemorySet(cfg.Addresses, cfg.Eviction),
	}
	if cfg.Events {
		t.events = newChanReader(256)
	}
	return t, nil
}

func (b *Backend) AttachObserver(t isolation.Tables) (io.Closer, error) {
	at, err := ownTables(t)
	if err != nil {
		return nil, err
	}
	obs := &isolation.Observer{Processes: at.procs, Addresses: at.addrs}

	// First poll runs synchronously so failures surface as attach errors.
	if err := b.poll(context.Background(), at, obs); err != nil {
		return nil, err
	}
	return startWorker(func(ctx context.Context) {
		ticker := time.NewTicker(b.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := b.poll(ctx, at, obs); err != nil && ctx.Err() == nil {
					log.Printf("[audit] poll connections: %v", err)
				}
			}
		}
	}), nil
}

func (b *Backend) poll(ctx context.Context, t *tables, obs *isolation.Observer) error {
	conns, err := b.connections(ctx)
	if err != nil {
		return err
	}
	for _, c := range conns {
		switch obs.ObserveAddr(c.PID, c.Remote) {
		case isolation.ObservedLearned:
			t.learned.Add(1)
			t.publish(isolation.Event{
				Time:      time.Now(),
				Kind:      isolation.EventLearned,
				Direction: isolation.Egress,
				PID:       c.PID,
				EtherType: isolation.EtherTypeIPv4,
				Dst:       c.Remote.Unmap(),
			})
		case isolation.ObservedCapacityExceeded:
			t.learnFailed.Add(1)
		}
	}
	return nil
}

func (b *Backend) AttachClassifier(t isolation.Tables, dir isolation.Direction) (io.Closer, error) {
	at, err := ownTables(t)
	if err != nil {
		return nil, err
	}
	src, err := b.capture(b.iface)
	if err != nil {
		return nil, fmt.Errorf("capture on %s: %w", b.iface.Name, err)
	}

	w := startWorker(func(ctx context.Context) {
		buf := make([]byte, 1<<16)
		for {
			n, err := src.ReadFrame(buf)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
					log.Printf("[audit] capture %s: %v", dir, err)
				}
				return
			}
			frame := buf[:n]
			if frameDirection(frame, b.iface.HardwareAddr) != dir {
				continue
			}
			at.classify(frame, dir)
		}
	})
	w.closeFirst = src
	return w, nil
}

func ownTables(t isolation.Tables) (*tables, error) {
	at, ok := t.(*tables)
	if !ok {
		return nil, fmt.Errorf("tables of type %T were not opened by the audit backend", t)
	}
	return at, nil
}

// tables hold the in-memory state of one audit activation.
type tables struct {
	procs  *isolation.MemorySet
	addrs  *isolation.MemorySet
	events *chanReader

	passPkts, passBytes atomic.Uint64
	dropPkts, dropBytes atomic.Uint64
	learned             atomic.Uint64
	learnFailed         atomic.Uint64
}

func (t *tables) Processes() isolation.KeySet { return t.procs }
func (t *tables) Addresses() isolation.KeySet { return t.addrs }

func (t *tables) Events() isolation.EventReader {
	if t.events == nil {
		return nil
	}
	return t.events
}

func (t *tables) Stats() (isolation.Stats, error) {
	return isolation.Stats{
		Passed:      utility.TrafficStat{Pkts: t.passPkts.Load(), Bytes: t.passBytes.Load()},
		Dropped:     utility.TrafficStat{Pkts: t.dropPkts.Load(), Bytes: t.dropBytes.Load()},
		Learned:     t.learned.Load(),
		LearnFailed: t.learnFailed.Load(),
	}, nil
}

func (t *tables) Close() error {
	if t.events != nil {
		return t.events.Close()
	}
	return nil
}

func (t *tables) classify(frame []byte, dir isolation.Direction) isolation.Decision {
	d := isolation.Classify(frame, dir, t.addrs)
	if d.Verdict == isolation.VerdictPass {
		t.passPkts.Add(1)
		t.passBytes.Add(uint64(len(frame)))
		return d
	}

	t.dropPkts.Add(1)
	t.dropBytes.Add(uint64(len(frame)))
	t.publish(isolation.Event{
		Time:      time.Now(),
		Kind:      isolation.EventDrop,
		Reason:    d.Reason,
		Direction: dir,
		EtherType: d.View.EtherType,
		Src:       d.View.Src,
		Dst:       d.View.Dst,
	})
	return d
}

func (t *tables) publish(ev isolation.Event) {
	if t.events != nil {
		t.events.publish(ev)
	}
}

// chanReader is an isolation.EventReader over a buffered channel.
type chanReader struct {
	ch   chan isolation.Event
	done chan struct{}
	once sync.Once
}

func newChanReader(size int) *chanReader {
	return &chanReader{ch: make(chan isolation.Event, size), done: make(chan struct{})}
}

func (r *chanReader) publish(ev isolation.Event) {
	select {
	case <-r.done:
	case r.ch <- ev:
	default:
	}
}

func (r *chanReader) Read() (isolation.Event, error) {
	select {
	case <-r.done:
		return isolation.Event{}, isolation.ErrEventsClosed
	case ev := <-r.ch:
		return ev, nil
	}
}

func (r *chanReader) Close() error {
	r.once.Do(func() { close(r.done) })
	return nil
}

// worker is a goroutine owned by an attached hook.
type worker struct {
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	closeFirst io.Closer // unblocks the worker, may be nil
}

func startWorker(run func(ctx context.Context)) *worker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{cancel: cancel}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		run(ctx)
	}()
	return w
}

// Close stops the worker and waits for it.
func (w *worker) Close() error {
	w.cancel()
	var err error
	if w.closeFirst != nil {
		err = w.closeFirst.Close()
	}
	w.wg.Wait()
	return err
}
