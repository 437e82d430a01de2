package audit

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"hostisolation/isolation"
	"hostisolation/isolation/testutil"
	"hostisolation/isolation/utility"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chanSource replays frames handed to it over a channel.
type chanSource struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newChanSource() *chanSource {
	return &chanSource{frames: make(chan []byte, 16), done: make(chan struct{})}
}

func (s *chanSource) ReadFrame(b []byte) (int, error) {
	select {
	case <-s.done:
		return 0, net.ErrClosed
	case f := <-s.frames:
		return copy(b, f), nil
	}
}

func (s *chanSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

type connTable struct {
	mu    sync.Mutex
	conns []utility.Connection
	err   error
}

func (c *connTable) set(conns ...utility.Connection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns = conns
}

func (c *connTable) list(context.Context) ([]utility.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]utility.Connection(nil), c.conns...), c.err
}

func testBackend(conns *connTable, src *chanSource) *Backend {
	return &Backend{
		iface:        &net.Interface{Name: "test0", Index: 1, HardwareAddr: testutil.HostMAC},
		pollInterval: 10 * time.Millisecond,
		connections:  conns.list,
		capture:      func(*net.Interface) (frameSource, error) { return src, nil },
	}
}

func TestObserverLearnsFromConnections(t *testing.T) {
	conns := &connTable{}
	conns.set(
		utility.Connection{PID: 10, Remote: testutil.LearnedAddr},
		utility.Connection{PID: 99, Remote: testutil.UnknownAddr},
	)
	b := testBackend(conns, newChanSource())

	tb, err := b.Open(isolation.DefaultTableConfig())
	require.NoError(t, err)
	defer tb.Close()
	require.NoError(t, tb.Processes().Insert(10))

	obs, err := b.AttachObserver(tb)
	require.NoError(t, err)
	defer obs.Close()

	// The first poll runs before AttachObserver returns.
	keys, err := tb.Addresses().Keys()
	require.NoError(t, err)
	assert.Equal(t, []uint32{mustKey(t, testutil.LearnedAddr)}, keys)

	ev, err := tb.Events().Read()
	require.NoError(t, err)
	assert.Equal(t, isolation.EventLearned, ev.Kind)
	assert.Equal(t, uint32(10), ev.PID)
	assert.Equal(t, testutil.LearnedAddr, ev.Dst)

	// Later polls keep learning.
	other := testutil.HostAddr
	conns.set(utility.Connection{PID: 10, Remote: other})
	assert.Eventually(t, func() bool {
		st, err := tb.Stats()
		return err == nil && st.Learned == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, tb.Addresses().Contains(mustKey(t, other)))
}

func TestObserverCountsCapacityFailures(t *testing.T) {
	conns := &connTable{}
	conns.set(
		utility.Connection{PID: 10, Remote: testutil.LearnedAddr},
		utility.Connection{PID: 10, Remote: testutil.UnknownAddr},
	)
	b := testBackend(conns, newChanSource())

	tb, err := b.Open(isolation.TableConfig{Processes: 1, Addresses: 1})
	require.NoError(t, err)
	defer tb.Close()
	require.NoError(t, tb.Processes().Insert(10))

	obs, err := b.AttachObserver(tb)
	require.NoError(t, err)
	require.NoError(t, obs.Close())

	st, err := tb.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Learned)
	assert.Equal(t, uint64(1), st.LearnFailed)
	assert.Nil(t, tb.Events(), "events disabled")
}

func TestObserverAttachFailure(t *testing.T) {
	conns := &connTable{err: errors.New("no /proc")}
	b := testBackend(conns, newChanSource())
	tb, err := b.Open(isolation.DefaultTableConfig())
	require.NoError(t, err)
	defer tb.Close()

	_, err = b.AttachObserver(tb)
	assert.Error(t, err)
}

func TestClassifierCountsWithoutDropping(t *testing.T) {
	src := newChanSource()
	b := testBackend(&connTable{}, src)
	tb, err := b.Open(isolation.DefaultTableConfig())
	require.NoError(t, err)
	defer tb.Close()
	require.NoError(t, tb.Addresses().Insert(mustKey(t, testutil.LearnedAddr)))

	cls, err := b.AttachClassifier(tb, isolation.Egress)
	require.NoError(t, err)

	// Sent by the host: egress. The second frame comes from the peer and
	// belongs to the ingress classifier.
	passed := testutil.IPv4Frame(testutil.HostAddr, testutil.LearnedAddr, layers.IPProtocolTCP, nil)
	dropped := testutil.IPv4Frame(testutil.HostAddr, testutil.UnknownAddr, layers.IPProtocolUDP, nil)
	fromPeer := testutil.Mutate(passed, func([]byte) {})
	copy(fromPeer[6:12], testutil.PeerMAC)

	src.frames <- passed
	src.frames <- fromPeer
	src.frames <- dropped

	ev, err := tb.Events().Read()
	require.NoError(t, err)
	assert.Equal(t, isolation.EventDrop, ev.Kind)
	assert.Equal(t, isolation.ReasonNotLearned, ev.Reason)
	assert.Equal(t, isolation.Egress, ev.Direction)
	assert.Equal(t, testutil.UnknownAddr, ev.Dst)

	require.NoError(t, cls.Close())
	st, err := tb.Stats()
	require.NoError(t, err)
	assert.Equal(t, utility.TrafficStat{Pkts: 1, Bytes: uint64(len(passed))}, st.Passed)
	assert.Equal(t, utility.TrafficStat{Pkts: 1, Bytes: uint64(len(dropped))}, st.Dropped)
}

func TestControllerWithAuditBackend(t *testing.T) {
	conns := &connTable{}
	conns.set(utility.Connection{PID: 10, Remote: testutil.LearnedAddr})
	b := testBackend(conns, newChanSource())

	c := isolation.NewController(b, isolation.Options{Interface: "test0"})
	_, err := c.SyncAllowedProcesses([]uint32{10})
	require.NoError(t, err)
	require.NoError(t, c.Arm(context.Background()))

	addrs, err := c.LearnedAddresses()
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{testutil.LearnedAddr}, addrs)

	c.Disarm()
	_, err = c.LearnedAddresses()
	assert.ErrorIs(t, err, isolation.ErrNotArmed)
}

func TestFrameDirection(t *testing.T) {
	frame := testutil.IPv4Frame(testutil.HostAddr, testutil.LearnedAddr, layers.IPProtocolTCP, nil)
	assert.Equal(t, isolation.Egress, frameDirection(frame, testutil.HostMAC))
	assert.Equal(t, isolation.Ingress, frameDirection(frame, testutil.PeerMAC))
	assert.Equal(t, isolation.Ingress, frameDirection(frame, nil))
	assert.Equal(t, isolation.Ingress, frameDirection(frame[:8], testutil.HostMAC))
}

func mustKey(t *testing.T, a netip.Addr) uint32 {
	t.Helper()
	k, ok := isolation.AddrKey(a)
	require.True(t, ok)
	return k
}
