package kernel

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net/netip"
	"testing"

	"hostisolation/isolation"
	"hostisolation/isolation/testutil"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// loadTables opens a real collection, skipping when the kernel refuses.
func loadTables(t *testing.T, cfg isolation.TableConfig) *tables {
	t.Helper()
	if err := rlimit.RemoveMemlock(); err != nil {
		t.Skipf("remove memlock: %v", err)
	}
	if !archSupported {
		t.Skip("connect hook not supported on this architecture")
	}
	b := &Backend{iface: "test"}
	tb, err := b.Open(cfg)
	if errors.Is(err, unix.EPERM) || errors.Is(err, ebpf.ErrNotSupported) {
		t.Skipf("loading programs requires privileges: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(func() { tb.Close() })
	return tb.(*tables)
}

func TestClassifierProgramsMatchClassify(t *testing.T) {
	kt := loadTables(t, isolation.DefaultTableConfig())

	key, ok := isolation.AddrKey(testutil.LearnedAddr)
	require.True(t, ok)
	require.NoError(t, kt.addrs.Insert(key))

	var wantPass, wantDrop uint64
	for _, tc := range testutil.Cases() {
		if !kernelRunnable(tc.Frame) {
			continue
		}
		t.Run(tc.Name, func(t *testing.T) {
			prog := kt.coll.Programs[classifierProgram(tc.Direction)]
			ret, err := prog.Run(&ebpf.RunOptions{Data: tc.Frame})
			require.NoError(t, err)

			got, ok := isolation.VerdictFromCode(int32(ret))
			require.True(t, ok, "unexpected return code %d", int32(ret))
			assert.Equal(t, tc.Verdict, got)
			assert.Equal(t, tc.Verdict, isolation.Classify(tc.Frame, tc.Direction, kt.addrs).Verdict)
		})
		if tc.Verdict == isolation.VerdictPass {
			wantPass++
		} else {
			wantDrop++
		}
	}

	st, err := kt.Stats()
	require.NoError(t, err)
	assert.Equal(t, wantPass, st.Passed.Pkts)
	assert.Equal(t, wantDrop, st.Dropped.Pkts)
	assert.NotZero(t, st.Dropped.Bytes)
}

// kernelRunnable reports whether BPF_PROG_TEST_RUN accepts frame. The kernel
// rejects skbs shorter than an Ethernet header, and IPv4 skbs shorter than
// the minimal IPv4 header. Those branches are covered by TestClassify.
func kernelRunnable(frame []byte) bool {
	if len(frame) < isolation.EthHeaderLen {
		return false
	}
	if binary.BigEndian.Uint16(frame[12:14]) == uint16(layers.EthernetTypeIPv4) {
		return len(frame) >= isolation.EthHeaderLen+isolation.IPv4MinHeaderLen
	}
	return true
}

func TestKernelRunnable(t *testing.T) {
	for _, tc := range testutil.Cases() {
		if tc.Name == "short ipv4 header" {
			assert.False(t, kernelRunnable(tc.Frame), tc.Name)
		}
	}
	assert.True(t, kernelRunnable(testutil.IPv4Frame(testutil.HostAddr, testutil.LearnedAddr, layers.IPProtocolTCP, nil)))
	assert.False(t, kernelRunnable(make([]byte, isolation.EthHeaderLen-1)))
}

func TestMapSetCapacity(t *testing.T) {
	kt := loadTables(t, isolation.TableConfig{Processes: 2, Addresses: 2})

	require.NoError(t, kt.procs.Insert(1))
	require.NoError(t, kt.procs.Insert(2))
	require.NoError(t, kt.procs.Insert(2))
	assert.ErrorIs(t, kt.procs.Insert(3), isolation.ErrCapacity)
	assert.False(t, kt.procs.Contains(3))

	keys, err := kt.procs.Keys()
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, keys)

	require.NoError(t, kt.procs.Delete(1))
	require.NoError(t, kt.procs.Delete(1))
	assert.Equal(t, 2, kt.procs.Capacity())
}

func TestDecodeEvent(t *testing.T) {
	raw := rawEvent{
		Ts:     1_000,
		PID:    0,
		Saddr:  testutil.HostAddr.As4(),
		Daddr:  testutil.UnknownAddr.As4(),
		Proto:  isolation.EtherTypeIPv4,
		Kind:   uint8(isolation.EventDrop),
		Reason: uint8(isolation.ReasonNotLearned),
		Dir:    uint8(isolation.Egress),
	}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.NativeEndian, raw))
	require.Equal(t, eventSize, buf.Len())

	ev, err := decodeEvent(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, isolation.EventDrop, ev.Kind)
	assert.Equal(t, isolation.ReasonNotLearned, ev.Reason)
	assert.Equal(t, isolation.Egress, ev.Direction)
	assert.Equal(t, testutil.HostAddr, ev.Src)
	assert.Equal(t, testutil.UnknownAddr, ev.Dst)

	// A drop before the IPv4 header carries no addresses.
	raw = rawEvent{Kind: uint8(isolation.EventDrop), Reason: uint8(isolation.ReasonUnsupportedProtocol), Proto: 0x86dd}
	buf.Reset()
	require.NoError(t, binary.Write(&buf, binary.NativeEndian, raw))
	ev, err = decodeEvent(buf.Bytes())
	require.NoError(t, err)
	assert.False(t, ev.Src.IsValid())
	assert.Equal(t, uint16(0x86dd), ev.EtherType)

	_, err = decodeEvent([]byte{1, 2, 3})
	assert.Error(t, err)
}

func TestDecodeLearnedEventToUnspecified(t *testing.T) {
	raw := rawEvent{Kind: uint8(isolation.EventLearned), PID: 42}
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.NativeEndian, raw))

	ev, err := decodeEvent(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(42), ev.PID)
	assert.Equal(t, netip.IPv4Unspecified(), ev.Dst)
}
