package isolation_test

import (
	"testing"

	"hostisolation/isolation"
	"hostisolation/isolation/testutil"

	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func learnedSet(t *testing.T) *isolation.MemorySet {
	t.Helper()
	s := isolation.NewMemorySet(16, isolation.EvictNone)
	key, ok := isolation.AddrKey(testutil.LearnedAddr)
	require.True(t, ok)
	require.NoError(t, s.Insert(key))
	return s
}

func TestClassify(t *testing.T) {
	learned := learnedSet(t)
	for _, tc := range testutil.Cases() {
		t.Run(tc.Name, func(t *testing.T) {
			d := isolation.Classify(tc.Frame, tc.Direction, learned)
			assert.Equal(t, tc.Verdict, d.Verdict)
			assert.Equal(t, tc.Reason, d.Reason)
			assert.Equal(t, len(tc.Frame), d.View.Length)
		})
	}
}

func TestClassifyNonIPAlwaysDrops(t *testing.T) {
	learned := learnedSet(t)
	// An IPv4 packet to a learned address, re-tagged with every other EtherType.
	body := testutil.IPv4Frame(testutil.HostAddr, testutil.LearnedAddr, layers.IPProtocolTCP, nil)[isolation.EthHeaderLen:]
	for _, et := range []layers.EthernetType{
		layers.EthernetTypeIPv6,
		layers.EthernetTypeDot1Q,
		layers.EthernetTypeQinQ,
		layers.EthernetTypeMPLSUnicast,
		layers.EthernetTypePPPoESession,
		layers.EthernetTypeLLC,
		0x0000,
		0xffff,
	} {
		for _, dir := range []isolation.Direction{isolation.Ingress, isolation.Egress} {
			d := isolation.Classify(testutil.EthFrame(et, body), dir, learned)
			assert.Equal(t, isolation.VerdictDrop, d.Verdict, "%s %s", et, dir)
			assert.Equal(t, isolation.ReasonUnsupportedProtocol, d.Reason, "%s %s", et, dir)
		}
	}
}

func TestClassifyFragmentsOfLearnedPeer(t *testing.T) {
	learned := learnedSet(t)
	frame := testutil.IPv4Frame(testutil.HostAddr, testutil.LearnedAddr, layers.IPProtocolUDP, []byte("payload"))
	require.Equal(t, isolation.VerdictPass, isolation.Classify(frame, isolation.Egress, learned).Verdict)

	for _, frag := range []uint16{0x2000, 0x0001, 0x1fff, 0x2001, 0x6000} {
		f := testutil.Mutate(frame, func(ip []byte) {
			ip[6], ip[7] = byte(frag>>8), byte(frag)
		})
		d := isolation.Classify(f, isolation.Egress, learned)
		assert.Equal(t, isolation.ReasonFragment, d.Reason, "frag field %#04x", frag)
	}
}

func TestClassifyView(t *testing.T) {
	frame := testutil.IPv4Frame(testutil.HostAddr, testutil.UnknownAddr, layers.IPProtocolUDP, nil)
	d := isolation.Classify(frame, isolation.Egress, isolation.NewMemorySet(1, isolation.EvictNone))

	assert.Equal(t, isolation.ReasonNotLearned, d.Reason)
	assert.Equal(t, isolation.EtherTypeIPv4, d.View.EtherType)
	assert.Equal(t, isolation.IPv4MinHeaderLen, d.View.HeaderLen)
	assert.Equal(t, layers.IPProtocolUDP, d.View.Protocol)
	assert.Equal(t, testutil.HostAddr, d.View.Src)
	assert.Equal(t, testutil.UnknownAddr, d.View.Dst)
}

func TestClassifyNeverWritesLearned(t *testing.T) {
	learned := learnedSet(t)
	before, err := learned.Keys()
	require.NoError(t, err)

	for _, tc := range testutil.Cases() {
		isolation.Classify(tc.Frame, tc.Direction, learned)
	}
	after, err := learned.Keys()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestVerdictCodes(t *testing.T) {
	assert.Equal(t, int32(-1), isolation.VerdictPass.Code())
	assert.Equal(t, int32(2), isolation.VerdictDrop.Code())

	v, ok := isolation.VerdictFromCode(isolation.TCActUnspec)
	assert.True(t, ok)
	assert.Equal(t, isolation.VerdictPass, v)
	v, ok = isolation.VerdictFromCode(isolation.TCActShot)
	assert.True(t, ok)
	assert.Equal(t, isolation.VerdictDrop, v)

	for _, code := range []int32{0, 1, 3, 7} {
		_, ok := isolation.VerdictFromCode(code)
		assert.False(t, ok, "code %d", code)
	}
}

func TestParseDirection(t *testing.T) {
	d, err := isolation.ParseDirection(" Egress ")
	require.NoError(t, err)
	assert.Equal(t, isolation.Egress, d)

	_, err = isolation.ParseDirection("sideways")
	assert.Error(t, err)
}
