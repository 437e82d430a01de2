package isolation_test

import (
	"net/netip"
	"sync"
	"testing"

	"hostisolation/isolation"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddrKeyRoundTrip(t *testing.T) {
	for _, s := range []string{"0.0.0.0", "10.1.2.3", "203.0.113.7", "255.255.255.255"} {
		a := netip.MustParseAddr(s)
		k, ok := isolation.AddrKey(a)
		require.True(t, ok, s)
		assert.Equal(t, a, isolation.KeyAddr(k))
	}
	_, ok := isolation.AddrKey(netip.MustParseAddr("2001:db8::1"))
	assert.False(t, ok)
}

func TestMemorySetCapacity(t *testing.T) {
	s := isolation.NewMemorySet(2, isolation.EvictNone)
	require.NoError(t, s.Insert(1))
	require.NoError(t, s.Insert(2))
	require.NoError(t, s.Insert(2), "re-inserting a member is a no-op")

	err := s.Insert(3)
	require.ErrorIs(t, err, isolation.ErrCapacity)
	assert.False(t, s.Contains(3))

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 2}, keys)

	require.NoError(t, s.Delete(1))
	require.NoError(t, s.Delete(1), "deleting an absent key is not an error")
	require.NoError(t, s.Insert(3))
	assert.Equal(t, 2, s.Len())
	assert.Equal(t, 2, s.Capacity())
}

func TestMemorySetLRU(t *testing.T) {
	s := isolation.NewMemorySet(3, isolation.EvictLRU)
	for k := uint32(1); k <= 3; k++ {
		require.NoError(t, s.Insert(k))
	}
	// 1 becomes the most recently used; 2 is now the oldest.
	assert.True(t, s.Contains(1))

	require.NoError(t, s.Insert(4))
	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 3, 4}, keys)
}

func TestMemorySetConcurrent(t *testing.T) {
	s := isolation.NewMemorySet(64, isolation.EvictNone)
	var wg sync.WaitGroup
	for w := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := range 32 {
				_ = s.Insert(uint32(w*32 + i))
			}
		}()
		go func() {
			defer wg.Done()
			for i := range 256 {
				s.Contains(uint32(i))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 64, s.Len())
	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 64)
}

func TestParseEviction(t *testing.T) {
	for in, want := range map[string]isolation.Eviction{"": isolation.EvictNone, "none": isolation.EvictNone, "LRU": isolation.EvictLRU} {
		got, err := isolation.ParseEviction(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := isolation.ParseEviction("fifo")
	assert.Error(t, err)
}
