package isolation

import (
	"encoding/binary"
	"fmt"
	"net/netip"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

// AddressLookup is the read side of the learned-address table.
type AddressLookup interface {
	Contains(key uint32) bool
}

// KeySet is a fixed-capacity set of 32-bit keys shared between the hooks
// and the controller. Contains never blocks on Insert.
type KeySet interface {
	AddressLookup
	// Insert adds key. Inserting a present key is a no-op. A full table
	// returns an error wrapping ErrCapacity and keeps its entries.
	Insert(key uint32) error
	// Delete removes key; deleting an absent key is not an error.
	Delete(key uint32) error
	// Keys returns the current members in ascending order.
	Keys() ([]uint32, error)
	Capacity() int
}

// AddrKey returns the table key for an IPv4 address: its four bytes in
// network order read as a native-endian integer, the same bytes the
// kernel stores. IPv4-mapped IPv6 addresses are unmapped first.
func AddrKey(addr netip.Addr) (uint32, bool) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return 0, false
	}
	b := addr.As4()
	return binary.NativeEndian.Uint32(b[:]), true
}

// KeyAddr is the inverse of AddrKey.
func KeyAddr(key uint32) netip.Addr {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], key)
	return netip.AddrFrom4(b)
}

// Eviction selects what happens when the learned-address table is full.
type Eviction int

const (
	// EvictNone rejects new entries once full; learning stops.
	EvictNone Eviction = iota
	// EvictLRU replaces the least recently used entry.
	EvictLRU
)

func (e Eviction) String() string {
	if e == EvictLRU {
		return "lru"
	}
	return "none"
}

// ParseEviction accepts "none" (or "") and "lru".
func ParseEviction(s string) (Eviction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return EvictNone, nil
	case "lru":
		return EvictLRU, nil
	}
	return EvictNone, fmt.Errorf("unknown eviction policy %q", s)
}

// MemorySet is the in-process KeySet used by the audit backend.
// Lookups go through a sync.Map and an atomic stamp, so readers never take
// the insert lock.
type MemorySet struct {
	capacity int
	eviction Eviction

	entries sync.Map // uint32 -> *atomic.Uint64 (last use)
	size    atomic.Int64
	clock   atomic.Uint64

	insertMu sync.Mutex
}

// NewMemorySet returns an empty set holding at most capacity keys.
func NewMemorySet(capacity int, eviction Eviction) *MemorySet {
	return &MemorySet{capacity: capacity, eviction: eviction}
}

func (s *MemorySet) Contains(key uint32) bool {
	v, ok := s.entries.Load(key)
	if ok && s.eviction == EvictLRU {
		v.(*atomic.Uint64).Store(s.clock.Add(1))
	}
	return ok
}

func (s *MemorySet) Insert(key uint32) error {
	if s.Contains(key) {
		return nil
	}

	s.insertMu.Lock()
	defer s.insertMu.Unlock()

	if _, ok := s.entries.Load(key); ok {
		return nil
	}
	if int(s.size.Load()) >= s.capacity {
		if s.eviction != EvictLRU || !s.evictOldest() {
			return fmt.Errorf("insert %d: %w (%d entries)", key, ErrCapacity, s.capacity)
		}
	}

	stamp := new(atomic.Uint64)
	stamp.Store(s.clock.Add(1))
	s.entries.Store(key, stamp)
	s.size.Add(1)
	return nil
}

// evictOldest must be called with insertMu held.
func (s *MemorySet) evictOldest() bool {
	var (
		victim uint32
		oldest uint64
		found  bool
	)
	s.entries.Range(func(k, v any) bool {
		used := v.(*atomic.Uint64).Load()
		if !found || used < oldest {
			victim, oldest, found = k.(uint32), used, true
		}
		return true
	})
	if !found {
		return false
	}
	s.entries.Delete(victim)
	s.size.Add(-1)
	return true
}

func (s *MemorySet) Delete(key uint32) error {
	s.insertMu.Lock()
	defer s.insertMu.Unlock()

	if _, loaded := s.entries.LoadAndDelete(key); loaded {
		s.size.Add(-1)
	}
	return nil
}

func (s *MemorySet) Keys() ([]uint32, error) {
	keys := make([]uint32, 0, s.Len())
	s.entries.Range(func(k, _ any) bool {
		keys = append(keys, k.(uint32))
		return true
	})
	slices.Sort(keys)
	return keys, nil
}

// Len returns the number of members.
func (s *MemorySet) Len() int {
	return int(s.size.Load())
}

func (s *MemorySet) Capacity() int {
	return s.capacity
}
