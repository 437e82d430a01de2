package kernel

import (
	"errors"
	"fmt"
	"slices"

	"hostisolation/isolation"

	"github.com/cilium/ebpf"
	"golang.org/x/sys/unix"
)

// MapSet is an isolation.KeySet backed by a BPF hash map with 4-byte keys.
// The kernel hash map gives the hooks lock-free lookups; this type is the
// userspace side of the same table.
type MapSet struct {
	m *ebpf.Map
}

// NewMapSet wraps m, which must have 4-byte keys and values.
func NewMapSet(m *ebpf.Map) (*MapSet, error) {
	if m.KeySize() != 4 || m.ValueSize() != 4 {
		return nil, fmt.Errorf("map %s: want 4-byte keys and values, have %d/%d", m, m.KeySize(), m.ValueSize())
	}
	return &MapSet{m: m}, nil
}

func (s *MapSet) Contains(key uint32) bool {
	var v uint32
	return s.m.Lookup(key, &v) == nil
}

func (s *MapSet) Insert(key uint32) error {
	var one uint32 = 1
	err := s.m.Update(key, one, ebpf.UpdateAny)
	if errors.Is(err, unix.E2BIG) {
		return fmt.Errorf("insert %d into %s: %w", key, s.m, isolation.ErrCapacity)
	}
	if err != nil {
		return fmt.Errorf("insert %d into %s: %w", key, s.m, err)
	}
	return nil
}

func (s *MapSet) Delete(key uint32) error {
	err := s.m.Delete(key)
	if err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return fmt.Errorf("delete %d from %s: %w", key, s.m, err)
	}
	return nil
}

func (s *MapSet) Keys() ([]uint32, error) {
	var (
		keys []uint32
		key  uint32
		val  uint32
	)
	it := s.m.Iterate()
	for it.Next(&key, &val) {
		keys = append(keys, key)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", s.m, err)
	}
	slices.Sort(keys)
	return keys, nil
}

func (s *MapSet) Capacity() int {
	return int(s.m.MaxEntries())
}
