package isolation

import (
	"context"
	"maps"
	"slices"
	"sync"
)

// ProcessResolver maps executable names to running pids.
type ProcessResolver interface {
	PIDsByName(ctx context.Context, names []string) ([]uint32, error)
}

// Policy is the externally supplied allow-list: explicit pids plus
// executable names that are resolved on every refresh.
type Policy struct {
	mu    sync.Mutex
	pids  map[uint32]struct{}
	names map[string]struct{}

	// named holds the pids of the last successful name resolution.
	named []uint32
}

// NewPolicy returns a policy seeded with pids and names.
func NewPolicy(pids []uint32, names []string) *Policy {
	p := &Policy{
		pids:  make(map[uint32]struct{}),
		names: make(map[string]struct{}),
	}
	for _, pid := range pids {
		p.pids[pid] = struct{}{}
	}
	for _, n := range names {
		p.names[n] = struct{}{}
	}
	return p
}

func (p *Policy) AllowPID(pid uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pids[pid] = struct{}{}
}

// RevokePID removes an explicit pid. It reports whether pid was present.
func (p *Policy) RevokePID(pid uint32) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pids[pid]
	delete(p.pids, pid)
	return ok
}

// Replace swaps the whole policy, e.g. after the configuration changed.
// Pids and names added at runtime are dropped.
func (p *Policy) Replace(pids []uint32, names []string) {
	next := NewPolicy(pids, names)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pids, p.names = next.pids, next.names
	p.named = nil
}

func (p *Policy) AllowName(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.names[name] = struct{}{}
}

// Names returns the executable names in the policy.
func (p *Policy) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Sorted(maps.Keys(p.names))
}

// Resolve returns the union of the explicit pids and the pids currently
// running under one of the policy names. On a resolver error the pids of the
// last successful resolution stand in for the names, so a transient failure
// does not revoke running processes.
func (p *Policy) Resolve(ctx context.Context, r ProcessResolver) ([]uint32, error) {
	p.mu.Lock()
	set := maps.Clone(p.pids)
	names := slices.Sorted(maps.Keys(p.names))
	named := p.named
	p.mu.Unlock()

	var err error
	if len(names) > 0 && r != nil {
		var found []uint32
		found, err = r.PIDsByName(ctx, names)
		if err == nil {
			named = found
			p.mu.Lock()
			p.named = found
			p.mu.Unlock()
		}
		for _, pid := range named {
			set[pid] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set)), err
}
