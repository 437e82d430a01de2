package isolation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"maps"
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options configure a Controller.
type Options struct {
	Interface   string
	Directions  []Direction
	Tables      TableConfig
	EventBuffer int
}

// SyncResult summarizes one SyncAllowedProcesses call.
type SyncResult struct {
	Added    []uint32
	Removed  []uint32
	Rejected []uint32 // did not fit in the process table
}

// Status is a snapshot of the controller.
type Status struct {
	Armed            bool
	Activation       string
	ArmedAt          time.Time
	Backend          string
	Interface        string
	Directions       []Direction
	AllowedProcesses int
	LearnedAddresses int
	Stats            Stats
}

// Controller arms and disarms isolation as a unit and owns the
// allowed-process table.
type Controller struct {
	backend Backend
	opts    Options
	events  chan Event

	mu     sync.Mutex
	policy map[uint32]struct{}
	active *activation
}

type hook struct {
	name string
	io.Closer
}

type activation struct {
	id      string
	armedAt time.Time
	tables  Tables
	hooks   []hook
	reader  EventReader
	pump    sync.WaitGroup
}

// NewController returns a disarmed controller.
func NewController(backend Backend, opts Options) *Controller {
	if len(opts.Directions) == 0 {
		opts.Directions = []Direction{Ingress, Egress}
	}
	if opts.Tables.Processes == 0 && opts.Tables.Addresses == 0 {
		opts.Tables = DefaultTableConfig()
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 256
	}
	return &Controller{
		backend: backend,
		opts:    opts,
		events:  make(chan Event, opts.EventBuffer),
		policy:  make(map[uint32]struct{}),
	}
}

// Events returns the channel notifications are published on. Events are
// discarded when nobody keeps up with it.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Arm opens fresh tables, loads the current policy into them and attaches
// the observer and every configured classifier. If any step fails all
// hooks attached so far are removed before the error is returned.
func (c *Controller) Arm(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != nil {
		return ErrArmed
	}

	tables, err := c.backend.Open(c.opts.Tables)
	if err != nil {
		return &AttachError{Hook: HookTables, Err: err}
	}
	act := &activation{id: uuid.NewString(), tables: tables}

	var rejected []uint32
	for _, pid := range slices.Sorted(maps.Keys(c.policy)) {
		if err := tables.Processes().Insert(pid); err != nil {
			if errors.Is(err, ErrCapacity) {
				rejected = append(rejected, pid)
				continue
			}
			act.teardown()
			return fmt.Errorf("%w: load pid %d: %w", ErrPolicySync, pid, err)
		}
	}
	if len(rejected) > 0 {
		log.Printf("[isolation] process table full, %d pid(s) not allowed: %v", len(rejected), rejected)
	}

	obs, err := c.backend.AttachObserver(tables)
	if err != nil {
		act.teardown()
		return &AttachError{Hook: HookObserver, Err: err}
	}
	act.hooks = append(act.hooks, hook{HookObserver, obs})

	for _, dir := range c.opts.Directions {
		if err := ctx.Err(); err != nil {
			act.teardown()
			return err
		}
		cls, err := c.backend.AttachClassifier(tables, dir)
		if err != nil {
			act.teardown()
			return &AttachError{Hook: HookClassifier, Direction: dir, Err: err}
		}
		act.hooks = append(act.hooks, hook{HookClassifier + "/" + dir.String(), cls})
	}

	act.armedAt = time.Now()
	if r := tables.Events(); r != nil {
		act.reader = r
		act.pump.Add(1)
		go c.pumpEvents(act)
	}
	c.active = act

	log.Printf("[isolation] armed on %s via %s (activation %s, %d allowed pid(s))",
		c.opts.Interface, c.backend.Name(), act.id, len(c.policy)-len(rejected))
	c.publish(Event{Time: act.armedAt, Kind: EventArmed})
	return nil
}

// Disarm detaches every hook and discards the learned addresses. It is
// safe to call at any time; failures are logged, never returned.
func (c *Controller) Disarm() {
	c.mu.Lock()
	defer c.mu.Unlock()

	act := c.active
	if act == nil {
		return
	}
	c.active = nil
	act.teardown()

	log.Printf("[isolation] disarmed (activation %s, armed %s)", act.id, time.Since(act.armedAt).Round(time.Second))
	c.publish(Event{Time: time.Now(), Kind: EventDisarmed})
}

// teardown removes hooks in reverse attach order, stops the event pump and
// releases the tables. Link teardown waits for running hook invocations,
// so the tables are never freed under them.
func (a *activation) teardown() {
	for i := len(a.hooks) - 1; i >= 0; i-- {
		if err := a.hooks[i].Close(); err != nil {
			log.Printf("[isolation] detach %s: %v", a.hooks[i].name, err)
		}
	}
	a.hooks = nil

	if a.reader != nil {
		if err := a.reader.Close(); err != nil {
			log.Printf("[isolation] close events: %v", err)
		}
		a.pump.Wait()
	}
	if err := a.tables.Close(); err != nil {
		log.Printf("[isolation] close tables: %v", err)
	}
}

func (c *Controller) pumpEvents(act *activation) {
	defer act.pump.Done()
	for {
		ev, err := act.reader.Read()
		if err != nil {
			if errors.Is(err, ErrEventsClosed) {
				return
			}
			log.Printf("[isolation] event read: %v", err)
			continue
		}
		c.publish(ev)
	}
}

func (c *Controller) publish(ev Event) {
	select {
	case c.events <- ev:
	default:
	}
}

// SyncAllowedProcesses replaces the allowed-process policy with pids. When
// armed, the difference is applied to the process table immediately;
// otherwise it takes effect on the next Arm.
func (c *Controller) SyncAllowedProcesses(pids []uint32) (SyncResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := make(map[uint32]struct{}, len(pids))
	for _, pid := range pids {
		next[pid] = struct{}{}
	}

	var res SyncResult
	for pid := range c.policy {
		if _, ok := next[pid]; !ok {
			res.Removed = append(res.Removed, pid)
		}
	}
	for pid := range next {
		if _, ok := c.policy[pid]; !ok {
			res.Added = append(res.Added, pid)
		}
	}
	slices.Sort(res.Added)
	slices.Sort(res.Removed)
	c.policy = next

	if c.active == nil {
		return res, nil
	}

	procs := c.active.tables.Processes()
	var errs []error
	for _, pid := range res.Removed {
		if err := procs.Delete(pid); err != nil {
			errs = append(errs, fmt.Errorf("delete pid %d: %w", pid, err))
		}
	}
	// Retry everything in the policy, not just additions: earlier
	// capacity rejections may fit now.
	for _, pid := range slices.Sorted(maps.Keys(next)) {
		if procs.Contains(pid) {
			continue
		}
		if err := procs.Insert(pid); err != nil {
			if errors.Is(err, ErrCapacity) {
				res.Rejected = append(res.Rejected, pid)
				continue
			}
			errs = append(errs, fmt.Errorf("insert pid %d: %w", pid, err))
		}
	}
	if len(errs) > 0 {
		return res, fmt.Errorf("%w: %w", ErrPolicySync, errors.Join(errs...))
	}
	return res, nil
}

// AllowedProcesses returns the current policy set.
func (c *Controller) AllowedProcesses() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.policy))
}

// LearnedAddresses lists the learned-address table of the activation.
func (c *Controller) LearnedAddresses() ([]netip.Addr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return nil, ErrNotArmed
	}
	keys, err := c.active.tables.Addresses().Keys()
	if err != nil {
		return nil, err
	}
	addrs := make([]netip.Addr, 0, len(keys))
	for _, k := range keys {
		addrs = append(addrs, KeyAddr(k))
	}
	slices.SortFunc(addrs, netip.Addr.Compare)
	return addrs, nil
}

// Status reports the controller state. Counter read failures are returned
// alongside an otherwise complete snapshot.
func (c *Controller) Status() (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Backend:          c.backend.Name(),
		Interface:        c.opts.Interface,
		Directions:       slices.Clone(c.opts.Directions),
		AllowedProcesses: len(c.policy),
	}
	if c.active == nil {
		return st, nil
	}

	st.Armed = true
	st.Activation = c.active.id
	st.ArmedAt = c.active.armedAt

	var errs []error
	keys, err := c.active.tables.Addresses().Keys()
	if err != nil {
		errs = append(errs, fmt.Errorf("learned addresses: %w", err))
	}
	st.LearnedAddresses = len(keys)
	if st.Stats, err = c.active.tables.Stats(); err != nil {
		errs = append(errs, fmt.Errorf("stats: %w", err))
	}
	return st, errors.Join(errs...)
}
