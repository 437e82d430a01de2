package isolation_test

import (
	"io"
	"sync"

	"hostisolation/isolation"

	"github.com/stretchr/testify/mock"
)

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Name() string { return "mock" }

func (m *MockBackend) Open(cfg isolation.TableConfig) (isolation.Tables, error) {
	args := m.Called(cfg)
	t, _ := args.Get(0).(isolation.Tables)
	return t, args.Error(1)
}

func (m *MockBackend) AttachObserver(t isolation.Tables) (io.Closer, error) {
	args := m.Called(t)
	c, _ := args.Get(0).(io.Closer)
	return c, args.Error(1)
}

func (m *MockBackend) AttachClassifier(t isolation.Tables, dir isolation.Direction) (io.Closer, error) {
	args := m.Called(t, dir)
	c, _ := args.Get(0).(io.Closer)
	return c, args.Error(1)
}

// closeLog records the order hooks and tables are closed in.
type closeLog struct {
	mu    sync.Mutex
	names []string
}

func (l *closeLog) add(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, name)
}

func (l *closeLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

type namedCloser struct {
	name string
	log  *closeLog
}

func (c *namedCloser) Close() error {
	c.log.add(c.name)
	return nil
}

type fakeTables struct {
	procs  *isolation.MemorySet
	addrs  *isolation.MemorySet
	events *fakeEvents
	stats  isolation.Stats
	log    *closeLog
}

func newFakeTables(procCap, addrCap int, log *closeLog) *fakeTables {
	return &fakeTables{
		procs:  isolation.NewMemorySet(procCap, isolation.EvictNone),
		addrs:  isolation.NewMemorySet(addrCap, isolation.EvictNone),
		events: &fakeEvents{ch: make(chan isolation.Event, 8), done: make(chan struct{})},
		log:    log,
	}
}

func (t *fakeTables) Processes() isolation.KeySet     { return t.procs }
func (t *fakeTables) Addresses() isolation.KeySet     { return t.addrs }
func (t *fakeTables) Stats() (isolation.Stats, error) { return t.stats, nil }
func (t *fakeTables) Events() isolation.EventReader   { return t.events }

func (t *fakeTables) Close() error {
	t.log.add("tables")
	return nil
}

type fakeEvents struct {
	ch   chan isolation.Event
	done chan struct{}
	once sync.Once
}

func (e *fakeEvents) Read() (isolation.Event, error) {
	select {
	case <-e.done:
		return isolation.Event{}, isolation.ErrEventsClosed
	case ev := <-e.ch:
		return ev, nil
	}
}

func (e *fakeEvents) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}
