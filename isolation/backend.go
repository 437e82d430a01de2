package isolation

import "io"

// Default table sizes.
const (
	DefaultProcessCapacity = 128
	DefaultAddressCapacity = 512
)

// TableConfig sizes the tables created for one activation.
type TableConfig struct {
	Processes int
	Addresses int
	Eviction  Eviction
	Events    bool
}

// DefaultTableConfig returns the reference sizing with events enabled.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		Processes: DefaultProcessCapacity,
		Addresses: DefaultAddressCapacity,
		Eviction:  EvictNone,
		Events:    true,
	}
}

// Tables are the shared state of one activation.
type Tables interface {
	// Processes is the allowed-process table. Only the controller writes it.
	Processes() KeySet
	// Addresses is the learned-address table. Only the observer writes it.
	Addresses() KeySet
	Stats() (Stats, error)
	// Events returns nil when the tables were opened without events.
	Events() EventReader
	io.Closer
}

// Backend installs the hooks. The hook bodies are owned by the backend;
// the controller only sequences their lifecycle.
type Backend interface {
	Name() string
	Open(cfg TableConfig) (Tables, error)
	AttachObserver(t Tables) (io.Closer, error)
	AttachClassifier(t Tables, dir Direction) (io.Closer, error)
}
