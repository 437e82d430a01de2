package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "policy:\n  pids: [1]\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 16)
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, 20*time.Millisecond, func(c Config) { got <- c }) }()

	// Give the watcher time to register before writing.
	var cfg Config
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("policy:\n  pids: [1, 2]\n"), 0o600)
		select {
		case cfg = <-got:
			return true
		case <-time.After(100 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint32{1, 2}, cfg.Policy.PIDs)

	// Drain reloads triggered by the retries above.
	time.Sleep(100 * time.Millisecond)
	for len(got) > 0 {
		<-got
	}

	// An invalid file is not delivered.
	require.NoError(t, os.WriteFile(path, []byte("mode: block\n"), 0o600))
	select {
	case c := <-got:
		t.Fatalf("invalid config delivered: %+v", c)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	assert.NoError(t, <-done)
}
