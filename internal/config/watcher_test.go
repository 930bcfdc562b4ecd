package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatchReloadsOnFileChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	m, err := NewManager(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reloads atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Watch(ctx, func(Config) {
			reloads.Add(1)
		})
	}()

	// Give the watcher time to register before the write.
	time.Sleep(100 * time.Millisecond)

	updated := `{"GROUP_STATISTICS": true, "DEFAULT_SEND_METHOD": "TEXT"}`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	require.Eventually(t, func() bool {
		return reloads.Load() > 0 && m.Snapshot().DefaultSendMethod == SendMethodText
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop after cancel")
	}
}
