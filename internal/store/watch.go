package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces the write+rename burst of an atomic save into
// a single notification.
const watchDebounce = 100 * time.Millisecond

// Watch invokes fn whenever the persisted session document changes, and
// once immediately so callers start from the current state. It blocks
// until ctx is canceled.
//
// The watch is on the data directory rather than the document itself:
// atomic saves replace the file by rename, which would invalidate a
// watch on the old inode.
func (m *Manager) Watch(ctx context.Context, fn func()) error {
	if err := os.MkdirAll(m.dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(m.dataDir); err != nil {
		return fmt.Errorf("failed to watch data directory: %w", err)
	}

	fn()

	var debounce *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != StoreFileName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
				fire = debounce.C
			} else {
				debounce.Reset(watchDebounce)
			}

		case <-fire:
			debounce = nil
			fire = nil
			fn()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("store watch error", "error", err)
		}
	}
}
