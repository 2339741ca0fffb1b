package vault

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch monitors the vault directory for filesystem changes and keeps
// the in-memory hash set up to date, so blobs dropped in or removed by
// other tools are reflected without a full rescan. It blocks until the
// context is cancelled.
func (v *Vault) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(v.root); err != nil {
		return fmt.Errorf("adding vault to watcher: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed")
			}

			v.handleEvent(event)

		case _, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed")
			}
			// fsnotify errors are non-fatal (e.g. too many watches).
			// The hash set just won't update for the affected paths;
			// the next Scan corrects it.
		}
	}
}

// handleEvent updates the hash set from a single fsnotify event. Only
// files whose names parse as content hashes matter; temp files from
// Vault.Write are ignored by the name check.
func (v *Vault) handleEvent(event fsnotify.Event) {
	hash, ok := hashFromName(filepath.Base(event.Name))
	if !ok {
		return
	}

	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
		v.mu.Lock()
		v.hashes[hash] = true
		v.mu.Unlock()

		return
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		v.mu.Lock()
		delete(v.hashes, hash)
		v.mu.Unlock()
	}
}
