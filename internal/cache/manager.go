// Package cache keeps the vault and the optional local network cache
// synchronized with the registry. Both synchronizers are idempotent,
// bound their concurrency, and re-derive their "already done" sets from
// durable storage on every run, so a process restart neither re-downloads
// needlessly nor silently skips newly-added hashes.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/alexjbarnes/blobsync/internal/blob"
	"github.com/alexjbarnes/blobsync/internal/blossom"
	"github.com/alexjbarnes/blobsync/internal/state"
	"github.com/alexjbarnes/blobsync/internal/vault"
)

// maxTransfers caps simultaneous downloads/pulls. Device I/O and
// battery dictate a small number.
const maxTransfers = 2

// ByteSource is an optional cheap lookup into an existing decode/disk
// cache, consulted before any network download.
type ByteSource interface {
	Lookup(ctx context.Context, hash string) ([]byte, bool)
}

// Progress reports how far a sync batch got.
type Progress struct {
	Completed int
	Failed    int
	Total     int
}

func (p Progress) String() string {
	return fmt.Sprintf("%d/%d", p.Completed, p.Total)
}

// Manager runs the two background synchronizers.
type Manager struct {
	st         *state.State
	vault      *vault.Vault
	client     *blossom.Client
	diskCache  ByteSource
	localCache string
	logger     *slog.Logger
}

// NewManager creates a cache tier manager. diskCache may be nil;
// localCache may be empty when no local network cache was detected.
func NewManager(st *state.State, v *vault.Vault, client *blossom.Client, diskCache ByteSource, localCache string, logger *slog.Logger) *Manager {
	return &Manager{
		st:         st,
		vault:      v,
		client:     client,
		diskCache:  diskCache,
		localCache: localCache,
		logger:     logger,
	}
}

// SyncVault copies every registry blob the vault does not yet hold into
// the vault. The done-set comes from rescanning the vault directory,
// not from memory. Failure for one hash never aborts the batch.
func (m *Manager) SyncVault(ctx context.Context, reg []blob.Blob) (Progress, error) {
	vaulted, err := m.vault.Scan()
	if err != nil {
		return Progress{}, fmt.Errorf("rescanning vault: %w", err)
	}

	if err := m.st.ReplaceVaultedHashes(vaulted); err != nil {
		return Progress{}, fmt.Errorf("persisting vaulted set: %w", err)
	}

	missing := dedupeMissing(reg, vaulted)

	progress := Progress{Total: len(missing)}
	if len(missing) == 0 {
		return progress, nil
	}

	sem := semaphore.NewWeighted(maxTransfers)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, b := range missing {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)

		go func(b blob.Blob) {
			defer sem.Release(1)
			defer wg.Done()

			err := m.vaultOne(ctx, b)

			mu.Lock()
			if err != nil {
				progress.Failed++

				m.logger.Warn("vault sync failed for hash",
					slog.String("hash", b.ContentHash),
					slog.String("error", err.Error()),
				)
			} else {
				progress.Completed++
			}

			current := progress
			mu.Unlock()

			m.logger.Debug("vault sync progress", slog.String("progress", current.String()))
		}(b)
	}

	wg.Wait()

	m.logger.Info("vault sync complete",
		slog.Int("completed", progress.Completed),
		slog.Int("failed", progress.Failed),
		slog.Int("total", progress.Total),
	)

	return progress, nil
}

// vaultOne obtains one blob's bytes, cheapest source first, and writes
// them into the vault.
func (m *Manager) vaultOne(ctx context.Context, b blob.Blob) error {
	if m.diskCache != nil {
		if data, ok := m.diskCache.Lookup(ctx, b.ContentHash); ok {
			if err := m.vault.Write(b.ContentHash, b.Ext(), data); err != nil {
				return err
			}

			return m.st.AddVaultedHash(b.ContentHash)
		}
	}

	if b.URL == "" {
		return fmt.Errorf("no source for hash %s", b.ContentHash)
	}

	data, err := m.client.Download(ctx, b.URL)
	if err != nil {
		return err
	}

	if err := m.vault.Write(b.ContentHash, b.Ext(), data); err != nil {
		return err
	}

	return m.st.AddVaultedHash(b.ContentHash)
}

// SyncLocalCache makes the local network cache hold every registry
// blob, probing cheaply with HEAD before instructing a proxy-fetch from
// the blob's remote origin. "Locally cached" is recorded only after the
// probe or the pull succeeds.
func (m *Manager) SyncLocalCache(ctx context.Context, reg []blob.Blob) (Progress, error) {
	if m.localCache == "" {
		return Progress{}, nil
	}

	cached, err := m.st.LocallyCachedHashes()
	if err != nil {
		return Progress{}, fmt.Errorf("reading locally cached set: %w", err)
	}

	missing := dedupeMissing(reg, cached)

	progress := Progress{Total: len(missing)}
	if len(missing) == 0 {
		return progress, nil
	}

	sem := semaphore.NewWeighted(maxTransfers)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	for _, b := range missing {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		wg.Add(1)

		go func(b blob.Blob) {
			defer sem.Release(1)
			defer wg.Done()

			err := m.cacheOne(ctx, b)

			mu.Lock()
			if err != nil {
				progress.Failed++

				m.logger.Warn("local cache sync failed for hash",
					slog.String("hash", b.ContentHash),
					slog.String("error", err.Error()),
				)
			} else {
				progress.Completed++
			}
			mu.Unlock()
		}(b)
	}

	wg.Wait()

	m.logger.Info("local cache sync complete",
		slog.Int("completed", progress.Completed),
		slog.Int("failed", progress.Failed),
		slog.Int("total", progress.Total),
	)

	return progress, nil
}

func (m *Manager) cacheOne(ctx context.Context, b blob.Blob) error {
	present, err := m.client.Head(ctx, m.localCache, b.ContentHash)
	if err == nil && present {
		return m.st.AddLocallyCachedHash(b.ContentHash)
	}

	if b.URL == "" {
		return fmt.Errorf("no origin for hash %s", b.ContentHash)
	}

	if err := m.client.ProxyFetch(ctx, m.localCache, b.ContentHash, b.Ext(), b.URL); err != nil {
		return err
	}

	return m.st.AddLocallyCachedHash(b.ContentHash)
}

// dedupeMissing returns one blob per hash not yet in the done set,
// preferring entries that have a fetchable URL.
func dedupeMissing(reg []blob.Blob, done map[string]bool) []blob.Blob {
	byHash := make(map[string]blob.Blob)

	var order []string

	for _, b := range reg {
		if done[b.ContentHash] {
			continue
		}

		existing, ok := byHash[b.ContentHash]
		if !ok {
			order = append(order, b.ContentHash)
			byHash[b.ContentHash] = b

			continue
		}

		if existing.URL == "" && b.URL != "" {
			byHash[b.ContentHash] = b
		}
	}

	out := make([]blob.Blob, 0, len(order))
	for _, h := range order {
		out = append(out, byHash[h])
	}

	return out
}
