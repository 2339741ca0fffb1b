// Package syncer is the reconciliation service. It owns the registry,
// trash, and file metadata cache: all mutation funnels through the
// merge and upsert paths here, one writer at a time, while readers get
// immutable snapshots.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/blobsync/internal/blob"
	"github.com/alexjbarnes/blobsync/internal/blossom"
	"github.com/alexjbarnes/blobsync/internal/registry"
	"github.com/alexjbarnes/blobsync/internal/relay"
	"github.com/alexjbarnes/blobsync/internal/state"
	"github.com/alexjbarnes/blobsync/internal/upload"
)

// Snapshot is an immutable view of the reconciled state handed to
// readers. Registry entries carry their merged metadata tags.
type Snapshot struct {
	Registry   []blob.Blob
	Trash      []blob.Blob
	Generation uint64
}

// Service coordinates refresh cycles and all registry mutation.
type Service struct {
	client   *blossom.Client
	st       *state.State
	servers  []string
	pubkey   string
	rel      relay.Relay
	uploader *upload.Coordinator
	logger   *slog.Logger

	// mu serializes registry/trash writes and guards the refresh
	// lifecycle fields.
	mu            sync.Mutex
	refreshCancel context.CancelFunc
	generation    uint64
	diagnostics   map[string]string

	subMu sync.Mutex
	subs  []chan Snapshot
}

// New creates the reconciliation service. rel may be nil when no relay
// is configured; uploader may be nil for read-only deployments.
func New(client *blossom.Client, st *state.State, servers []string, pubkey string, rel relay.Relay, uploader *upload.Coordinator, logger *slog.Logger) *Service {
	return &Service{
		client:      client,
		st:          st,
		servers:     servers,
		pubkey:      pubkey,
		rel:         rel,
		uploader:    uploader,
		logger:      logger,
		diagnostics: make(map[string]string),
	}
}

// Subscribe registers a snapshot channel. Every committed write sends
// the resulting snapshot; slow consumers miss intermediate snapshots
// rather than blocking the writer.
func (s *Service) Subscribe() <-chan Snapshot {
	ch := make(chan Snapshot, 1)

	s.subMu.Lock()
	s.subs = append(s.subs, ch)
	s.subMu.Unlock()

	return ch
}

func (s *Service) notify(snap Snapshot) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- snap:
		default:
			// Replace the pending snapshot with the newer one.
			select {
			case <-ch:
			default:
			}

			select {
			case ch <- snap:
			default:
			}
		}
	}
}

// Snapshot reads the current reconciled state.
func (s *Service) Snapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.snapshotLocked()
}

func (s *Service) snapshotLocked() (Snapshot, error) {
	reg, err := s.st.Registry()
	if err != nil {
		return Snapshot{}, err
	}

	trash, err := s.st.Trash()
	if err != nil {
		return Snapshot{}, err
	}

	meta, err := s.st.AllFileMeta()
	if err != nil {
		return Snapshot{}, err
	}

	attachTags(reg, meta)
	attachTags(trash, meta)

	return Snapshot{Registry: reg, Trash: trash, Generation: s.generation}, nil
}

// attachTags overlays the durable metadata cache onto blob records.
// User-authored metadata always wins over server-embedded tags for the
// same key.
func attachTags(blobs []blob.Blob, meta map[string]blob.MetaRecord) {
	for i := range blobs {
		rec, ok := meta[blobs[i].ContentHash]
		if !ok {
			continue
		}

		merged := rec.OrderedTags()

		for _, t := range blobs[i].Tags {
			if rec.Get(t.Key) == nil {
				merged = append(merged, t)
			}
		}

		blobs[i].Tags = merged
	}
}

// Refresh runs one full reconciliation cycle: fetch every server's
// listing concurrently, merge against the known registry, and persist
// the result atomically. Starting a new refresh cancels any in-flight
// one, and a cancelled or superseded cycle never writes: only the last
// completed cycle that is not stale commits.
func (s *Service) Refresh(ctx context.Context) (Snapshot, error) {
	s.mu.Lock()

	if s.refreshCancel != nil {
		s.refreshCancel()
	}

	refreshCtx, cancel := context.WithCancel(ctx)
	s.refreshCancel = cancel

	s.generation++
	gen := s.generation

	s.mu.Unlock()

	defer cancel()

	results := s.fetchAll(refreshCtx)

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		// A newer refresh started while we were fetching. Discard;
		// stale results must not overwrite fresher state.
		s.logger.Debug("discarding stale refresh", slog.Uint64("generation", gen))
		return s.snapshotLocked()
	}

	if refreshCtx.Err() != nil {
		return s.snapshotLocked()
	}

	current, err := s.st.Registry()
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading registry: %w", err)
	}

	trash, err := s.st.Trash()
	if err != nil {
		return Snapshot{}, fmt.Errorf("reading trash: %w", err)
	}

	newReg, newTrash := registry.Merge(current, results, trash)

	if err := s.st.ReplaceRegistryAndTrash(newReg, newTrash); err != nil {
		return Snapshot{}, fmt.Errorf("persisting merge: %w", err)
	}

	s.diagnostics = make(map[string]string)

	for _, res := range results {
		if res.Err != nil {
			s.diagnostics[res.Server] = res.Err.Error()
		}
	}

	s.logger.Info("refresh complete",
		slog.Int("registry", len(newReg)),
		slog.Int("trash", len(newTrash)),
		slog.Int("failed_servers", len(s.diagnostics)),
	)

	snap, err := s.snapshotLocked()
	if err != nil {
		return Snapshot{}, err
	}

	s.notify(snap)

	return snap, nil
}

// fetchAll runs one list fetch per configured server concurrently.
// Each task writes only its own slot; there is no shared mutable state
// to race on.
func (s *Service) fetchAll(ctx context.Context) []registry.ServerResult {
	results := make([]registry.ServerResult, len(s.servers))

	var g errgroup.Group

	for i, server := range s.servers {
		i, server := i, server

		g.Go(func() error {
			blobs, err := s.client.List(ctx, server, s.pubkey)
			results[i] = registry.ServerResult{Server: server, Blobs: blobs, Err: err}

			if err != nil {
				s.logger.Warn("server listing failed",
					slog.String("server", server),
					slog.String("error", err.Error()),
				)
			}

			return nil
		})
	}

	_ = g.Wait()

	return results
}

// Diagnostics describes the last refresh's per-server failures, so
// "actually no files" and "silently empty because broken" stay
// distinguishable. Empty string means every server answered.
func (s *Service) Diagnostics() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.diagnostics) == 0 {
		return ""
	}

	servers := make([]string, 0, len(s.diagnostics))
	for server := range s.diagnostics {
		servers = append(servers, server)
	}

	sort.Strings(servers)

	var sb strings.Builder

	for _, server := range servers {
		fmt.Fprintf(&sb, "%s: %s\n", server, s.diagnostics[server])
	}

	return strings.TrimSpace(sb.String())
}

// Upload runs the upload pipeline for one item and folds the outcome
// into the registry through the same upsert path a discovered blob
// takes.
func (s *Service) Upload(ctx context.Context, item *upload.Item, userTags []blob.Tag) (*upload.Outcome, error) {
	if s.uploader == nil {
		return nil, fmt.Errorf("no upload coordinator configured")
	}

	outcome, err := s.uploader.Run(ctx, item, userTags)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.st.Registry()
	if err != nil {
		return nil, fmt.Errorf("reading registry: %w", err)
	}

	trash, err := s.st.Trash()
	if err != nil {
		return nil, fmt.Errorf("reading trash: %w", err)
	}

	for _, entry := range outcome.Entries() {
		reg, trash = registry.Upsert(reg, entry, trash)
	}

	if err := s.st.ReplaceRegistryAndTrash(reg, trash); err != nil {
		return nil, fmt.Errorf("persisting upload: %w", err)
	}

	if snap, err := s.snapshotLocked(); err == nil {
		s.notify(snap)
	}

	return outcome, nil
}

// SyncMetadata queries the relay for this user's file metadata events
// and merges them into the metadata cache under the deterministic
// tie-break: fresh local edits survive slow relay responses.
func (s *Service) SyncMetadata(ctx context.Context) error {
	if s.rel == nil {
		return nil
	}

	events, err := s.rel.Query(ctx, relay.MetadataFilter(s.pubkey))
	if err != nil {
		return fmt.Errorf("querying relay: %w", err)
	}

	now := time.Now().Unix()

	for _, event := range events {
		hash, edits := relay.ParseFileMetadataEvent(event)
		if hash == "" || len(edits) == 0 {
			continue
		}

		rec, err := s.st.FileMeta(hash)
		if err != nil {
			return err
		}

		if rec == nil {
			rec = &blob.MetaRecord{Hash: hash}
		}

		merged := relay.MergeMeta(*rec, edits, now)

		if err := s.st.SetFileMeta(merged); err != nil {
			return fmt.Errorf("persisting metadata for %s: %w", hash, err)
		}
	}

	return nil
}
