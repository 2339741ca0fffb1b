package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/blobsync/internal/blob"
	"github.com/alexjbarnes/blobsync/internal/registry"
	"github.com/alexjbarnes/blobsync/internal/relay"
)

// report formats the user-visible batch summary.
func report(op string, success, failed int) string {
	return fmt.Sprintf("%s completed: %d success, %d failed", op, success, failed)
}

// deletion is one confirmed (hash, server) removal.
type deletion struct {
	hash   string
	server string
}

// BulkDelete removes the given hashes from every server hosting them.
// Per-item failures are contained; the registry sees exactly one write
// at the end of the batch. Each confirmed delete moves the hash toward
// trash synchronously through RemoveServer, so the last copy of a hash
// is never silently dropped from local knowledge.
func (s *Service) BulkDelete(ctx context.Context, hashes []string) (string, error) {
	s.mu.Lock()

	reg, err := s.st.Registry()
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("reading registry: %w", err)
	}

	s.mu.Unlock()

	var (
		mu        sync.Mutex
		confirmed []deletion
		failed    int
	)

	var g errgroup.Group

	for _, hash := range hashes {
		hash := hash

		servers := registry.Servers(reg, hash)
		if len(servers) == 0 {
			continue
		}

		g.Go(func() error {
			for _, server := range servers {
				if err := s.client.Delete(ctx, server, hash); err != nil {
					mu.Lock()
					failed++
					mu.Unlock()

					s.logger.Warn("delete failed",
						slog.String("server", server),
						slog.String("hash", hash),
						slog.String("error", err.Error()),
					)

					continue
				}

				mu.Lock()
				confirmed = append(confirmed, deletion{hash: hash, server: server})
				mu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err = s.st.Registry()
	if err != nil {
		return "", fmt.Errorf("reading registry: %w", err)
	}

	trash, err := s.st.Trash()
	if err != nil {
		return "", fmt.Errorf("reading trash: %w", err)
	}

	for _, d := range confirmed {
		reg, trash = registry.RemoveServer(reg, d.hash, d.server, trash)
	}

	if err := s.st.ReplaceRegistryAndTrash(reg, trash); err != nil {
		return "", fmt.Errorf("persisting deletes: %w", err)
	}

	if snap, err := s.snapshotLocked(); err == nil {
		s.notify(snap)
	}

	return report("delete", len(confirmed), failed), nil
}

// BulkLabel writes one user-authored tag onto every given hash. Local
// edits always land; the metadata cache is independent of which servers
// host the hash.
func (s *Service) BulkLabel(ctx context.Context, hashes []string, key, value string) (string, error) {
	now := time.Now().Unix()

	var success, failed int

	for _, hash := range hashes {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		rec, err := s.st.FileMeta(hash)
		if err != nil {
			failed++
			continue
		}

		if rec == nil {
			rec = &blob.MetaRecord{Hash: hash}
		}

		merged := relay.ApplyLocalEdit(*rec, key, value, now)

		if err := s.st.SetFileMeta(merged); err != nil {
			failed++

			s.logger.Warn("label write failed",
				slog.String("hash", hash),
				slog.String("error", err.Error()),
			)

			continue
		}

		success++
	}

	s.mu.Lock()

	if snap, err := s.snapshotLocked(); err == nil {
		s.notify(snap)
	}

	s.mu.Unlock()

	return report("label", success, failed), nil
}

// BulkMirror copies every given hash onto the target server via mirror
// requests, converging on one registry write.
func (s *Service) BulkMirror(ctx context.Context, hashes []string, targetServer string) (string, error) {
	s.mu.Lock()

	reg, err := s.st.Registry()
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("reading registry: %w", err)
	}

	s.mu.Unlock()

	var (
		mu      sync.Mutex
		entries []blob.Blob
		failed  int
	)

	var g errgroup.Group

	for _, hash := range hashes {
		hash := hash

		source := findSource(reg, hash, targetServer)
		if source == nil {
			continue
		}

		g.Go(func() error {
			result, err := s.client.Mirror(ctx, targetServer, hash, source.URL)
			if err != nil {
				mu.Lock()
				failed++
				mu.Unlock()

				s.logger.Warn("mirror failed",
					slog.String("server", targetServer),
					slog.String("hash", hash),
					slog.String("error", err.Error()),
				)

				return nil
			}

			mu.Lock()
			entries = append(entries, result.ServerBlob(targetServer, hash, source.MimeType, source.SizeBytes, source.CreationTime))
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err = s.st.Registry()
	if err != nil {
		return "", fmt.Errorf("reading registry: %w", err)
	}

	trash, err := s.st.Trash()
	if err != nil {
		return "", fmt.Errorf("reading trash: %w", err)
	}

	for _, entry := range entries {
		reg, trash = registry.Upsert(reg, entry, trash)
	}

	if err := s.st.ReplaceRegistryAndTrash(reg, trash); err != nil {
		return "", fmt.Errorf("persisting mirrors: %w", err)
	}

	if snap, err := s.snapshotLocked(); err == nil {
		s.notify(snap)
	}

	return report("mirror", len(entries), failed), nil
}

// findSource picks a hosting entry for a hash that is not already the
// mirror target.
func findSource(reg []blob.Blob, hash, excludeServer string) *blob.Blob {
	for i := range reg {
		b := &reg[i]
		if b.ContentHash == hash && b.ServerURL != "" && b.ServerURL != excludeServer {
			return b
		}
	}

	return nil
}
