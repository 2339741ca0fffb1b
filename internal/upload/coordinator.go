// Package upload drives the hash → sign → upload → mirror → publish
// pipeline for one file at a time, with sequential per-server failover.
package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/blobsync/internal/auth"
	"github.com/alexjbarnes/blobsync/internal/blob"
	"github.com/alexjbarnes/blobsync/internal/blossom"
	"github.com/alexjbarnes/blobsync/internal/content"
	bloberrors "github.com/alexjbarnes/blobsync/internal/errors"
	"github.com/alexjbarnes/blobsync/internal/relay"
)

// Status is the state of one queued file in the upload pipeline.
type Status int

const (
	StatusPrepared Status = iota
	StatusHashing
	StatusAwaitingSignature
	StatusUploading
	StatusMirroring
	StatusPublishing
	StatusDone

	// StatusFailed is reached only after every configured server has
	// been tried.
	StatusFailed
)

// Item is one queued file. Status transitions happen inside Run; the
// caller reads the final state and outcome.
type Item struct {
	ID       uuid.UUID
	Name     string
	MimeType string
	Data     []byte

	Status Status
	Hash   string
}

// NewItem queues raw file bytes for upload.
func NewItem(name, mimeType string, data []byte) *Item {
	return &Item{
		ID:       uuid.New(),
		Name:     name,
		MimeType: mimeType,
		Data:     data,
		Status:   StatusPrepared,
	}
}

// Outcome is the result of a completed upload: the primary server's
// registry entry plus entries for every successful mirror. All of them
// go through the registry's ordinary upsert, never a special path.
type Outcome struct {
	Primary blob.Blob
	Mirrors []blob.Blob
}

// Entries returns every registry entry produced by the upload.
func (o *Outcome) Entries() []blob.Blob {
	return append([]blob.Blob{o.Primary}, o.Mirrors...)
}

// Coordinator runs upload pipelines against the configured servers.
type Coordinator struct {
	client   *blossom.Client
	servers  []string
	signer   auth.Signer
	identity string
	rel      relay.Relay
	logger   *slog.Logger
}

// NewCoordinator creates an upload coordinator. servers are in failover
// priority order; rel may be nil when no relay is configured.
func NewCoordinator(client *blossom.Client, servers []string, signer auth.Signer, identity string, rel relay.Relay, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		client:   client,
		servers:  servers,
		signer:   signer,
		identity: identity,
		rel:      rel,
		logger:   logger,
	}
}

// Run executes the full pipeline for one item. userTags ride along into
// the published metadata event. The returned outcome is nil when the
// item failed on every server.
func (c *Coordinator) Run(ctx context.Context, item *Item, userTags []blob.Tag) (*Outcome, error) {
	item.Status = StatusHashing

	// Hash the canonicalized bytes and upload those same bytes;
	// re-hashing server-side must agree or the upload self-rejects.
	processed := content.Process(item.Data, item.MimeType)
	item.Hash = processed.Hash

	item.Status = StatusAwaitingSignature

	primary, err := c.uploadWithFailover(ctx, item, processed)
	if err != nil {
		item.Status = StatusFailed
		return nil, err
	}

	item.Status = StatusMirroring
	mirrors := c.mirrorToOthers(ctx, primary)

	item.Status = StatusPublishing

	if err := c.publishMetadata(ctx, primary, mirrors, userTags); err != nil {
		// Metadata publish is best-effort; the upload itself succeeded
		// and the registry must reflect it either way.
		c.logger.Warn("metadata publish failed",
			slog.String("hash", primary.ContentHash),
			slog.String("error", err.Error()),
		)
	}

	item.Status = StatusDone

	return &Outcome{Primary: primary, Mirrors: mirrors}, nil
}

// uploadWithFailover tries each configured server in order until one
// accepts the blob. Sequential, not parallel: fanning out would risk
// redundant partial uploads.
func (c *Coordinator) uploadWithFailover(ctx context.Context, item *Item, processed content.Result) (blob.Blob, error) {
	item.Status = StatusUploading

	var lastErr error

	for _, server := range c.servers {
		// Idempotent upload: a server that already has the hash never
		// sees a PUT.
		if present, err := c.client.Head(ctx, server, item.Hash); err == nil && present {
			c.logger.Info("server already has blob, skipping transfer",
				slog.String("server", server),
				slog.String("hash", item.Hash),
			)

			return blob.Blob{
				ContentHash:  item.Hash,
				URL:          server + "/" + item.Hash,
				SizeBytes:    processed.SizeBytes,
				MimeType:     item.MimeType,
				ServerURL:    server,
				CreationTime: time.Now().Unix(),
			}, nil
		}

		result, err := c.client.Upload(ctx, server, item.Hash, item.MimeType, processed.Canonical)
		if err != nil {
			if errors.Is(err, bloberrors.ErrSignerUnavailable) || ctx.Err() != nil {
				return blob.Blob{}, err
			}

			lastErr = err

			c.logger.Warn("upload failed, advancing to next server",
				slog.String("server", server),
				slog.String("error", err.Error()),
			)

			continue
		}

		return result.ServerBlob(server, item.Hash, item.MimeType, processed.SizeBytes, time.Now().Unix()), nil
	}

	return blob.Blob{}, fmt.Errorf("all %d servers failed: %w", len(c.servers), lastErr)
}

// mirrorToOthers asks every other configured server to pull the blob
// from the primary URL, in parallel. Individual mirror failures are
// tolerated; the successful ones become fallback entries.
func (c *Coordinator) mirrorToOthers(ctx context.Context, primary blob.Blob) []blob.Blob {
	var (
		g       errgroup.Group
		results = make([]*blossom.UploadResult, len(c.servers))
	)

	for i, server := range c.servers {
		i, server := i, server

		if server == primary.ServerURL {
			continue
		}

		g.Go(func() error {
			result, err := c.client.Mirror(ctx, server, primary.ContentHash, primary.URL)
			if err != nil {
				c.logger.Warn("mirror failed",
					slog.String("server", server),
					slog.String("hash", primary.ContentHash),
					slog.String("error", err.Error()),
				)

				return nil
			}

			results[i] = result

			return nil
		})
	}

	_ = g.Wait()

	var mirrors []blob.Blob

	for i, result := range results {
		if result == nil {
			continue
		}

		mirrors = append(mirrors, result.ServerBlob(c.servers[i], primary.ContentHash, primary.MimeType, primary.SizeBytes, primary.CreationTime))
	}

	return mirrors
}

// publishMetadata signs and publishes the file metadata event carrying
// the primary URL and every mirrored URL as fallbacks.
func (c *Coordinator) publishMetadata(ctx context.Context, primary blob.Blob, mirrors []blob.Blob, userTags []blob.Tag) error {
	if c.rel == nil {
		return nil
	}

	mirrorURLs := make([]string, 0, len(mirrors))
	for _, m := range mirrors {
		mirrorURLs = append(mirrorURLs, m.URL)
	}

	unsigned, err := relay.BuildFileMetadataEvent(primary.ContentHash, primary.MimeType, primary.URL, primary.SizeBytes, mirrorURLs, userTags)
	if err != nil {
		return err
	}

	signed, err := c.signer.Sign(ctx, unsigned, c.identity)
	if err != nil {
		return fmt.Errorf("signing metadata event: %w", err)
	}

	if signed == "" {
		return bloberrors.ErrSignerUnavailable
	}

	ok, err := c.rel.Publish(ctx, signed)
	if err != nil {
		return fmt.Errorf("publishing metadata event: %w", err)
	}

	if !ok {
		return fmt.Errorf("no relay accepted the metadata event")
	}

	return nil
}
