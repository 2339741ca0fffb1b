package blossom

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/alexjbarnes/blobsync/internal/auth"
	"github.com/alexjbarnes/blobsync/internal/blob"
)

const (
	// pageLimit is the limit parameter sent with every list request.
	pageLimit = 256

	// fullPageThreshold is the item count at or above which a page is
	// treated as full and another page is requested. Servers cap pages
	// inconsistently, so this sits a little under pageLimit.
	fullPageThreshold = 250

	// maxPages is a hard ceiling preventing runaway loops against
	// misbehaving servers.
	maxPages = 100
)

// List fetches the complete blob listing for a pubkey from one server,
// transparently paginating. It returns whatever was collected so far
// alongside any error, so a partial failure is visible to the merge
// layer as "fetch failed" rather than "confirmed empty".
func (c *Client) List(ctx context.Context, server, pubkey string) ([]blob.Blob, error) {
	unsigned, err := auth.ListAuthEvent()
	if err != nil {
		return nil, err
	}

	signed, err := c.signer.Sign(ctx, unsigned, c.identity)
	if err != nil {
		return nil, fmt.Errorf("signing list auth: %w", err)
	}

	var (
		collected  []blob.Blob
		cursor     string
		prevCursor string
	)

	for page := 1; page <= maxPages; page++ {
		blobs, err := c.fetchPage(ctx, server, pubkey, signed, cursor)
		if err != nil {
			return collected, fmt.Errorf("page %d from %s: %w", page, server, err)
		}

		collected = append(collected, blobs...)

		if len(blobs) < fullPageThreshold {
			return collected, nil
		}

		prevCursor = cursor

		cursor = blobs[len(blobs)-1].ContentHash
		if cursor == prevCursor {
			// Server is not advancing the cursor. Stop rather than loop.
			c.logger.Warn("list cursor not advancing, stopping",
				slog.String("server", server),
				slog.String("cursor", cursor),
			)

			return collected, nil
		}
	}

	c.logger.Warn("list page ceiling reached", slog.String("server", server))

	return collected, nil
}

// fetchPage requests one page, retrying transport-level failures with a
// short fixed backoff. The authorization fallback inside doAuthorized
// runs before retries are exhausted, so a prefix mismatch costs one
// extra request, not the whole retry budget.
func (c *Client) fetchPage(ctx context.Context, server, pubkey, signedEvent, cursor string) ([]blob.Blob, error) {
	listURL := fmt.Sprintf("%s/list/%s?limit=%d", server, url.PathEscape(pubkey), pageLimit)
	if cursor != "" {
		listURL += "&cursor=" + url.QueryEscape(cursor)
	}

	var lastErr error

	for attempt := 0; attempt <= pageRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBackoff):
			}
		}

		blobs, err := c.fetchPageOnce(ctx, server, listURL, signedEvent)
		if err == nil {
			return blobs, nil
		}

		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
	}

	return nil, lastErr
}

func (c *Client) fetchPageOnce(ctx context.Context, server, listURL, signedEvent string) ([]blob.Blob, error) {
	resp, err := c.doAuthorized(ctx, c.api, server, signedEvent, func(header string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, listURL, nil)
		if err != nil {
			return nil, err
		}

		req.Header.Set("Authorization", header)

		return req, nil
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(server, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading list response: %w", err)}
	}

	return blob.DecodeDescriptors(body, server)
}
