package blossom

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/blobsync/internal/auth"
	"github.com/alexjbarnes/blobsync/internal/blob"
	bloberrors "github.com/alexjbarnes/blobsync/internal/errors"
)

// UploadResult is the server's answer to a successful upload or mirror.
type UploadResult struct {
	URL    string
	SHA256 string
}

// Upload sends canonical bytes to a server. It tries PUT first and
// falls back to POST for servers that only route the latter. The
// server-reported hash must match the locally computed one or the
// result is discarded as ErrDataIntegrity.
func (c *Client) Upload(ctx context.Context, server, hash, mimeType string, data []byte) (*UploadResult, error) {
	unsigned, err := auth.UploadAuthEvent(hash)
	if err != nil {
		return nil, err
	}

	signed, err := c.signer.Sign(ctx, unsigned, c.identity)
	if err != nil {
		return nil, fmt.Errorf("signing upload auth: %w", err)
	}

	makeReq := func(method, header string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, server+"/upload", bytes.NewReader(data))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Authorization", header)
		req.Header.Set("Content-Type", mimeType)
		req.ContentLength = int64(len(data))

		return req, nil
	}

	resp, err := c.methodWithFallback(ctx, c.transfer, server, signed, makeReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(server, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading upload response: %w", err)
	}

	result := parseUploadResult(body)
	if result == nil {
		return nil, fmt.Errorf("upload response from %s: %w", server, bloberrors.ErrProtocolMismatch)
	}

	if result.SHA256 != "" && result.SHA256 != hash {
		return nil, fmt.Errorf("%w: sent %s, server reported %s", bloberrors.ErrDataIntegrity, hash, result.SHA256)
	}

	c.logger.Info("uploaded blob",
		slog.String("server", server),
		slog.String("hash", hash),
		slog.Int("bytes", len(data)),
	)

	return result, nil
}

// Mirror instructs a server to pull an already-hosted blob from its
// source URL, avoiding a raw re-upload.
func (c *Client) Mirror(ctx context.Context, server, hash, sourceURL string) (*UploadResult, error) {
	unsigned, err := auth.UploadAuthEvent(hash)
	if err != nil {
		return nil, err
	}

	signed, err := c.signer.Sign(ctx, unsigned, c.identity)
	if err != nil {
		return nil, fmt.Errorf("signing mirror auth: %w", err)
	}

	payload, err := json.Marshal(map[string]string{"url": sourceURL})
	if err != nil {
		return nil, fmt.Errorf("marshalling mirror request: %w", err)
	}

	makeReq := func(method, header string) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, server+"/mirror", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}

		req.Header.Set("Authorization", header)
		req.Header.Set("Content-Type", "application/json")

		return req, nil
	}

	resp, err := c.methodWithFallback(ctx, c.api, server, signed, makeReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, statusError(server, resp)
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxListResponseBytes))

	result := parseUploadResult(body)
	if result == nil {
		// Some servers return an empty 2xx body on mirror. Synthesize
		// the canonical URL.
		result = &UploadResult{URL: server + "/" + hash, SHA256: hash}
	}

	c.logger.Info("mirrored blob",
		slog.String("server", server),
		slog.String("hash", hash),
	)

	return result, nil
}

// Delete removes a blob from one server. Servers disagree on the path;
// /{sha256} is tried first with /media/{sha256} as the fallback.
func (c *Client) Delete(ctx context.Context, server, hash string) error {
	unsigned, err := auth.DeleteAuthEvent(hash)
	if err != nil {
		return err
	}

	signed, err := c.signer.Sign(ctx, unsigned, c.identity)
	if err != nil {
		return fmt.Errorf("signing delete auth: %w", err)
	}

	for _, path := range []string{"/" + hash, "/media/" + hash} {
		deleteURL := server + path

		resp, err := c.doAuthorized(ctx, c.api, server, signed, func(header string) (*http.Request, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, deleteURL, nil)
			if err != nil {
				return nil, err
			}

			req.Header.Set("Authorization", header)

			return req, nil
		})
		if err != nil {
			return err
		}

		status := resp.StatusCode
		drainAndClose(resp)

		if status >= 200 && status < 300 {
			c.logger.Info("deleted blob", slog.String("server", server), slog.String("hash", hash))
			return nil
		}

		// Anything other than "no such route" means the fallback path
		// will not help.
		if status != http.StatusNotFound && status != http.StatusMethodNotAllowed {
			return fmt.Errorf("%w: delete on %s returned %d", bloberrors.ErrServerFailed, server, status)
		}
	}

	return fmt.Errorf("%w: delete on %s: no accepted route", bloberrors.ErrServerFailed, server)
}

// Head reports whether the server already has the blob.
func (c *Client) Head(ctx context.Context, server, hash string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, server+"/"+hash, nil)
	if err != nil {
		return false, fmt.Errorf("creating head request: %w", err)
	}

	resp, err := c.probe.Do(req)
	if err != nil {
		return false, &TransientError{Err: fmt.Errorf("head %s on %s: %w", hash, server, err)}
	}
	drainAndClose(resp)

	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// Download fetches raw blob bytes from a URL, for vault mirroring.
func (c *Client) Download(ctx context.Context, blobURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, blobURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating download request: %w", err)
	}

	resp, err := c.transfer.Do(req)
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("downloading %s: %w", blobURL, err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: download %s returned %d", bloberrors.ErrServerFailed, blobURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading download body: %w", err)}
	}

	return data, nil
}

// methodWithFallback runs an authorized request with PUT, retrying with
// POST when the server rejects the method or route.
func (c *Client) methodWithFallback(ctx context.Context, httpClient *http.Client, server, signedEvent string, makeReq func(method, header string) (*http.Request, error)) (*http.Response, error) {
	resp, err := c.doAuthorized(ctx, httpClient, server, signedEvent, func(header string) (*http.Request, error) {
		return makeReq(http.MethodPut, header)
	})
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		return resp, nil
	}

	drainAndClose(resp)

	return c.doAuthorized(ctx, httpClient, server, signedEvent, func(header string) (*http.Request, error) {
		return makeReq(http.MethodPost, header)
	})
}

// parseUploadResult reads the {"url":..., "sha256":...} body servers
// return from upload and mirror. Returns nil when the shape is wrong.
func parseUploadResult(body []byte) *UploadResult {
	parsed := gjson.ParseBytes(body)
	if !parsed.IsObject() {
		return nil
	}

	u := parsed.Get("url").String()
	if u == "" {
		return nil
	}

	return &UploadResult{
		URL:    u,
		SHA256: strings.ToLower(parsed.Get("sha256").String()),
	}
}

// ServerBlob converts an upload result into the registry's blob shape,
// so uploads land in the registry through the same upsert as discovered
// blobs.
func (r *UploadResult) ServerBlob(server, hash, mimeType string, size, createdAt int64) blob.Blob {
	return blob.Blob{
		ContentHash:  hash,
		URL:          r.URL,
		SizeBytes:    size,
		MimeType:     mimeType,
		ServerURL:    server,
		CreationTime: createdAt,
	}
}
