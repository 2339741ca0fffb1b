// Package blossom is the HTTP client for one or more independently
// operated blob servers. It owns pagination, retries, and the
// authorization header fallback; callers get plain results and a
// caller-visible distinction between "server said empty" and "fetch
// failed".
package blossom

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/blobsync/internal/auth"
	bloberrors "github.com/alexjbarnes/blobsync/internal/errors"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// apiTimeout is the timeout for list/delete/mirror calls.
	apiTimeout = 30 * time.Second

	// transferTimeout is the timeout for upload and blob downloads,
	// which move real payloads.
	transferTimeout = 60 * time.Second

	// probeTimeout is the timeout for HEAD existence checks.
	probeTimeout = 10 * time.Second

	// maxListResponseBytes caps list response reads. A page of 256
	// descriptors fits comfortably; a misbehaving server does not get
	// unbounded memory.
	maxListResponseBytes = 4 * 1024 * 1024

	// maxBlobBytes caps blob downloads into the vault.
	maxBlobBytes = 512 * 1024 * 1024

	// pageRetries is how many times a single page fetch is retried on
	// transport-level errors.
	pageRetries = 2

	// retryBackoff is the fixed pause between page retry attempts.
	retryBackoff = 500 * time.Millisecond
)

// Client talks to blob servers. One client serves all configured
// servers; per-server state (the accepted header prefix) lives in the
// negotiator.
type Client struct {
	api        *http.Client
	transfer   *http.Client
	probe      *http.Client
	negotiator *auth.Negotiator
	signer     auth.Signer
	identity   string
	localCache string
	logger     *slog.Logger
}

// NewClient creates a blob server client. localCache is the base URL of
// the trusted local network cache, or empty when none was detected; a
// 401 from the local cache never triggers prefix renegotiation.
func NewClient(signer auth.Signer, identity, localCache string, logger *slog.Logger) *Client {
	return &Client{
		api:        &http.Client{Timeout: apiTimeout},
		transfer:   &http.Client{Timeout: transferTimeout},
		probe:      &http.Client{Timeout: probeTimeout},
		negotiator: auth.NewNegotiator(),
		signer:     signer,
		identity:   identity,
		localCache: localCache,
		logger:     logger,
	}
}

// SetLocalCache updates the trusted local cache URL after detection.
func (c *Client) SetLocalCache(url string) {
	c.localCache = url
}

// isLocal reports whether the server is the trusted local cache.
func (c *Client) isLocal(server string) bool {
	return c.localCache != "" && server == c.localCache
}

// signedHeader signs the given unsigned authorization event and encodes
// it under the prefix currently negotiated for the server.
func (c *Client) signedHeader(ctx context.Context, server, unsignedEvent string) (header, signed string, err error) {
	signed, err = c.signer.Sign(ctx, unsignedEvent, c.identity)
	if err != nil {
		return "", "", fmt.Errorf("signing auth event: %w", err)
	}

	if signed == "" {
		return "", "", bloberrors.ErrSignerUnavailable
	}

	return auth.BuildHeader(c.negotiator.PrefixFor(server), signed), signed, nil
}

// doAuthorized executes the request built by makeReq with the
// negotiated authorization header. On a 401 from a non-local server
// that has not already accepted a prefix this session, it retries once
// with the alternate prefix and remembers whichever one succeeds.
func (c *Client) doAuthorized(ctx context.Context, httpClient *http.Client, server, signedEvent string, makeReq func(header string) (*http.Request, error)) (*http.Response, error) {
	prefix := c.negotiator.PrefixFor(server)

	resp, err := c.send(httpClient, makeReq, auth.BuildHeader(prefix, signedEvent))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized {
		if resp.StatusCode < 300 {
			c.negotiator.Remember(server, prefix)
		}

		return resp, nil
	}

	if c.isLocal(server) || c.negotiator.Negotiated(server) {
		drainAndClose(resp)
		return nil, fmt.Errorf("%s: %w", server, bloberrors.ErrAuthRejected)
	}

	drainAndClose(resp)

	alt := auth.AlternatePrefix(prefix)
	c.logger.Debug("auth prefix rejected, retrying with alternate",
		slog.String("server", server),
		slog.String("prefix", alt),
	)

	resp, err = c.send(httpClient, makeReq, auth.BuildHeader(alt, signedEvent))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		drainAndClose(resp)
		return nil, fmt.Errorf("%s: %w", server, bloberrors.ErrAuthRejected)
	}

	if resp.StatusCode < 300 {
		c.negotiator.Remember(server, alt)
	}

	return resp, nil
}

func (c *Client) send(httpClient *http.Client, makeReq func(header string) (*http.Request, error), header string) (*http.Response, error) {
	req, err := makeReq(header)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("sending request to %s: %w", req.URL.Host, err)}
	}

	return resp, nil
}

// drainAndClose discards the remaining body so the connection can be
// reused, then closes it.
func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxListResponseBytes))
	_ = resp.Body.Close()
}

// statusError converts a non-2xx response into an error, classifying
// retryable server-side statuses as transient.
func statusError(server string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))

	err := fmt.Errorf("%w: %s returned %d: %s", bloberrors.ErrServerFailed, server, resp.StatusCode, sanitizeResponseBody(body))
	if isTransientStatus(resp.StatusCode) {
		return &TransientError{Err: err}
	}

	return err
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Replaces non-printable characters to
// prevent log injection.
func sanitizeResponseBody(body []byte) string {
	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return strings.TrimSpace(string(clean))
}
