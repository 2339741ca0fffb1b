package blossom

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

// localCacheCandidates are the addresses probed for a nearby cache
// server. 10.0.2.2 is the host loopback as seen from emulated
// environments.
var localCacheCandidates = []string{
	"http://127.0.0.1:24242",
	"http://10.0.2.2:24242",
}

// DetectLocalCache probes the known local cache addresses and returns
// the first one that answers, or empty string. Any of 2xx/401/404
// counts as present: the probe only establishes that something is
// listening and speaking HTTP, not that it would authorize us.
func (c *Client) DetectLocalCache(ctx context.Context) string {
	for _, candidate := range localCacheCandidates {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, candidate, nil)
		if err != nil {
			continue
		}

		resp, err := c.probe.Do(req)
		if err != nil {
			continue
		}

		status := resp.StatusCode
		drainAndClose(resp)

		if (status >= 200 && status < 300) || status == http.StatusUnauthorized || status == http.StatusNotFound {
			c.logger.Info("local cache detected", slog.String("url", candidate))
			return candidate
		}
	}

	return ""
}

// ProxyFetch instructs the local cache to pull a blob from its remote
// origin by hash. The xs parameter carries the origin root so the cache
// knows where to fetch from; the response body is discarded, success is
// the status code.
func (c *Client) ProxyFetch(ctx context.Context, localServer, hash, ext, originURL string) error {
	origin, err := url.Parse(originURL)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return fmt.Errorf("invalid origin url %q", originURL)
	}

	root := origin.Scheme + "://" + origin.Host

	fetchURL := fmt.Sprintf("%s/%s%s?xs=%s", localServer, hash, ext, url.QueryEscape(root))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return fmt.Errorf("creating proxy-fetch request: %w", err)
	}

	resp, err := c.transfer.Do(req)
	if err != nil {
		return &TransientError{Err: fmt.Errorf("proxy-fetch %s: %w", hash, err)}
	}
	drainAndClose(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("proxy-fetch %s returned %d", hash, resp.StatusCode)
	}

	return nil
}
