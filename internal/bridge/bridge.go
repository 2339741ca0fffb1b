// Package bridge adapts the external signer and relay collaborators to
// their in-process interfaces. The protocols behind them are out of
// scope here: each capability is one HTTP endpoint that either answers
// or does not.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	bridgeTimeout = 30 * time.Second

	// maxBridgeResponseBytes caps response reads from the collaborator
	// endpoints.
	maxBridgeResponseBytes = 1024 * 1024
)

// HTTPSigner calls an external signer endpoint. A 204 response means
// the signer needs interactive confirmation; Sign then returns the
// empty string, per the collaborator contract.
type HTTPSigner struct {
	client  *http.Client
	baseURL string
}

// NewHTTPSigner creates a signer bridge against the given base URL.
func NewHTTPSigner(baseURL string) *HTTPSigner {
	return &HTTPSigner{
		client:  &http.Client{Timeout: bridgeTimeout},
		baseURL: baseURL,
	}
}

// Sign posts the unsigned event and returns the signed event JSON.
func (s *HTTPSigner) Sign(ctx context.Context, unsignedEventJSON, identity string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"event":    unsignedEventJSON,
		"identity": identity,
	})
	if err != nil {
		return "", fmt.Errorf("marshalling sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/sign", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating sign request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling signer: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return "", nil
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("signer returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBridgeResponseBytes))
	if err != nil {
		return "", fmt.Errorf("reading signer response: %w", err)
	}

	return string(body), nil
}

// HTTPRelay calls an external relay gateway endpoint implementing the
// publish/query capability.
type HTTPRelay struct {
	client  *http.Client
	baseURL string
}

// NewHTTPRelay creates a relay bridge against the given base URL.
func NewHTTPRelay(baseURL string) *HTTPRelay {
	return &HTTPRelay{
		client:  &http.Client{Timeout: bridgeTimeout},
		baseURL: baseURL,
	}
}

// Publish forwards a signed event; the gateway reports whether any
// relay accepted it.
func (r *HTTPRelay) Publish(ctx context.Context, signedEventJSON string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/publish", bytes.NewReader([]byte(signedEventJSON)))
	if err != nil {
		return false, fmt.Errorf("creating publish request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("calling relay gateway: %w", err)
	}
	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBridgeResponseBytes))

	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// Query forwards a filter and returns the matching raw event documents.
func (r *HTTPRelay) Query(ctx context.Context, filterJSON string) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/query", bytes.NewReader([]byte(filterJSON)))
	if err != nil {
		return nil, fmt.Errorf("creating query request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling relay gateway: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("relay gateway returned %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBridgeResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading query response: %w", err)
	}

	var events []json.RawMessage
	if err := json.Unmarshal(body, &events); err != nil {
		return nil, fmt.Errorf("decoding query response: %w", err)
	}

	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, string(e))
	}

	return out, nil
}
