// Package auth builds blob server authorization events and negotiates
// the transport header format each server accepts.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

//go:generate mockgen -source=auth.go -destination=mock_signer.go -package=auth

// Signer is the external signing capability. Sign returns the signed
// event JSON, or empty string when the signer needs interactive
// confirmation and cannot sign unattended.
type Signer interface {
	Sign(ctx context.Context, unsignedEventJSON, identity string) (string, error)
}

const (
	// authEventKind is the Blossom authorization event kind.
	authEventKind = 24242

	// authEventTTL is how long an authorization event stays valid.
	authEventTTL = 10 * time.Minute
)

// unsignedEvent is the Nostr-shaped authorization event sent to the
// external signer.
type unsignedEvent struct {
	Kind      int        `json:"kind"`
	CreatedAt int64      `json:"created_at"`
	Content   string     `json:"content"`
	Tags      [][]string `json:"tags"`
}

func buildEvent(verb, content string, extra ...[]string) (string, error) {
	now := time.Now()

	tags := [][]string{
		{"t", verb},
		{"expiration", fmt.Sprintf("%d", now.Add(authEventTTL).Unix())},
	}
	tags = append(tags, extra...)

	data, err := json.Marshal(unsignedEvent{
		Kind:      authEventKind,
		CreatedAt: now.Unix(),
		Content:   content,
		Tags:      tags,
	})
	if err != nil {
		return "", fmt.Errorf("marshalling auth event: %w", err)
	}

	return string(data), nil
}

// ListAuthEvent returns the unsigned authorization event for listing a
// user's blobs.
func ListAuthEvent() (string, error) {
	return buildEvent("list", "List Blobs")
}

// UploadAuthEvent returns the unsigned authorization event for
// uploading or mirroring the blob with the given hash.
func UploadAuthEvent(hash string) (string, error) {
	return buildEvent("upload", "Upload Blob", []string{"x", hash})
}

// DeleteAuthEvent returns the unsigned authorization event for deleting
// the blob with the given hash.
func DeleteAuthEvent(hash string) (string, error) {
	return buildEvent("delete", "Delete Blob", []string{"x", hash})
}

// GetAuthEvent returns the unsigned authorization event for fetching
// blob bytes, used when a server gates downloads.
func GetAuthEvent(hash string) (string, error) {
	return buildEvent("get", "Get Blob", []string{"x", hash})
}
