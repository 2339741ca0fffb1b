// Package blob defines the content-addressed blob model shared by the
// registry, the server client, and the cache tiers.
package blob

import "strings"

// Tag is one ordered (key, value) pair of attached metadata. Keys are
// not unique across sources; user-authored values win over
// server-embedded values for the same key during merge.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Blob is one server-hosted copy of a file. Identity is the pair
// (ContentHash, ServerURL); the same content on two servers is two
// records.
type Blob struct {
	// ContentHash is the lowercase hex SHA-256 of the canonicalized
	// bytes. Never mutated after creation.
	ContentHash string `json:"sha256"`

	// URL is the fetch location, specific to ServerURL.
	URL string `json:"url"`

	// SizeBytes and MimeType are best-effort, normalized from whatever
	// field names the hosting server used.
	SizeBytes int64  `json:"size"`
	MimeType  string `json:"type"`

	// ServerURL is empty for records not currently confirmed on any
	// remote server (vault/trash-only).
	ServerURL string `json:"server"`

	// CreationTime is a unix timestamp used only for sort ordering.
	// Zero sorts last.
	CreationTime int64 `json:"uploaded"`

	// Tags is the ordered metadata attached to this blob.
	Tags []Tag `json:"tags,omitempty"`
}

// Key returns the registry identity of this record.
func (b Blob) Key() string {
	return b.ContentHash + "|" + b.ServerURL
}

// IsImage reports whether the blob's MIME type is an image type.
func (b Blob) IsImage() bool {
	return strings.HasPrefix(b.MimeType, "image/")
}

// IsVideo reports whether the blob's MIME type is a video type.
func (b Blob) IsVideo() bool {
	return strings.HasPrefix(b.MimeType, "video/")
}

// TagValue returns the value of the first tag with the given key, or
// empty string.
func (b Blob) TagValue(key string) string {
	for _, t := range b.Tags {
		if t.Key == key {
			return t.Value
		}
	}

	return ""
}

// Ext returns a file extension (with leading dot) for the blob's MIME
// type, or empty string when unknown. Used for vault file naming and
// local cache proxy-fetch paths.
func (b Blob) Ext() string {
	switch b.MimeType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "image/avif":
		return ".avif"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "video/quicktime":
		return ".mov"
	}

	return ""
}
