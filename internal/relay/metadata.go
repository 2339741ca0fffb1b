package relay

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/blobsync/internal/blob"
)

// fileMetadataKind is the NIP-94 file metadata event kind.
const fileMetadataKind = 1063

// metadataEvent is the unsigned file metadata event sent to the signer
// after an upload completes.
type metadataEvent struct {
	Kind      int        `json:"kind"`
	CreatedAt int64      `json:"created_at"`
	Content   string     `json:"content"`
	Tags      [][]string `json:"tags"`
}

// BuildFileMetadataEvent constructs the unsigned file metadata event
// for a freshly uploaded blob. primaryURL is the upload destination;
// mirrorURLs are carried as fallbacks. User tags ride along verbatim.
func BuildFileMetadataEvent(hash, mimeType, primaryURL string, size int64, mirrorURLs []string, userTags []blob.Tag) (string, error) {
	tags := [][]string{
		{"url", primaryURL},
		{"x", hash},
	}

	if mimeType != "" {
		tags = append(tags, []string{"m", mimeType})
	}

	if size > 0 {
		tags = append(tags, []string{"size", fmt.Sprintf("%d", size)})
	}

	for _, u := range mirrorURLs {
		tags = append(tags, []string{"fallback", u})
	}

	for _, t := range userTags {
		tags = append(tags, []string{t.Key, t.Value})
	}

	data, err := json.Marshal(metadataEvent{
		Kind:      fileMetadataKind,
		CreatedAt: time.Now().Unix(),
		Content:   "",
		Tags:      tags,
	})
	if err != nil {
		return "", fmt.Errorf("marshalling metadata event: %w", err)
	}

	return string(data), nil
}

// MetadataFilter returns the relay query filter for file metadata
// events authored by the given pubkey.
func MetadataFilter(pubkey string) string {
	return fmt.Sprintf(`{"kinds":[%d],"authors":[%q]}`, fileMetadataKind, pubkey)
}

// wireTags are transport-level tag keys that describe hosting rather
// than user-authored metadata; they are not merged into the label set.
var wireTags = map[string]bool{
	"url":      true,
	"fallback": true,
	"x":        true,
}

// ParseFileMetadataEvent extracts the content hash and relay-sourced
// tag edits from a raw event JSON document. Events without an x tag or
// of the wrong kind return an empty hash.
func ParseFileMetadataEvent(eventJSON string) (hash string, edits []blob.TagEdit) {
	parsed := gjson.Parse(eventJSON)

	if parsed.Get("kind").Int() != fileMetadataKind {
		return "", nil
	}

	createdAt := parsed.Get("created_at").Int()

	parsed.Get("tags").ForEach(func(_, tag gjson.Result) bool {
		parts := tag.Array()
		if len(parts) < 2 {
			return true
		}

		key := parts[0].String()
		value := parts[1].String()

		if key == "x" {
			hash = strings.ToLower(value)
			return true
		}

		if wireTags[key] {
			return true
		}

		edits = append(edits, blob.TagEdit{
			Key:       key,
			Value:     value,
			Local:     false,
			Timestamp: createdAt,
		})

		return true
	})

	if len(hash) != 64 {
		return "", nil
	}

	return hash, edits
}
