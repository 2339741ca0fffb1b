package blob

import (
	"strings"

	"github.com/tidwall/gjson"

	bloberrors "github.com/alexjbarnes/blobsync/internal/errors"
)

// Server dialects disagree on descriptor field names. Size shows up as
// "size" or "length", MIME type as "type" or "mime", and the creation
// timestamp as "uploaded", "created_at", or "created". Several servers
// also emit numbers as JSON strings. All of that is normalized here, at
// the boundary, so nothing downstream carries the ambiguity.
var (
	sizeFields = []string{"size", "length"}
	typeFields = []string{"type", "mime"}
	timeFields = []string{"uploaded", "created_at", "created"}
)

// DecodeDescriptors parses a server's blob listing response into Blob
// records bound to the given server URL. A response that is not a JSON
// array returns ErrProtocolMismatch; individual entries missing the
// required url/sha256 fields are skipped rather than failing the page.
func DecodeDescriptors(data []byte, serverURL string) ([]Blob, error) {
	parsed := gjson.ParseBytes(data)
	if !parsed.IsArray() {
		return nil, bloberrors.ErrProtocolMismatch
	}

	var blobs []Blob

	parsed.ForEach(func(_, entry gjson.Result) bool {
		b, ok := decodeOne(entry, serverURL)
		if ok {
			blobs = append(blobs, b)
		}

		return true
	})

	return blobs, nil
}

func decodeOne(entry gjson.Result, serverURL string) (Blob, bool) {
	if !entry.IsObject() {
		return Blob{}, false
	}

	sha := strings.ToLower(strings.TrimSpace(entry.Get("sha256").String()))
	url := entry.Get("url").String()

	if !validHash(sha) || url == "" {
		return Blob{}, false
	}

	return Blob{
		ContentHash:  sha,
		URL:          url,
		SizeBytes:    firstInt(entry, sizeFields),
		MimeType:     firstString(entry, typeFields),
		ServerURL:    serverURL,
		CreationTime: firstInt(entry, timeFields),
	}, true
}

// firstInt returns the first of the named fields that is present,
// accepting both JSON numbers and numeric strings.
func firstInt(entry gjson.Result, fields []string) int64 {
	for _, f := range fields {
		v := entry.Get(f)
		if !v.Exists() {
			continue
		}

		// gjson coerces numeric strings through Int(); a non-numeric
		// string coerces to 0, which is the documented default anyway.
		if n := v.Int(); n > 0 {
			return n
		}
	}

	return 0
}

func firstString(entry gjson.Result, fields []string) string {
	for _, f := range fields {
		if v := entry.Get(f); v.Exists() && v.String() != "" {
			return v.String()
		}
	}

	return ""
}

// validHash reports whether s looks like a lowercase hex SHA-256.
func validHash(s string) bool {
	if len(s) != 64 {
		return false
	}

	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}

	return true
}
