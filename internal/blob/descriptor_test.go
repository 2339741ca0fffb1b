package blob

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bloberrors "github.com/alexjbarnes/blobsync/internal/errors"
)

const testHash = "a665a45920422f9d417e4867efdc4fb8a04a1f3fff1fa07e998e86f7f7a27ae3"

func TestDecodeDescriptors_NormalizesFieldAliases(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		wantSize int64
		wantMime string
		wantTime int64
	}{
		{
			name:     "canonical fields",
			payload:  `[{"url":"https://s/x","sha256":"` + testHash + `","size":42,"type":"image/png","uploaded":1700000000}]`,
			wantSize: 42,
			wantMime: "image/png",
			wantTime: 1700000000,
		},
		{
			name:     "created_at alias and mime alias",
			payload:  `[{"url":"https://s/x","sha256":"` + testHash + `","size":42,"mime":"image/jpeg","created_at":1700000001}]`,
			wantSize: 42,
			wantMime: "image/jpeg",
			wantTime: 1700000001,
		},
		{
			name:     "size as string",
			payload:  `[{"url":"https://s/x","sha256":"` + testHash + `","size":"1024","type":"video/mp4","uploaded":"1700000002"}]`,
			wantSize: 1024,
			wantMime: "video/mp4",
			wantTime: 1700000002,
		},
		{
			name:     "missing optional fields default to zero",
			payload:  `[{"url":"https://s/x","sha256":"` + testHash + `"}]`,
			wantSize: 0,
			wantMime: "",
			wantTime: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blobs, err := DecodeDescriptors([]byte(tt.payload), "https://s")
			require.NoError(t, err)
			require.Len(t, blobs, 1)

			b := blobs[0]
			assert.Equal(t, testHash, b.ContentHash)
			assert.Equal(t, "https://s", b.ServerURL)
			assert.Equal(t, tt.wantSize, b.SizeBytes)
			assert.Equal(t, tt.wantMime, b.MimeType)
			assert.Equal(t, tt.wantTime, b.CreationTime)
		})
	}
}

func TestDecodeDescriptors_UppercaseHashNormalized(t *testing.T) {
	payload := `[{"url":"https://s/x","sha256":"` + strings.ToUpper(testHash) + `"}]`

	blobs, err := DecodeDescriptors([]byte(payload), "https://s")
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, testHash, blobs[0].ContentHash)
}

func TestDecodeDescriptors_SkipsInvalidEntries(t *testing.T) {
	payload := `[
		{"url":"https://s/ok","sha256":"` + testHash + `"},
		{"url":"","sha256":"` + testHash + `"},
		{"url":"https://s/badhash","sha256":"nothex"},
		"not an object"
	]`

	blobs, err := DecodeDescriptors([]byte(payload), "https://s")
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.Equal(t, "https://s/ok", blobs[0].URL)
}

func TestDecodeDescriptors_NonArrayIsProtocolMismatch(t *testing.T) {
	for _, payload := range []string{`{"error":"nope"}`, `null`, `garbage`} {
		_, err := DecodeDescriptors([]byte(payload), "https://s")
		assert.ErrorIs(t, err, bloberrors.ErrProtocolMismatch, payload)
	}
}

func TestBlobKeyAndHelpers(t *testing.T) {
	b := Blob{
		ContentHash: testHash,
		ServerURL:   "https://s",
		MimeType:    "image/jpeg",
		Tags:        []Tag{{Key: "name", Value: "cat.jpg"}},
	}

	assert.Equal(t, testHash+"|https://s", b.Key())
	assert.True(t, b.IsImage())
	assert.False(t, b.IsVideo())
	assert.Equal(t, "cat.jpg", b.TagValue("name"))
	assert.Equal(t, "", b.TagValue("missing"))
	assert.Equal(t, ".jpg", b.Ext())
}
