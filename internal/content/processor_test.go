package content

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildJPEG assembles a minimal structurally-valid JPEG from segments.
func buildJPEG(segments ...[]byte) []byte {
	out := []byte{0xFF, 0xD8}
	for _, seg := range segments {
		out = append(out, seg...)
	}

	return out
}

func jpegSegment(marker byte, payload []byte) []byte {
	length := len(payload) + 2
	seg := []byte{0xFF, marker, byte(length >> 8), byte(length)}

	return append(seg, payload...)
}

var (
	app0JFIF = jpegSegment(0xE0, append([]byte("JFIF\x00"), 1, 2, 0, 0, 1, 0, 1, 0, 0))
	app1Exif = jpegSegment(0xE1, append([]byte("Exif\x00\x00"), 0x4D, 0x4D, 0, 0x2A))
	app2ICC  = jpegSegment(0xE2, []byte("ICC_PROFILE\x00 fake"))
	scanData = append(jpegSegment(0xDA, []byte{1, 0, 0, 0x3F, 0}), 0xAB, 0xCD, 0xEF, 0xFF, 0xD9)
)

func TestProcessJPEG_StripsAPP1(t *testing.T) {
	src := buildJPEG(app0JFIF, app1Exif, app2ICC, scanData)
	want := buildJPEG(app0JFIF, app2ICC, scanData)

	result := Process(src, "image/jpeg")

	assert.Equal(t, want, result.Canonical)
	assert.Equal(t, int64(len(want)), result.SizeBytes)

	sum := sha256.Sum256(want)
	assert.Equal(t, hex.EncodeToString(sum[:]), result.Hash)
}

func TestProcessJPEG_PreservesNonMetadataSegments(t *testing.T) {
	src := buildJPEG(app0JFIF, app2ICC, scanData)

	result := Process(src, "image/jpeg")

	assert.Equal(t, src, result.Canonical)
}

func TestProcessJPEG_HashStable(t *testing.T) {
	// Processing an already-processed file yields the same hash as
	// processing once.
	src := buildJPEG(app0JFIF, app1Exif, scanData)

	once := Process(src, "image/jpeg")
	twice := Process(once.Canonical, "image/jpeg")

	assert.Equal(t, once.Hash, twice.Hash)
	assert.Equal(t, once.Canonical, twice.Canonical)
}

func TestProcessJPEG_MalformedPassesThrough(t *testing.T) {
	tests := []struct {
		name string
		src  []byte
	}{
		{"not a jpeg", []byte("hello world")},
		{"truncated after SOI", []byte{0xFF, 0xD8, 0xFF}},
		{"segment length past end", buildJPEG([]byte{0xFF, 0xE1, 0x7F, 0xFF, 0x00})},
		{"garbage between segments", buildJPEG(app0JFIF, []byte{0x00, 0x01}, scanData)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Process(tt.src, "image/jpeg")
			assert.Equal(t, tt.src, result.Canonical, "malformed input must pass through unchanged")
		})
	}
}

func pngChunk(chunkType string, data []byte) []byte {
	out := make([]byte, 0, len(data)+12)
	out = append(out, byte(len(data)>>24), byte(len(data)>>16), byte(len(data)>>8), byte(len(data)))
	out = append(out, chunkType...)
	out = append(out, data...)
	// CRC bytes are carried verbatim, not validated.
	out = append(out, 0xDE, 0xAD, 0xBE, 0xEF)

	return out
}

func buildPNG(chunks ...[]byte) []byte {
	out := append([]byte{}, pngSignature...)
	for _, c := range chunks {
		out = append(out, c...)
	}

	return out
}

func TestProcessPNG_StripsMetadataChunks(t *testing.T) {
	ihdr := pngChunk("IHDR", make([]byte, 13))
	text := pngChunk("tEXt", []byte("Comment\x00made by hand"))
	ztxt := pngChunk("zTXt", []byte("Title\x00\x00xxxx"))
	itxt := pngChunk("iTXt", []byte("Alt\x00\x00\x00\x00\x00hello"))
	exif := pngChunk("eXIf", []byte{0x4D, 0x4D, 0, 0x2A})
	idat := pngChunk("IDAT", []byte{1, 2, 3, 4})
	iend := pngChunk("IEND", nil)

	src := buildPNG(ihdr, text, ztxt, exif, idat, itxt, iend)
	want := buildPNG(ihdr, idat, iend)

	result := Process(src, "image/png")

	assert.Equal(t, want, result.Canonical)
}

func TestProcessPNG_HashStable(t *testing.T) {
	src := buildPNG(
		pngChunk("IHDR", make([]byte, 13)),
		pngChunk("tEXt", []byte("k\x00v")),
		pngChunk("IDAT", []byte{9, 9}),
		pngChunk("IEND", nil),
	)

	once := Process(src, "image/png")
	twice := Process(once.Canonical, "image/png")

	assert.Equal(t, once.Hash, twice.Hash)
}

func TestProcessPNG_MalformedPassesThrough(t *testing.T) {
	truncated := append(append([]byte{}, pngSignature...), 0, 0, 0, 99, 'I', 'D', 'A', 'T', 1)

	result := Process(truncated, "image/png")

	assert.Equal(t, truncated, result.Canonical)
}

func TestProcess_OtherTypesPassThrough(t *testing.T) {
	src := []byte("arbitrary video bytes")

	result := Process(src, "video/mp4")

	require.Equal(t, src, result.Canonical)

	sum := sha256.Sum256(src)
	assert.Equal(t, hex.EncodeToString(sum[:]), result.Hash)
}

func TestProcess_SameContentDifferentMetadataSameHash(t *testing.T) {
	withExif := buildJPEG(app0JFIF, app1Exif, scanData)
	withoutExif := buildJPEG(app0JFIF, scanData)

	a := Process(withExif, "image/jpeg")
	b := Process(withoutExif, "image/jpeg")

	assert.Equal(t, a.Hash, b.Hash)
	assert.False(t, bytes.Equal(withExif, withoutExif), "inputs differ, hashes agree")
}
