// Package content canonicalizes media bytes and computes their
// content-addressed identity. Stripping embedded metadata before hashing
// means the same visual content always yields the same hash regardless
// of EXIF or text chunks added along the way.
package content

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// Result is the outcome of canonicalizing and hashing one payload.
type Result struct {
	// Hash is the lowercase hex SHA-256 of the canonical bytes.
	Hash string

	// Canonical is the payload with metadata segments removed. Uploads
	// must send these bytes, not the originals, or the server-computed
	// hash will not match.
	Canonical []byte

	// SizeBytes is len(Canonical).
	SizeBytes int64
}

// Process canonicalizes src according to its MIME type and hashes the
// canonical bytes. JPEG and PNG payloads get their metadata segments
// stripped; every other type passes through unmodified. Malformed or
// truncated input is copied through unchanged rather than failing the
// hash operation.
func Process(src []byte, mimeType string) Result {
	var canonical []byte

	switch mimeType {
	case "image/jpeg":
		canonical = stripJPEGMetadata(src)
	case "image/png":
		canonical = stripPNGMetadata(src)
	default:
		canonical = src
	}

	sum := sha256.Sum256(canonical)

	return Result{
		Hash:      hex.EncodeToString(sum[:]),
		Canonical: canonical,
		SizeBytes: int64(len(canonical)),
	}
}

const (
	jpegMarkerPrefix = 0xFF
	jpegSOI          = 0xD8
	jpegAPP1         = 0xE1
	jpegSOS          = 0xDA
)

// stripJPEGMetadata removes APP1 (Exif/XMP) segments while preserving
// JFIF (APP0), ICC (APP2), Adobe (APP14), and everything from the start
// of scan onward byte-identical. Any structural surprise returns the
// input unchanged.
func stripJPEGMetadata(src []byte) []byte {
	if len(src) < 4 || src[0] != jpegMarkerPrefix || src[1] != jpegSOI {
		return src
	}

	out := make([]byte, 0, len(src))
	out = append(out, src[0], src[1])

	i := 2
	for i < len(src) {
		// Fill bytes before a marker are legal.
		if src[i] != jpegMarkerPrefix {
			return src
		}

		if i+1 >= len(src) {
			return src
		}

		marker := src[i+1]

		// Start of scan: entropy-coded data follows, copy the rest
		// verbatim including the marker.
		if marker == jpegSOS {
			out = append(out, src[i:]...)
			return out
		}

		// Standalone markers (RST, TEM) have no length field.
		if marker == 0x01 || (marker >= 0xD0 && marker <= 0xD9) {
			out = append(out, src[i], src[i+1])
			i += 2

			continue
		}

		if i+4 > len(src) {
			return src
		}

		segLen := int(binary.BigEndian.Uint16(src[i+2 : i+4]))
		if segLen < 2 || i+2+segLen > len(src) {
			return src
		}

		if marker != jpegAPP1 {
			out = append(out, src[i:i+2+segLen]...)
		}

		i += 2 + segLen
	}

	return out
}

var pngSignature = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n'}

// pngMetadataChunks are the chunk types removed during canonicalization.
// Everything else, IHDR/IDAT/IEND included, is copied byte-identical.
var pngMetadataChunks = map[string]bool{
	"eXIf": true,
	"tEXt": true,
	"zTXt": true,
	"iTXt": true,
}

// stripPNGMetadata removes metadata chunks by chunk type. Any structural
// surprise returns the input unchanged.
func stripPNGMetadata(src []byte) []byte {
	if !bytes.HasPrefix(src, pngSignature) {
		return src
	}

	out := make([]byte, 0, len(src))
	out = append(out, pngSignature...)

	i := len(pngSignature)
	for i < len(src) {
		if i+8 > len(src) {
			return src
		}

		dataLen := int(binary.BigEndian.Uint32(src[i : i+4]))
		chunkType := string(src[i+4 : i+8])

		// length + type + data + CRC
		total := 8 + dataLen + 4
		if dataLen < 0 || i+total > len(src) {
			return src
		}

		if !pngMetadataChunks[chunkType] {
			out = append(out, src[i:i+total]...)
		}

		i += total
	}

	return out
}
