package registry

import "github.com/alexjbarnes/blobsync/internal/blob"

// MediaKind selects a media-type filter applied after tier selection.
type MediaKind int

const (
	MediaAll MediaKind = iota
	MediaImages
	MediaVideos
)

// AllMedia returns the registry plus any extra discovered-but-unconfirmed
// records, deduplicated by content hash. Hosted entries win over
// unhosted ones for the same hash; among hosted entries the first in
// recency order wins.
func AllMedia(reg, extra []blob.Blob) []blob.Blob {
	seen := make(map[string]bool)

	var out []blob.Blob

	for _, b := range reg {
		if seen[b.ContentHash] {
			continue
		}

		seen[b.ContentHash] = true
		out = append(out, b)
	}

	for _, b := range extra {
		if seen[b.ContentHash] {
			continue
		}

		seen[b.ContentHash] = true
		out = append(out, b)
	}

	sortByRecency(out)

	return out
}

// PerServer returns the registry filtered to one server.
func PerServer(reg []blob.Blob, server string) []blob.Blob {
	var out []blob.Blob

	for _, b := range reg {
		if b.ServerURL == server {
			out = append(out, b)
		}
	}

	return out
}

// LocallyCached returns registry and trash entries whose hash is in the
// locally-cached set, deduplicated by hash.
func LocallyCached(reg, trash []blob.Blob, cached map[string]bool) []blob.Blob {
	var out []blob.Blob

	seen := make(map[string]bool)

	for _, b := range AllMedia(reg, trash) {
		if cached[b.ContentHash] && !seen[b.ContentHash] {
			seen[b.ContentHash] = true
			out = append(out, b)
		}
	}

	return out
}

// FilterMedia keeps only blobs of the requested media kind.
func FilterMedia(blobs []blob.Blob, kind MediaKind) []blob.Blob {
	if kind == MediaAll {
		return blobs
	}

	var out []blob.Blob

	for _, b := range blobs {
		switch kind {
		case MediaImages:
			if b.IsImage() {
				out = append(out, b)
			}
		case MediaVideos:
			if b.IsVideo() {
				out = append(out, b)
			}
		}
	}

	return out
}

// FilterTag keeps only blobs carrying a tag with the given key, and,
// when value is non-empty, that exact value.
func FilterTag(blobs []blob.Blob, key, value string) []blob.Blob {
	var out []blob.Blob

	for _, b := range blobs {
		for _, t := range b.Tags {
			if t.Key == key && (value == "" || t.Value == value) {
				out = append(out, b)
				break
			}
		}
	}

	return out
}

// Servers returns the distinct hosting servers for a hash, in registry
// order.
func Servers(reg []blob.Blob, hash string) []string {
	var out []string

	seen := make(map[string]bool)

	for _, b := range reg {
		if b.ContentHash == hash && b.ServerURL != "" && !seen[b.ServerURL] {
			seen[b.ServerURL] = true
			out = append(out, b.ServerURL)
		}
	}

	return out
}
