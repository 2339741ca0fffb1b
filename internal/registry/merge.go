// Package registry holds the reconciliation core: pure functions that
// combine fresh per-server listings with the previously known registry.
// No I/O happens here; the syncer persists whatever comes out.
package registry

import (
	"sort"

	"github.com/alexjbarnes/blobsync/internal/blob"
)

// ServerResult is one server's contribution to a refresh cycle. Err
// non-nil means the fetch failed and Blobs may be partial; an Err of
// nil with zero blobs means the server confirmed it hosts nothing.
// The merge treats those two cases very differently.
type ServerResult struct {
	Server string
	Blobs  []blob.Blob
	Err    error
}

// Merge combines fresh per-server results with the current registry and
// trash. It is registry-first and never destructive:
//
//   - every incoming (hash, server) result is upserted, replacing the
//     entry for that exact key or appending a new one
//   - entries on a server that responded successfully but no longer
//     lists them are dropped from the registry
//   - entries on a server whose fetch failed are left untouched
//   - a hash is demoted to Trash only when every server in the cycle
//     responded and none of them host it
//   - on an incomplete cycle, a delisted entry that is the hash's last
//     one is retained instead of dropped: demotion needs every server's
//     answer, and dropping now would strand the hash outside both the
//     registry and Trash
//   - a trashed hash that reappears in any fresh result leaves Trash in
//     the same merge, so it is never visible in both sets
//
// The returned registry is deduplicated by (hash, server) and sorted by
// creation time descending, unknown timestamps last.
func Merge(current []blob.Blob, results []ServerResult, trash []blob.Blob) (newRegistry, newTrash []blob.Blob) {
	entries := make(map[string]blob.Blob, len(current))
	order := make([]string, 0, len(current))

	for _, b := range current {
		if _, ok := entries[b.Key()]; !ok {
			order = append(order, b.Key())
		}

		entries[b.Key()] = b
	}

	allResponded := true
	freshHashes := make(map[string]bool)

	var delisted []string

	for _, res := range results {
		if res.Err != nil {
			allResponded = false
			continue
		}

		listed := make(map[string]bool, len(res.Blobs))

		for _, b := range res.Blobs {
			listed[b.ContentHash] = true
			freshHashes[b.ContentHash] = true

			if _, ok := entries[b.Key()]; !ok {
				order = append(order, b.Key())
			}

			entries[b.Key()] = b
		}

		// The server answered; anything it no longer lists is gone from
		// that server.
		for key, b := range entries {
			if b.ServerURL == res.Server && !listed[b.ContentHash] {
				delisted = append(delisted, key)
			}
		}
	}

	remaining := make(map[string]int)

	for _, b := range entries {
		if b.ServerURL != "" {
			remaining[b.ContentHash]++
		}
	}

	for _, key := range delisted {
		remaining[entries[key].ContentHash]--
	}

	for _, key := range delisted {
		// A hash's last entry survives an incomplete cycle. Demotion
		// requires every server's answer, and the demotion scan walks the
		// prior registry, so dropping the entry now would leave the hash
		// untracked forever.
		if !allResponded && remaining[entries[key].ContentHash] == 0 {
			continue
		}

		delete(entries, key)
	}

	hosted := make(map[string]bool)
	for _, b := range entries {
		if b.ServerURL != "" {
			hosted[b.ContentHash] = true
		}
	}

	// Rebuild the trash: keep existing trash entries unless the hash
	// reappeared; demote newly unhosted hashes only on a complete cycle.
	trashed := make(map[string]bool, len(trash))

	for _, t := range trash {
		if freshHashes[t.ContentHash] || hosted[t.ContentHash] {
			continue
		}

		if trashed[t.ContentHash] {
			continue
		}

		trashed[t.ContentHash] = true
		newTrash = append(newTrash, t)
	}

	if allResponded {
		for _, b := range current {
			if hosted[b.ContentHash] || trashed[b.ContentHash] {
				continue
			}

			trashed[b.ContentHash] = true

			demoted := b
			demoted.ServerURL = ""
			newTrash = append(newTrash, demoted)
		}
	}

	newRegistry = make([]blob.Blob, 0, len(entries))

	for _, key := range order {
		if b, ok := entries[key]; ok {
			newRegistry = append(newRegistry, b)
		}
	}

	sortByRecency(newRegistry)
	sortByRecency(newTrash)

	return newRegistry, newTrash
}

// Upsert adds or replaces a single (hash, server) entry, removing the
// hash from trash if present. Used by the upload path so uploads land
// in the registry exactly as discovered blobs do.
func Upsert(current []blob.Blob, entry blob.Blob, trash []blob.Blob) (newRegistry, newTrash []blob.Blob) {
	replaced := false

	for _, b := range current {
		if b.Key() == entry.Key() {
			newRegistry = append(newRegistry, entry)
			replaced = true

			continue
		}

		newRegistry = append(newRegistry, b)
	}

	if !replaced {
		newRegistry = append(newRegistry, entry)
	}

	for _, t := range trash {
		if t.ContentHash == entry.ContentHash {
			continue
		}

		newTrash = append(newTrash, t)
	}

	sortByRecency(newRegistry)

	return newRegistry, newTrash
}

// RemoveServer drops the entry for one (hash, server) pair after a
// confirmed delete against that exact server. When that was the last
// hosting server, the hash moves to trash in the same operation.
func RemoveServer(current []blob.Blob, hash, server string, trash []blob.Blob) (newRegistry, newTrash []blob.Blob) {
	var removed *blob.Blob

	stillHosted := false

	for _, b := range current {
		if b.ContentHash == hash && b.ServerURL == server {
			removed = &b
			continue
		}

		if b.ContentHash == hash && b.ServerURL != "" {
			stillHosted = true
		}

		newRegistry = append(newRegistry, b)
	}

	newTrash = trash

	if removed != nil && !stillHosted {
		demoted := *removed
		demoted.ServerURL = ""

		already := false

		for _, t := range trash {
			if t.ContentHash == hash {
				already = true
				break
			}
		}

		if !already {
			newTrash = append(newTrash, demoted)
			sortByRecency(newTrash)
		}
	}

	return newRegistry, newTrash
}

// sortByRecency orders blobs by creation time descending. Unknown
// timestamps (zero) sort last. The sort is stable so equal timestamps
// keep their upsert order across refreshes.
func sortByRecency(blobs []blob.Blob) {
	sort.SliceStable(blobs, func(i, j int) bool {
		ti, tj := blobs[i].CreationTime, blobs[j].CreationTime
		if ti == 0 {
			return false
		}

		if tj == 0 {
			return true
		}

		return ti > tj
	})
}
