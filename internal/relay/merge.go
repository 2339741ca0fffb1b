package relay

import (
	"golang.org/x/text/unicode/norm"

	"github.com/alexjbarnes/blobsync/internal/blob"
)

// localEditGraceWindow is how long (seconds) a local edit beats any
// relay-sourced edit for the same key, regardless of the relay event's
// timestamp. A slow background refresh can never silently erase a
// fresh local edit.
const localEditGraceWindow = 300

// MergeMeta folds incoming relay edits into a metadata record without
// destructive overwrites. The tie-break is deterministic:
//
//   - a local edit younger than the grace window wins over any relay
//     edit for the same key
//   - otherwise the higher timestamp wins
//   - exact ties go to the local edit
//
// New keys append in arrival order, preserving the record's ordering.
func MergeMeta(current blob.MetaRecord, incoming []blob.TagEdit, now int64) blob.MetaRecord {
	merged := blob.MetaRecord{
		Hash: current.Hash,
		Tags: append([]blob.TagEdit(nil), current.Tags...),
	}

	for _, in := range incoming {
		in = canonicalTag(in)

		existing := merged.Get(in.Key)
		if existing == nil {
			merged.Tags = append(merged.Tags, in)
			continue
		}

		if !edgesOut(*existing, in, now) {
			continue
		}

		*existing = in
	}

	return merged
}

// ApplyLocalEdit records a user-authored label write. Local edits
// always land: the user just made them.
func ApplyLocalEdit(current blob.MetaRecord, key, value string, now int64) blob.MetaRecord {
	edit := canonicalTag(blob.TagEdit{Key: key, Value: value, Local: true, Timestamp: now})

	merged := blob.MetaRecord{
		Hash: current.Hash,
		Tags: append([]blob.TagEdit(nil), current.Tags...),
	}

	if existing := merged.Get(key); existing != nil {
		*existing = edit
		return merged
	}

	merged.Tags = append(merged.Tags, edit)

	return merged
}

// canonicalTag returns the edit with key and value in Unicode NFC form.
// Relay clients and filesystems disagree on composed vs decomposed
// input (macOS emits decomposed file names); without normalization the
// same label arriving both ways would merge as two distinct keys.
func canonicalTag(e blob.TagEdit) blob.TagEdit {
	e.Key = norm.NFC.String(e.Key)
	e.Value = norm.NFC.String(e.Value)

	return e
}

// edgesOut reports whether the incoming edit replaces the existing one.
func edgesOut(existing, incoming blob.TagEdit, now int64) bool {
	if existing.Local && !incoming.Local {
		if now-existing.Timestamp < localEditGraceWindow {
			return false
		}
	}

	if incoming.Timestamp != existing.Timestamp {
		return incoming.Timestamp > existing.Timestamp
	}

	// Exact tie: local wins.
	return !existing.Local && incoming.Local
}
