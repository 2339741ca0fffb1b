package blob

// TagEdit is one metadata write with enough provenance to merge
// deterministically: where it came from and when it was made. Local
// edits carry a monotonic local timestamp; relay edits carry the event
// timestamp.
type TagEdit struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Local     bool   `json:"local"`
	Timestamp int64  `json:"ts"`
}

// MetaRecord is the durable per-hash store of user-authored labels and
// relay-discovered metadata, independent of which servers currently
// host the hash.
type MetaRecord struct {
	Hash string    `json:"hash"`
	Tags []TagEdit `json:"tags"`
}

// OrderedTags flattens the record into the display tag list, preserving
// edit order. Later edits for the same key are not included here; the
// merge layer guarantees one edit per key.
func (m MetaRecord) OrderedTags() []Tag {
	out := make([]Tag, 0, len(m.Tags))

	for _, e := range m.Tags {
		out = append(out, Tag{Key: e.Key, Value: e.Value})
	}

	return out
}

// Get returns the edit for a key, or nil.
func (m MetaRecord) Get(key string) *TagEdit {
	for i := range m.Tags {
		if m.Tags[i].Key == key {
			return &m.Tags[i]
		}
	}

	return nil
}
