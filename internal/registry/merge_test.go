package registry

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/blobsync/internal/blob"
)

const (
	hashX = "1111111111111111111111111111111111111111111111111111111111111111"
	hashY = "2222222222222222222222222222222222222222222222222222222222222222"
	hashZ = "3333333333333333333333333333333333333333333333333333333333333333"

	serverA = "https://a.example"
	serverB = "https://b.example"
)

func hosted(hash, server string, created int64) blob.Blob {
	return blob.Blob{
		ContentHash:  hash,
		URL:          server + "/" + hash,
		ServerURL:    server,
		CreationTime: created,
	}
}

func trashed(hash string) blob.Blob {
	return blob.Blob{ContentHash: hash}
}

func ok(server string, blobs ...blob.Blob) ServerResult {
	return ServerResult{Server: server, Blobs: blobs}
}

func failed(server string) ServerResult {
	return ServerResult{Server: server, Err: errors.New("connection refused")}
}

// hashesOnServers collects hash -> set of hosting servers.
func hashesOnServers(reg []blob.Blob) map[string]map[string]bool {
	out := make(map[string]map[string]bool)

	for _, b := range reg {
		if out[b.ContentHash] == nil {
			out[b.ContentHash] = make(map[string]bool)
		}

		out[b.ContentHash][b.ServerURL] = true
	}

	return out
}

func TestMerge_UpsertsFreshResults(t *testing.T) {
	reg, trash := Merge(nil, []ServerResult{
		ok(serverA, hosted(hashX, serverA, 10), hosted(hashY, serverA, 20)),
		ok(serverB, hosted(hashY, serverB, 20), hosted(hashZ, serverB, 30)),
	}, nil)

	require.Len(t, reg, 4)
	assert.Empty(t, trash)

	byHash := hashesOnServers(reg)
	assert.True(t, byHash[hashX][serverA])
	assert.True(t, byHash[hashY][serverA])
	assert.True(t, byHash[hashY][serverB])
	assert.True(t, byHash[hashZ][serverB])
}

func TestMerge_RefreshReplacesExistingEntry(t *testing.T) {
	current := []blob.Blob{hosted(hashX, serverA, 10)}

	updated := hosted(hashX, serverA, 10)
	updated.SizeBytes = 999

	reg, _ := Merge(current, []ServerResult{ok(serverA, updated)}, nil)

	require.Len(t, reg, 1)
	assert.Equal(t, int64(999), reg[0].SizeBytes)
}

func TestMerge_FailedServerIsNonDestructive(t *testing.T) {
	// Server A fails to respond; its entries and the trash must be
	// byte-for-byte untouched.
	current := []blob.Blob{hosted(hashX, serverA, 10), hosted(hashY, serverA, 20)}
	trash := []blob.Blob{trashed(hashZ)}

	reg, newTrash := Merge(current, []ServerResult{failed(serverA)}, trash)

	assert.Equal(t, current, reg)
	assert.Equal(t, trash, newTrash)
}

func TestMerge_PartialDemotionKeepsHashOutOfTrash(t *testing.T) {
	// h hosted on A and B; fresh listing has it only on B. The A entry
	// goes away but the hash is still hosted, so no trash.
	current := []blob.Blob{hosted(hashX, serverA, 10), hosted(hashX, serverB, 10)}

	reg, trash := Merge(current, []ServerResult{
		ok(serverA),
		ok(serverB, hosted(hashX, serverB, 10)),
	}, nil)

	require.Len(t, reg, 1)
	assert.Equal(t, serverB, reg[0].ServerURL)
	assert.Empty(t, trash)
}

func TestMerge_FullDemotionMovesToTrash(t *testing.T) {
	// The only hosting server confirms empty (not failed): the hash is
	// demoted to trash with no server URL.
	current := []blob.Blob{hosted(hashX, serverA, 10)}

	reg, trash := Merge(current, []ServerResult{ok(serverA)}, nil)

	assert.Empty(t, reg)
	require.Len(t, trash, 1)
	assert.Equal(t, hashX, trash[0].ContentHash)
	assert.Equal(t, "", trash[0].ServerURL)
}

func TestMerge_NoDemotionWhileAnyServerFailed(t *testing.T) {
	// A confirms empty but B failed: the cycle is incomplete, so the
	// hash cannot be trashed yet. Its last entry is retained so a later
	// complete cycle can still demote it.
	current := []blob.Blob{hosted(hashX, serverA, 10)}

	reg, trash := Merge(current, []ServerResult{ok(serverA), failed(serverB)}, nil)

	require.Len(t, reg, 1)
	assert.Equal(t, hashX, reg[0].ContentHash)
	assert.Empty(t, trash)
}

func TestMerge_DelistedLastCopySurvivesUntilCompleteCycle(t *testing.T) {
	// Cycle 1: the only hosting server confirms the hash absent while
	// another server's fetch fails. Cycle 2: everyone answers. The hash
	// must end up in the trash, never outside both sets.
	current := []blob.Blob{hosted(hashX, serverA, 10)}

	reg, trash := Merge(current, []ServerResult{ok(serverA), failed(serverB)}, nil)

	require.Len(t, reg, 1, "the last known copy waits out the incomplete cycle")
	assert.Empty(t, trash)

	reg, trash = Merge(reg, []ServerResult{ok(serverA), ok(serverB)}, trash)

	assert.Empty(t, reg)
	require.Len(t, trash, 1)
	assert.Equal(t, hashX, trash[0].ContentHash)
	assert.Equal(t, "", trash[0].ServerURL)
}

func TestMerge_DelistedHashHostedElsewhereDropsOnIncompleteCycle(t *testing.T) {
	// A delists the hash but B still lists it; C failed. The A entry can
	// go: the hash stays hosted, nothing is stranded.
	current := []blob.Blob{hosted(hashX, serverA, 10), hosted(hashX, serverB, 10)}

	reg, trash := Merge(current, []ServerResult{
		ok(serverA),
		ok(serverB, hosted(hashX, serverB, 10)),
		failed("https://c.example"),
	}, nil)

	require.Len(t, reg, 1)
	assert.Equal(t, serverB, reg[0].ServerURL)
	assert.Empty(t, trash)
}

func TestMerge_TrashedHashReappearsAtomically(t *testing.T) {
	trash := []blob.Blob{trashed(hashX)}

	reg, newTrash := Merge(nil, []ServerResult{ok(serverA, hosted(hashX, serverA, 10))}, trash)

	require.Len(t, reg, 1)
	assert.Empty(t, newTrash, "hash must never be visible in registry and trash at once")
}

func TestMerge_TrashRegistryExclusivity(t *testing.T) {
	current := []blob.Blob{
		hosted(hashX, serverA, 10),
		hosted(hashY, serverA, 20),
		hosted(hashY, serverB, 20),
	}
	trash := []blob.Blob{trashed(hashZ)}

	reg, newTrash := Merge(current, []ServerResult{
		ok(serverA, hosted(hashX, serverA, 10)),
		ok(serverB),
	}, trash)

	inRegistry := make(map[string]bool)
	for _, b := range reg {
		inRegistry[b.ContentHash] = true
	}

	for _, tb := range newTrash {
		assert.False(t, inRegistry[tb.ContentHash], "hash %s in both registry and trash", tb.ContentHash)
	}

	// y lost both hosts in a complete cycle: demoted.
	byHash := hashesOnServers(reg)
	assert.True(t, byHash[hashX][serverA])
	assert.NotContains(t, inRegistry, hashY)
}

func TestMerge_SortsByRecencyUnknownLast(t *testing.T) {
	reg, _ := Merge(nil, []ServerResult{
		ok(serverA,
			hosted(hashX, serverA, 0),
			hosted(hashY, serverA, 100),
			hosted(hashZ, serverA, 200),
		),
	}, nil)

	require.Len(t, reg, 3)
	assert.Equal(t, hashZ, reg[0].ContentHash)
	assert.Equal(t, hashY, reg[1].ContentHash)
	assert.Equal(t, hashX, reg[2].ContentHash, "zero timestamp sorts last")
}

func TestUpsert_AddsAndReplaces(t *testing.T) {
	reg, trash := Upsert(nil, hosted(hashX, serverA, 10), nil)
	require.Len(t, reg, 1)
	assert.Empty(t, trash)

	updated := hosted(hashX, serverA, 10)
	updated.SizeBytes = 5

	reg, _ = Upsert(reg, updated, nil)
	require.Len(t, reg, 1)
	assert.Equal(t, int64(5), reg[0].SizeBytes)
}

func TestUpsert_PullsHashOutOfTrash(t *testing.T) {
	trash := []blob.Blob{trashed(hashX), trashed(hashY)}

	reg, newTrash := Upsert(nil, hosted(hashX, serverA, 10), trash)

	require.Len(t, reg, 1)
	require.Len(t, newTrash, 1)
	assert.Equal(t, hashY, newTrash[0].ContentHash)
}

func TestRemoveServer_LastCopyMovesToTrash(t *testing.T) {
	current := []blob.Blob{hosted(hashX, serverA, 10)}

	reg, trash := RemoveServer(current, hashX, serverA, nil)

	assert.Empty(t, reg)
	require.Len(t, trash, 1)
	assert.Equal(t, "", trash[0].ServerURL)
}

func TestRemoveServer_OtherCopiesKeepHashHosted(t *testing.T) {
	current := []blob.Blob{hosted(hashX, serverA, 10), hosted(hashX, serverB, 10)}

	reg, trash := RemoveServer(current, hashX, serverA, nil)

	require.Len(t, reg, 1)
	assert.Equal(t, serverB, reg[0].ServerURL)
	assert.Empty(t, trash)
}
