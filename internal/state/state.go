// Package state wraps a bbolt database for all persistent application
// state: the registry, the trash, the file metadata cache, and the
// derived vaulted/locally-cached hash sets.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/alexjbarnes/blobsync/internal/blob"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	registryBucket    = []byte("registry")
	trashBucket       = []byte("trash")
	fileMetaBucket    = []byte("filemeta")
	vaultedBucket     = []byte("vaulted")
	localCachedBucket = []byte("localcached")
	appBucket         = []byte("app")
)

var allBuckets = [][]byte{
	registryBucket,
	trashBucket,
	fileMetaBucket,
	vaultedBucket,
	localCachedBucket,
	appBucket,
}

// State wraps a bbolt database for all persistent application state.
// The registry and trash are single-writer (the syncer), multi-reader;
// the whole-set replace methods give readers an atomic view of each
// completed merge.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. All buckets are created on open.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Registry returns all registry entries in stored order.
func (s *State) Registry() ([]blob.Blob, error) {
	return s.blobList(registryBucket)
}

// Trash returns all trash entries in stored order.
func (s *State) Trash() ([]blob.Blob, error) {
	return s.blobList(trashBucket)
}

// ReplaceRegistryAndTrash replaces both sets in a single transaction.
// This is the one write a completed merge makes: readers either see the
// previous cycle or the new one, never a mix.
func (s *State) ReplaceRegistryAndTrash(reg, trash []blob.Blob) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := replaceBlobBucket(tx, registryBucket, reg); err != nil {
			return err
		}

		return replaceBlobBucket(tx, trashBucket, trash)
	})
}

// blobList reads a bucket of JSON blob records. Keys are zero-padded
// sequence numbers so iteration order is insertion order.
func (s *State) blobList(bucket []byte) ([]blob.Blob, error) {
	var out []blob.Blob

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(_, v []byte) error {
			var b blob.Blob
			if err := json.Unmarshal(v, &b); err != nil {
				return err
			}

			out = append(out, b)

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", bucket, err)
	}

	return out, nil
}

func replaceBlobBucket(tx *bolt.Tx, name []byte, blobs []blob.Blob) error {
	if err := tx.DeleteBucket(name); err != nil {
		return err
	}

	b, err := tx.CreateBucket(name)
	if err != nil {
		return err
	}

	for i, entry := range blobs {
		data, err := json.Marshal(entry)
		if err != nil {
			return err
		}

		if err := b.Put(fmt.Appendf(nil, "%08d", i), data); err != nil {
			return err
		}
	}

	return nil
}

// FileMeta returns the metadata record for a hash, or nil if none.
func (s *State) FileMeta(hash string) (*blob.MetaRecord, error) {
	var rec *blob.MetaRecord

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(fileMetaBucket).Get([]byte(hash))
		if v == nil {
			return nil
		}

		rec = &blob.MetaRecord{}

		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("reading file metadata: %w", err)
	}

	return rec, nil
}

// SetFileMeta persists the metadata record for a hash.
func (s *State) SetFileMeta(rec blob.MetaRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		return tx.Bucket(fileMetaBucket).Put([]byte(rec.Hash), data)
	})
}

// AllFileMeta returns all metadata records keyed by hash.
func (s *State) AllFileMeta() (map[string]blob.MetaRecord, error) {
	result := make(map[string]blob.MetaRecord)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(fileMetaBucket).ForEach(func(k, v []byte) error {
			var rec blob.MetaRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}

			result[string(k)] = rec

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading file metadata: %w", err)
	}

	return result, nil
}

// VaultedHashes returns the set of hashes confirmed present in the vault.
func (s *State) VaultedHashes() (map[string]bool, error) {
	return s.hashSet(vaultedBucket)
}

// AddVaultedHash records one hash as present in the vault.
func (s *State) AddVaultedHash(hash string) error {
	return s.addHash(vaultedBucket, hash)
}

// ReplaceVaultedHashes replaces the vaulted set wholesale, used after a
// rescan of the vault directory.
func (s *State) ReplaceVaultedHashes(hashes map[string]bool) error {
	return s.replaceHashSet(vaultedBucket, hashes)
}

// LocallyCachedHashes returns the set of hashes confirmed present on
// the local network cache.
func (s *State) LocallyCachedHashes() (map[string]bool, error) {
	return s.hashSet(localCachedBucket)
}

// AddLocallyCachedHash records one hash as present on the local cache.
func (s *State) AddLocallyCachedHash(hash string) error {
	return s.addHash(localCachedBucket, hash)
}

// ReplaceLocallyCachedHashes replaces the locally-cached set wholesale.
func (s *State) ReplaceLocallyCachedHashes(hashes map[string]bool) error {
	return s.replaceHashSet(localCachedBucket, hashes)
}

func (s *State) hashSet(bucket []byte) (map[string]bool, error) {
	result := make(map[string]bool)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).ForEach(func(k, _ []byte) error {
			result[string(k)] = true
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", bucket, err)
	}

	return result, nil
}

func (s *State) addHash(bucket []byte, hash string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(hash), nil)
	})
}

func (s *State) replaceHashSet(bucket []byte, hashes map[string]bool) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucket); err != nil {
			return err
		}

		b, err := tx.CreateBucket(bucket)
		if err != nil {
			return err
		}

		for h, present := range hashes {
			if !present {
				continue
			}

			if err := b.Put([]byte(h), nil); err != nil {
				return err
			}
		}

		return nil
	})
}
