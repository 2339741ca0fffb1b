// Package vault is the permanent on-device blob store. Files are named
// by content hash plus a best-effort extension; the in-memory hash set
// is a derived cache over the directory and can be rebuilt by Scan at
// any time without data loss.
package vault

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const (
	vaultDirPerm  = fs.FileMode(0o700)
	vaultFilePerm = fs.FileMode(0o600)
)

// Vault stores one file per content hash under a single root directory.
type Vault struct {
	root string

	mu     sync.RWMutex
	hashes map[string]bool
}

// Open creates the vault directory if needed and scans it to build the
// initial hash set.
func Open(root string) (*Vault, error) {
	if err := os.MkdirAll(root, vaultDirPerm); err != nil {
		return nil, fmt.Errorf("creating vault directory: %w", err)
	}

	v := &Vault{
		root:   root,
		hashes: make(map[string]bool),
	}

	if _, err := v.Scan(); err != nil {
		return nil, err
	}

	return v, nil
}

// Root returns the vault directory.
func (v *Vault) Root() string {
	return v.root
}

// Has reports whether the vault holds the given hash.
func (v *Vault) Has(hash string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.hashes[hash]
}

// Hashes returns a copy of the current hash set.
func (v *Vault) Hashes() map[string]bool {
	v.mu.RLock()
	defer v.mu.RUnlock()

	out := make(map[string]bool, len(v.hashes))
	for h := range v.hashes {
		out[h] = true
	}

	return out
}

// Write stores blob bytes under their hash. The write goes through a
// temp file and rename so a crash never leaves a truncated blob that
// would later pass a presence check.
func (v *Vault) Write(hash, ext string, data []byte) error {
	tmp, err := os.CreateTemp(v.root, ".vault-write-*")
	if err != nil {
		return fmt.Errorf("creating vault temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return fmt.Errorf("writing vault temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing vault temp file: %w", err)
	}

	if err := os.Chmod(tmpName, vaultFilePerm); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("setting vault file mode: %w", err)
	}

	if err := os.Rename(tmpName, filepath.Join(v.root, hash+ext)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming vault file: %w", err)
	}

	v.mu.Lock()
	v.hashes[hash] = true
	v.mu.Unlock()

	return nil
}

// Read returns the bytes for a hash, or an error when the vault does
// not hold it.
func (v *Vault) Read(hash string) ([]byte, error) {
	path, err := v.findFile(hash)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading vault file: %w", err)
	}

	return data, nil
}

// Remove deletes the stored file for a hash. Missing files are not an
// error; the hash set is updated either way.
func (v *Vault) Remove(hash string) error {
	path, err := v.findFile(hash)
	if err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("removing vault file: %w", err)
		}
	}

	v.mu.Lock()
	delete(v.hashes, hash)
	v.mu.Unlock()

	return nil
}

// Scan walks the vault directory and rebuilds the hash set from the
// files actually present. Returns the fresh set.
func (v *Vault) Scan() (map[string]bool, error) {
	entries, err := os.ReadDir(v.root)
	if err != nil {
		return nil, fmt.Errorf("scanning vault: %w", err)
	}

	fresh := make(map[string]bool)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		if hash, ok := hashFromName(entry.Name()); ok {
			fresh[hash] = true
		}
	}

	v.mu.Lock()
	v.hashes = fresh
	v.mu.Unlock()

	return v.Hashes(), nil
}

func (v *Vault) findFile(hash string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(v.root, hash+"*"))
	if err != nil || len(matches) == 0 {
		return "", fmt.Errorf("hash %s not in vault", hash)
	}

	return matches[0], nil
}

// hashFromName extracts the content hash from a vault file name,
// tolerating an extension suffix. Temp files and anything that is not
// 64 lowercase hex characters is ignored.
func hashFromName(name string) (string, bool) {
	if strings.HasPrefix(name, ".") {
		return "", false
	}

	if ext := filepath.Ext(name); ext != "" && len(name) > len(ext) {
		name = name[:len(name)-len(ext)]
	}

	if len(name) != 64 {
		return "", false
	}

	for _, c := range name {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", false
		}
	}

	return name, true
}
