// Package cache is the advisory on-disk store for downloaded firmware
// blobs: entries are named after SHA256(url) so concurrent writers never
// collide, and a write is skipped silently whenever space is tight.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
)

// dirName is the cache directory's name under the system temp directory.
const dirName = "reolinkfwcache"

// maxCacheSize and minFreeSpace gate writes: the cache is used iff its
// total size is under maxCacheSize and at least minFreeSpace remains free
// on the volume; otherwise Put is a silent no-op.
const (
	maxCacheSize = 1 << 30 // 1 GiB
	minFreeSpace = 1 << 30 // 1 GiB
)

// Dir returns the cache directory path, creating it if absent.
func Dir() (string, error) {
	dir := filepath.Join(os.TempDir(), dirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// KeyForURL hashes url the way every cache entry is named.
func KeyForURL(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// Get returns the cached bytes for rawURL, or ok=false if no usable entry
// exists (absent, or present but unreadable/truncated — callers fall back
// to a re-fetch either way).
func Get(rawURL string) (data []byte, ok bool) {
	dir, err := Dir()
	if err != nil {
		return nil, false
	}
	key := KeyForURL(rawURL)
	keyPath := filepath.Join(dir, key)

	// A companion file holding the original filename, if one was ever
	// recorded, names the actual blob; otherwise the blob is the key file
	// itself.
	blobPath := keyPath
	if name, err := os.ReadFile(keyPath); err == nil && looksLikeFilename(name) {
		blobPath = filepath.Join(dir, string(name))
	}
	b, err := os.ReadFile(blobPath)
	if err != nil || len(b) == 0 {
		return nil, false
	}
	return b, true
}

// looksLikeFilename rejects a key file that is itself the cached blob
// (arbitrary binary) rather than a recorded filename (short, no NULs).
func looksLikeFilename(b []byte) bool {
	if len(b) == 0 || len(b) > 4096 {
		return false
	}
	for _, c := range b {
		if c == 0 {
			return false
		}
	}
	return true
}

// Put stores data under rawURL's key, naming the blob after the "name"
// query parameter when present (with a companion key file recording that
// filename), or the key itself otherwise. Silently does nothing if the
// cache is already too large or the volume is low on space.
func Put(rawURL string, data []byte) error {
	dir, err := Dir()
	if err != nil {
		return nil
	}
	if !hasRoomFor(dir, int64(len(data))) {
		return nil
	}
	key := KeyForURL(rawURL)
	keyPath := filepath.Join(dir, key)

	name := filenameFromURL(rawURL)
	if name == "" {
		return os.WriteFile(keyPath, data, 0o644)
	}
	blobPath := filepath.Join(dir, name)
	if err := os.WriteFile(blobPath, data, 0o644); err != nil {
		return err
	}
	return os.WriteFile(keyPath, []byte(name), 0o644)
}

func filenameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Query().Get("name")
}

// hasRoomFor reports whether adding n more bytes keeps the cache under
// maxCacheSize and whether the volume still has minFreeSpace free.
func hasRoomFor(dir string, n int64) bool {
	total, err := dirSize(dir)
	if err != nil {
		return false
	}
	if total+n >= maxCacheSize {
		return false
	}
	free, err := freeSpace(dir)
	if err != nil {
		return false
	}
	return free >= minFreeSpace
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total, err
}

// SizeHuman returns the cache directory's current total size formatted
// for display, the same humanize.Bytes helper the teacher logs sizes
// with.
func SizeHuman() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	total, err := dirSize(dir)
	if err != nil {
		return "", err
	}
	return humanize.Bytes(uint64(total)), nil
}
