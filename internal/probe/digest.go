package probe

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/blake2b"
)

type digestKey struct {
	path  string
	size  int64
	mtime int64
}

// Digester hashes evidence files with the configured algorithm. Results are cached
// per (path, size, mtime) so a file seen by several layers is read once.
type Digester struct {
	algorithm string
	maxSize   int64
	cache     *lru.Cache[digestKey, string]
}

// NewDigester returns a digester for algorithm that skips files larger than maxSize.
func NewDigester(algorithm string, maxSize int64, cacheSize int) (*Digester, error) {
	if _, err := newHash(algorithm); err != nil {
		return nil, err
	}
	if cacheSize < 1 {
		cacheSize = 1
	}
	cache, err := lru.New[digestKey, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create digest cache: %w", err)
	}
	return &Digester{algorithm: algorithm, maxSize: maxSize, cache: cache}, nil
}

func newHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New(), nil
	case "sha1":
		return sha1.New(), nil
	case "md5":
		return md5.New(), nil
	case "blake2b":
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
}

// File returns "<algorithm>:<hex>" for the file at path, or "" when the file is not a
// regular file or exceeds the size bound. readPath is opened instead of path when set,
// which lets a probe hash an unlinked file through /proc/<pid>/fd/<n>.
func (d *Digester) File(path, readPath string, info os.FileInfo) (string, error) {
	if d == nil || info == nil || !info.Mode().IsRegular() {
		return "", nil
	}
	if d.maxSize > 0 && info.Size() > d.maxSize {
		return "", nil
	}
	key := digestKey{path: path, size: info.Size(), mtime: info.ModTime().UnixNano()}
	if sum, ok := d.cache.Get(key); ok {
		return sum, nil
	}

	if readPath == "" {
		readPath = path
	}
	f, err := os.Open(readPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h, _ := newHash(d.algorithm)
	limit := d.maxSize
	if limit <= 0 {
		limit = info.Size()
	}
	if _, err := io.Copy(h, io.LimitReader(f, limit)); err != nil {
		return "", fmt.Errorf("failed to hash %q: %w", path, err)
	}
	sum := d.algorithm + ":" + hex.EncodeToString(h.Sum(nil))
	d.cache.Add(key, sum)
	return sum, nil
}

// Cached returns the number of cached digests.
func (d *Digester) Cached() int {
	if d == nil {
		return 0
	}
	return d.cache.Len()
}
