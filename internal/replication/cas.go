// Package replication persists committed blocks per node: a content-addressed
// blob store, a single-writer guard over the per-node record stream, signed
// gossip fan-out, and the pull protocols lagging nodes catch up with.
package replication

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru"

	"agentworld.ai/internal/codec"
)

// ErrNotFound reports a blob the store does not hold.
var ErrNotFound = errors.New("blob not found")

const defaultCacheSize = 512

// Store is the on-disk CAS: blobs live at store/<hh>/<hash> under the root,
// fronted by a read-through LRU.
type Store struct {
	root  string
	cache *lru.Cache
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, "store"), 0o755); err != nil {
		return nil, fmt.Errorf("create cas root: %w", err)
	}
	cache, err := lru.New(defaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &Store{root: root, cache: cache}, nil
}

func (s *Store) blobPath(hash string) string {
	return filepath.Join(s.root, "store", hash[:2], hash)
}

// Put stores b and returns its content hash. Re-putting existing content is
// a no-op.
func (s *Store) Put(b []byte) (string, error) {
	hash := codec.HashHex(b)
	path := s.blobPath(hash)
	if _, err := os.Stat(path); err == nil {
		return hash, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	s.cache.Add(hash, append([]byte(nil), b...))
	return hash, nil
}

// Get returns the blob for hash, verifying its content on disk reads.
func (s *Store) Get(hash string) ([]byte, error) {
	if len(hash) < 2 {
		return nil, fmt.Errorf("malformed content hash %q", hash)
	}
	if v, ok := s.cache.Get(hash); ok {
		return append([]byte(nil), v.([]byte)...), nil
	}
	b, err := os.ReadFile(s.blobPath(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
		}
		return nil, err
	}
	if codec.HashHex(b) != hash {
		return nil, fmt.Errorf("blob %s fails content verification", hash)
	}
	s.cache.Add(hash, append([]byte(nil), b...))
	return b, nil
}

// Has reports presence without reading the blob into the cache.
func (s *Store) Has(hash string) bool {
	if len(hash) < 2 {
		return false
	}
	if s.cache.Contains(hash) {
		return true
	}
	_, err := os.Stat(s.blobPath(hash))
	return err == nil
}
