// Package memory provides a map backed BlobStore, used when no persistent
// cache is configured and in tests.
package memory

import (
	"context"
	"sync"

	"github.com/realitymesh/realitymesh/pkg/blobstore"
)

// BlobStore keeps copies of the blobs in a map.
type BlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

var _ blobstore.BlobStore = (*BlobStore)(nil)

// New returns an empty in-memory BlobStore.
func New() *BlobStore {
	return &BlobStore{blobs: map[string][]byte{}}
}

func (s *BlobStore) Put(_ context.Context, key string, data []byte) error {
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = cp
	return nil
}

func (s *BlobStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[key]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *BlobStore) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs = map[string][]byte{}
	return nil
}

// Len returns the number of stored blobs.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

func (s *BlobStore) Close() {}
