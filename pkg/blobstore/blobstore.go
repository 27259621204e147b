//go:generate mockgen -source blobstore.go -destination ../../internal/mocks/mock_blobstore.go -package mocks BlobStore

// Package blobstore defines the persistent tier of the tile cache: a key to
// bytes store whose contents survive memory tier eviction and process restarts.
package blobstore

import (
	"context"
	"errors"

	"github.com/cespare/xxhash/v2"
)

var (
	// ErrNotFound is returned by Get when no blob is stored under the key.
	ErrNotFound = errors.New("blob not found")

	// ErrCorrupted is returned by Get when a stored blob fails its checksum.
	ErrCorrupted = errors.New("blob checksum mismatch")
)

// BlobStore persists tile payloads by key. Implementations must be safe for
// concurrent use.
type BlobStore interface {
	// Put stores data under key, replacing any previous blob.
	Put(ctx context.Context, key string, data []byte) error

	// Get returns the blob stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// DeleteAll removes every stored blob.
	DeleteAll(ctx context.Context) error

	// Close releases resources held by the store.
	Close()
}

// Checksum returns the checksum stored next to each blob.
func Checksum(data []byte) uint64 {
	return xxhash.Sum64(data)
}
