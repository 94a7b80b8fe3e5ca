package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is not found
var ErrNotFound = errors.New("not found")

// Stats summarizes backing store contents
type Stats struct {
	TotalEntries        int64
	TotalCompressedSize int64 // bytes as stored; 0 when the backend cannot report it
}

// BackingStore is the durable tier below the in-memory cache. It sees
// only opaque values: tier placement, TTL refresh and eviction are the
// engine's business, the store just persists what it is handed.
type BackingStore interface {
	// Get returns the stored value or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores the value. size is the caller's size hint for the
	// entry; ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, size int64, ttl time.Duration) error
	// Delete removes the key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Clear removes every entry.
	Clear(ctx context.Context) error
	// Stats reports entry count and stored size.
	Stats(ctx context.Context) (Stats, error)
	// Ping checks the store connection.
	Ping(ctx context.Context) error
	// Close releases resources.
	Close() error
}
