package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// BadgerStore implements BackingStore on an embedded Badger database.
// It is the persistent backend for single-node deployments that need
// cache contents to survive restarts.
type BadgerStore struct {
	db     *badger.DB
	logger *zap.Logger
}

// NewBadgerStore opens the database at path. When inMemory is set the
// store lives on the heap and path is ignored.
func NewBadgerStore(path string, inMemory bool, logger *zap.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
		opts.Logger = nil
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %s: %w", path, err)
	}

	return &BadgerStore{db: db, logger: logger}, nil
}

// Get retrieves a value or ErrNotFound. Badger expires entries with a
// TTL on its own.
func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("badger get: %w", err)
	}
	return value, nil
}

// Set stores a value with an optional TTL.
func (s *BadgerStore) Set(ctx context.Context, key string, value []byte, size int64, ttl time.Duration) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("badger set: %w", err)
	}
	return nil
}

// Delete removes a key.
func (s *BadgerStore) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("badger delete: %w", err)
	}
	return nil
}

// Clear drops every entry.
func (s *BadgerStore) Clear(ctx context.Context) error {
	if err := s.db.DropAll(); err != nil {
		return fmt.Errorf("badger clear: %w", err)
	}
	return nil
}

// Stats counts live keys and reports on-disk size (LSM plus value log).
func (s *BadgerStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			st.TotalEntries++
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("badger stats: %w", err)
	}

	lsm, vlog := s.db.Size()
	st.TotalCompressedSize = lsm + vlog
	return st, nil
}

// Ping reports whether the database is still open.
func (s *BadgerStore) Ping(ctx context.Context) error {
	if s.db.IsClosed() {
		return fmt.Errorf("badger is closed")
	}
	return nil
}

// Close releases the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// RunGC triggers one value-log garbage collection pass. Callers run
// this on a maintenance schedule; badger returns ErrNoRewrite when
// there is nothing to collect, which is not an error here.
func (s *BadgerStore) RunGC() error {
	err := s.db.RunValueLogGC(0.5)
	if err == badger.ErrNoRewrite {
		return nil
	}
	return err
}
