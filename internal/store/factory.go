package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stratakv/strata/internal/config"
)

const (
	badgerGCInterval     = 5 * time.Minute
	postgresPurgePeriod  = time.Minute
	maintenanceOpTimeout = 30 * time.Second
)

// Open builds the backing store selected by cfg.Backend. Backends with
// background maintenance (badger value-log GC, postgres TTL purge) come
// wrapped so the maintenance loop stops on Close.
func Open(cfg config.StoreConfig, logger *zap.Logger) (BackingStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(cfg.Memory.JanitorInterval, logger), nil

	case "badger":
		s, err := NewBadgerStore(cfg.Badger.Path, cfg.Badger.InMemory, logger)
		if err != nil {
			return nil, err
		}
		return newMaintainedStore(s, "badger-gc", badgerGCInterval, logger, func(context.Context) error {
			return s.RunGC()
		}), nil

	case "redis":
		return NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.DialTimeout, logger)

	case "postgres":
		s, err := NewPostgresStore(cfg.Postgres.DSN, cfg.Postgres.MaxConns, logger)
		if err != nil {
			return nil, err
		}
		return newMaintainedStore(s, "postgres-purge", postgresPurgePeriod, logger, func(ctx context.Context) error {
			purged, err := s.PurgeExpired(ctx)
			if err == nil && purged > 0 {
				logger.Debug("Purged expired rows", zap.Int64("rows", purged))
			}
			return err
		}), nil

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// maintainedStore runs a periodic maintenance task for the store it
// wraps and stops it when the store closes.
type maintainedStore struct {
	BackingStore
	name      string
	logger    *zap.Logger
	stopCh    chan struct{}
	done      sync.WaitGroup
	closeOnce sync.Once
}

func newMaintainedStore(inner BackingStore, name string, interval time.Duration, logger *zap.Logger, task func(context.Context) error) *maintainedStore {
	m := &maintainedStore{
		BackingStore: inner,
		name:         name,
		logger:       logger,
		stopCh:       make(chan struct{}),
	}
	m.done.Add(1)
	go m.loop(interval, task)
	return m
}

func (m *maintainedStore) loop(interval time.Duration, task func(context.Context) error) {
	defer m.done.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), maintenanceOpTimeout)
			if err := task(ctx); err != nil {
				m.logger.Warn("Store maintenance failed",
					zap.String("task", m.name), zap.Error(err))
			}
			cancel()
		case <-m.stopCh:
			return
		}
	}
}

func (m *maintainedStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.stopCh)
		m.done.Wait()
	})
	return m.BackingStore.Close()
}
