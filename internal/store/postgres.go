package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// PostgresStore implements BackingStore over a single key-value table,
// for deployments that want the backing tier inside an existing
// relational estate.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS strata_entries (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	size       BIGINT NOT NULL,
	expires_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS strata_entries_expires_at_idx
	ON strata_entries (expires_at) WHERE expires_at IS NOT NULL;
`

// NewPostgresStore connects to PostgreSQL and ensures the schema.
func NewPostgresStore(dsn string, maxConns int, logger *zap.Logger) (*PostgresStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Get retrieves a live value or ErrNotFound. Expired rows are treated
// as absent; PurgeExpired removes them for real.
func (s *PostgresStore) Get(ctx context.Context, key string) ([]byte, error) {
	query := `
		SELECT value FROM strata_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > now())
	`

	var value []byte
	err := s.pool.QueryRow(ctx, query, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get: %w", err)
	}
	return value, nil
}

// Set upserts a value.
func (s *PostgresStore) Set(ctx context.Context, key string, value []byte, size int64, ttl time.Duration) error {
	query := `
		INSERT INTO strata_entries (key, value, size, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (key) DO UPDATE
		SET value = EXCLUDED.value,
		    size = EXCLUDED.size,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = now()
	`

	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}

	if _, err := s.pool.Exec(ctx, query, key, value, size, expiresAt); err != nil {
		return fmt.Errorf("postgres set: %w", err)
	}
	return nil
}

// Delete removes a key.
func (s *PostgresStore) Delete(ctx context.Context, key string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM strata_entries WHERE key = $1`, key); err != nil {
		return fmt.Errorf("postgres delete: %w", err)
	}
	return nil
}

// Clear truncates the table.
func (s *PostgresStore) Clear(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE strata_entries`); err != nil {
		return fmt.Errorf("postgres clear: %w", err)
	}
	return nil
}

// Stats reports live entry count and summed stored sizes.
func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	query := `
		SELECT count(*), COALESCE(sum(size), 0) FROM strata_entries
		WHERE expires_at IS NULL OR expires_at > now()
	`

	var st Stats
	if err := s.pool.QueryRow(ctx, query).Scan(&st.TotalEntries, &st.TotalCompressedSize); err != nil {
		return Stats{}, fmt.Errorf("postgres stats: %w", err)
	}
	return st, nil
}

// PurgeExpired deletes rows whose TTL has elapsed and returns how many
// were removed. The store factory runs this on a fixed schedule.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM strata_entries WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("postgres purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the pool connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
