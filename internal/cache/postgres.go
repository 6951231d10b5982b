package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const pgQueryTimeout = 5 * time.Second

const pgSchema = `
CREATE TABLE IF NOT EXISTS geo_cache (
	cache_key  TEXT PRIMARY KEY,
	value      JSONB NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
)`

// Postgres implements Store on a single table. Expired rows are ignored on read and overwritten on write.
type Postgres struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgres opens dsn with the pgx driver and ensures the table exists.
func NewPostgres(ctx context.Context, dsn string, ttl time.Duration) (*Postgres, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("cache: postgres open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: postgres ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, pgSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cache: postgres schema: %w", err)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Postgres{db: db, ttl: ttl}, nil
}

func (c *Postgres) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()
	var v []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT value FROM geo_cache WHERE cache_key = $1 AND expires_at > NOW()`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: postgres get: %w", err)
	}
	return v, true, nil
}

func (c *Postgres) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO geo_cache (cache_key, value, expires_at) VALUES ($1, $2, $3)
		ON CONFLICT (cache_key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`,
		key, string(value), time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("cache: postgres set: %w", err)
	}
	return nil
}

func (c *Postgres) Clear(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pgQueryTimeout)
	defer cancel()
	if _, err := c.db.ExecContext(ctx, `DELETE FROM geo_cache`); err != nil {
		return fmt.Errorf("cache: postgres clear: %w", err)
	}
	return nil
}

func (c *Postgres) Close() error { return c.db.Close() }
