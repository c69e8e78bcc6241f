// Package postgres provides the Postgres-backed product store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvester/internal/crawler"
	"github.com/JakeFAU/harvester/internal/storage"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ErrNotFound is returned by Get for unknown business keys.
var ErrNotFound = storage.ErrNotFound

// Config controls the Postgres connection pool and upsert policy.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	ConnectAttempts int
	ConnectDelay    time.Duration
	// RefreshUnchanged bumps last_seen_at when a record's version hash
	// matches the stored row. Mutable columns are never touched.
	RefreshUnchanged bool
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// ProductStore upserts product records keyed by business key.
type ProductStore struct {
	pool             pool
	table            string
	refreshUnchanged bool
	hasher           crawler.Hasher
	clock            crawler.Clock
}

// Connect opens a pool and pings it, retrying up to ConnectAttempts times
// spaced by ConnectDelay.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	attempts := max(1, cfg.ConnectAttempts)
	if logger == nil {
		logger = zap.NewNop()
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		p, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err == nil {
			err = p.Ping(ctx)
			if err == nil {
				return p, nil
			}
			p.Close()
		}
		lastErr = err
		logger.Warn("postgres not reachable",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.Error(err),
		)
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect postgres: %w", ctx.Err())
		case <-time.After(cfg.ConnectDelay):
		}
	}
	return nil, fmt.Errorf("connect postgres after %d attempts: %w", attempts, lastErr)
}

// NewProductStore wraps an open pool.
func NewProductStore(p pool, cfg Config, hasher crawler.Hasher, clock crawler.Clock) (*ProductStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table := cfg.Table
	if table == "" {
		table = "products"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if hasher == nil || clock == nil {
		return nil, fmt.Errorf("hasher and clock are required")
	}
	return &ProductStore{
		pool:             p,
		table:            table,
		refreshUnchanged: cfg.RefreshUnchanged,
		hasher:           hasher,
		clock:            clock,
	}, nil
}

// Close releases the underlying pool resources.
func (s *ProductStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *ProductStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Migrate creates the products table when it does not exist.
func (s *ProductStore) Migrate(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	business_key  TEXT PRIMARY KEY,
	brand         TEXT NOT NULL DEFAULT '',
	name          TEXT NOT NULL DEFAULT '',
	price         NUMERIC(12,2) NOT NULL DEFAULT 0,
	currency      TEXT NOT NULL DEFAULT '',
	availability  TEXT NOT NULL DEFAULT '',
	image_url     TEXT NOT NULL DEFAULT '',
	ingredients   TEXT NOT NULL DEFAULT '',
	source_url    TEXT NOT NULL DEFAULT '',
	version_hash  TEXT NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL,
	last_seen_at  TIMESTAMPTZ NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// UpsertBatch writes records in one transaction. Records sharing a business
// key collapse to the last one. Rows whose version hash is unchanged keep
// their mutable columns.
func (s *ProductStore) UpsertBatch(ctx context.Context, records []crawler.ProductRecord) ([]crawler.UpsertResult, error) {
	batch, err := storage.PrepareBatch(records, s.hasher)
	if err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}
	now := s.clock.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	upsert := fmt.Sprintf(`
INSERT INTO %[1]s AS p (
	business_key, brand, name, price, currency, availability,
	image_url, ingredients, source_url, version_hash, first_seen_at, last_seen_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$11)
ON CONFLICT (business_key) DO UPDATE SET
	brand = EXCLUDED.brand,
	name = EXCLUDED.name,
	price = EXCLUDED.price,
	currency = EXCLUDED.currency,
	availability = EXCLUDED.availability,
	image_url = EXCLUDED.image_url,
	ingredients = EXCLUDED.ingredients,
	source_url = EXCLUDED.source_url,
	version_hash = EXCLUDED.version_hash,
	last_seen_at = GREATEST(p.last_seen_at, EXCLUDED.last_seen_at)
WHERE p.version_hash IS DISTINCT FROM EXCLUDED.version_hash
RETURNING (xmax = 0) AS inserted`, s.table)
	refresh := fmt.Sprintf(
		`UPDATE %s SET last_seen_at = GREATEST(last_seen_at, $2) WHERE business_key = $1`, s.table)

	results := make([]crawler.UpsertResult, 0, len(batch))
	for _, rec := range batch {
		var inserted bool
		err := tx.QueryRow(ctx, upsert,
			rec.BusinessKey,
			rec.Brand,
			rec.Name,
			rec.Price,
			rec.Currency,
			rec.Availability,
			rec.ImageURL,
			rec.Ingredients,
			rec.SourceURL,
			rec.VersionHash,
			now,
		).Scan(&inserted)
		result := crawler.UpsertResult{BusinessKey: rec.BusinessKey, VersionHash: rec.VersionHash}
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			result.Outcome = crawler.UpsertUnchanged
			if s.refreshUnchanged {
				if _, err := tx.Exec(ctx, refresh, rec.BusinessKey, now); err != nil {
					return nil, fmt.Errorf("refresh last_seen_at for %s: %w", rec.BusinessKey, err)
				}
			}
		case err != nil:
			return nil, fmt.Errorf("upsert %s: %w", rec.BusinessKey, err)
		case inserted:
			result.Outcome = crawler.UpsertInserted
		default:
			result.Outcome = crawler.UpsertUpdated
		}
		results = append(results, result)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return results, nil
}

// Get loads a product by business key.
func (s *ProductStore) Get(ctx context.Context, businessKey string) (crawler.ProductRecord, error) {
	query := fmt.Sprintf(`
SELECT business_key, brand, name, price::float8, currency, availability,
	image_url, ingredients, source_url, version_hash, first_seen_at, last_seen_at
FROM %s WHERE business_key = $1`, s.table)
	var rec crawler.ProductRecord
	err := s.pool.QueryRow(ctx, query, businessKey).Scan(
		&rec.BusinessKey,
		&rec.Brand,
		&rec.Name,
		&rec.Price,
		&rec.Currency,
		&rec.Availability,
		&rec.ImageURL,
		&rec.Ingredients,
		&rec.SourceURL,
		&rec.VersionHash,
		&rec.FirstSeenAt,
		&rec.LastSeenAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ProductRecord{}, ErrNotFound
	}
	if err != nil {
		return crawler.ProductRecord{}, fmt.Errorf("get %s: %w", businessKey, err)
	}
	return rec, nil
}
