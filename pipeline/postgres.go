package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aluiziolira/go-price-fetch/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS products (
	asin_code    TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	url          TEXT NOT NULL,
	image_url    TEXT NOT NULL,
	price        TEXT,
	currency     TEXT NOT NULL,
	rating       DOUBLE PRECISION,
	review_count INTEGER,
	availability TEXT,
	seller       TEXT,
	sponsored    BOOLEAN NOT NULL DEFAULT FALSE,
	captured_at  TIMESTAMPTZ NOT NULL
)`

const postgresUpsert = `
INSERT INTO products (
	asin_code, title, url, image_url, price, currency, rating,
	review_count, availability, seller, sponsored, captured_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (asin_code) DO UPDATE SET
	title = EXCLUDED.title,
	url = EXCLUDED.url,
	image_url = EXCLUDED.image_url,
	price = EXCLUDED.price,
	currency = EXCLUDED.currency,
	rating = EXCLUDED.rating,
	review_count = EXCLUDED.review_count,
	availability = EXCLUDED.availability,
	seller = EXCLUDED.seller,
	sponsored = EXCLUDED.sponsored,
	captured_at = EXCLUDED.captured_at`

// PostgresStorage upserts products into a PostgreSQL table keyed by ASIN.
type PostgresStorage struct {
	pool   *pgxpool.Pool
	mu     sync.Mutex
	count  int
	logger *slog.Logger
}

// NewPostgresStorage connects to dsn and creates the products table.
func NewPostgresStorage(dsn string, maxConns int, logger *slog.Logger) (*PostgresStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dsn == "" {
		return nil, storageErr(KindPostgres, "parse", fmt.Errorf("dsn is required"))
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, storageErr(KindPostgres, "parse", err)
	}
	if maxConns <= 0 {
		maxConns = 2
	}
	cfg.MaxConns = int32(maxConns)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, storageErr(KindPostgres, "connect", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, storageErr(KindPostgres, "schema", err)
	}

	return &PostgresStorage{
		pool:   pool,
		logger: logger.With("component", "postgres_storage"),
	}, nil
}

// Save upserts products.
func (s *PostgresStorage) Save(products []models.Product) error {
	return s.SaveBatch(products)
}

// SaveBatch upserts products in a single round trip.
func (s *PostgresStorage) SaveBatch(products []models.Product) error {
	if len(products) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := &pgx.Batch{}
	for _, p := range products {
		b.Queue(postgresUpsert,
			p.ASIN, p.Title, p.URL, p.ImageURL, nullable(p.Price), p.Currency,
			p.Rating, p.ReviewCount, nullable(p.Availability), nullable(p.Seller),
			p.Sponsored, p.CapturedAt.UTC(),
		)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	br := s.pool.SendBatch(ctx, b)
	for range products {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return storageErr(KindPostgres, "upsert", fmt.Errorf("batch exec: %w", err))
		}
	}
	if err := br.Close(); err != nil {
		return storageErr(KindPostgres, "upsert", err)
	}

	s.count += len(products)
	s.logger.Debug("products stored in postgres", "count", len(products), "total", s.count)
	return nil
}

// Close releases the connection pool.
func (s *PostgresStorage) Close() error {
	s.logger.Info("postgres storage closing", "total_products", s.count)
	s.pool.Close()
	return nil
}

// nullable maps an empty string to SQL NULL.
func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
