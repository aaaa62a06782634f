package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/aluiziolira/go-price-fetch/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS products (
	asin_code    TEXT PRIMARY KEY,
	title        TEXT NOT NULL,
	url          TEXT NOT NULL,
	image_url    TEXT NOT NULL,
	price        TEXT,
	currency     TEXT NOT NULL,
	rating       REAL,
	review_count INTEGER,
	availability TEXT,
	seller       TEXT,
	sponsored    INTEGER NOT NULL DEFAULT 0,
	captured_at  TEXT NOT NULL
)`

const sqliteUpsert = `
INSERT INTO products (
	asin_code, title, url, image_url, price, currency, rating,
	review_count, availability, seller, sponsored, captured_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(asin_code) DO UPDATE SET
	title = excluded.title,
	url = excluded.url,
	image_url = excluded.image_url,
	price = excluded.price,
	currency = excluded.currency,
	rating = excluded.rating,
	review_count = excluded.review_count,
	availability = excluded.availability,
	seller = excluded.seller,
	sponsored = excluded.sponsored,
	captured_at = excluded.captured_at`

// SQLiteStorage keeps the latest snapshot of each product, keyed by ASIN.
type SQLiteStorage struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStorage opens or creates the database at filename.
func NewSQLiteStorage(filename string) (*SQLiteStorage, error) {
	if err := ensureDir(filename); err != nil {
		return nil, storageErr(KindSQLite, "open", err)
	}
	db, err := sql.Open("sqlite3", filename)
	if err != nil {
		return nil, storageErr(KindSQLite, "open", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, storageErr(KindSQLite, "migrate", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// Save upserts products.
func (s *SQLiteStorage) Save(products []models.Product) error {
	return s.SaveBatch(products)
}

// SaveBatch upserts products in one transaction.
func (s *SQLiteStorage) SaveBatch(products []models.Product) error {
	if len(products) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr(KindSQLite, "begin", err)
	}
	stmt, err := tx.PrepareContext(ctx, sqliteUpsert)
	if err != nil {
		tx.Rollback()
		return storageErr(KindSQLite, "prepare", err)
	}
	defer stmt.Close()

	for _, p := range products {
		if _, err := stmt.ExecContext(ctx,
			p.ASIN, p.Title, p.URL, p.ImageURL, nullString(p.Price), p.Currency,
			nullFloat(p.Rating), nullInt(p.ReviewCount), nullString(p.Availability),
			nullString(p.Seller), p.Sponsored, p.CapturedAt.UTC().Format(time.RFC3339),
		); err != nil {
			tx.Rollback()
			return storageErr(KindSQLite, "upsert", fmt.Errorf("asin %s: %w", p.ASIN, err))
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr(KindSQLite, "commit", err)
	}
	return nil
}

// Close closes the database handle.
func (s *SQLiteStorage) Close() error {
	return storageErr(KindSQLite, "close", s.db.Close())
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
