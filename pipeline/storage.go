package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aluiziolira/go-price-fetch/config"
	"github.com/aluiziolira/go-price-fetch/models"
)

// Storage persists products handed over by a search run.
type Storage interface {
	Save(products []models.Product) error
	SaveBatch(products []models.Product) error
	Close() error
}

// StorageError wraps any failure of a storage backend.
type StorageError struct {
	Backend string
	Op      string
	Err     error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s storage: %s: %v", e.Backend, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(backend, op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Backend: backend, Op: op, Err: err}
}

// Storage kinds accepted by NewStorage.
const (
	KindCSV      = "csv"
	KindJSON     = "json"
	KindTable    = "table"
	KindSQLite   = "sqlite"
	KindMongo    = "mongodb"
	KindPostgres = "postgres"
)

// MongoCollection holds search results in MongoDB.
const MongoCollection = "products"

// NewStorage opens a file-backed storage of the given kind at path.
func NewStorage(kind, path string) (Storage, error) {
	switch strings.ToLower(kind) {
	case KindCSV:
		return NewCSVStorage(path)
	case KindJSON:
		return NewJSONStorage(path)
	case KindTable:
		return NewTableStorage(path, TableFormatForPath(path))
	case KindSQLite:
		return NewSQLiteStorage(path)
	case KindMongo, KindPostgres:
		return nil, storageErr(kind, "open", fmt.Errorf("requires connection settings, use OpenStorage"))
	default:
		return nil, storageErr(kind, "open", fmt.Errorf("unsupported storage type %q", kind))
	}
}

// KindForPath picks a storage kind from the file extension. Unknown
// extensions get CSV.
func KindForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return KindJSON
	case ".md", ".markdown", ".tsv", ".html", ".htm", ".txt":
		return KindTable
	case ".db", ".sqlite", ".sqlite3":
		return KindSQLite
	default:
		return KindCSV
	}
}

// StorageForPath opens the storage KindForPath selects.
func StorageForPath(path string) (Storage, error) {
	return NewStorage(KindForPath(path), path)
}

// OpenStorage opens the configured backend. File backends write to path.
func OpenStorage(cfg config.StorageConfig, path string, logger *slog.Logger) (Storage, error) {
	switch strings.ToLower(cfg.Type) {
	case KindMongo:
		return NewMongoStorage(cfg.MongoURI, cfg.MongoDatabase, MongoCollection, logger)
	case KindPostgres:
		return NewPostgresStorage(cfg.PostgresDSN, cfg.PostgresMaxConns, logger)
	}
	return NewStorage(cfg.Type, path)
}

// Extension returns the file extension used for a storage kind.
func Extension(kind string) string {
	switch strings.ToLower(kind) {
	case KindJSON:
		return "json"
	case KindTable:
		return "md"
	case KindSQLite:
		return "db"
	default:
		return "csv"
	}
}

var productHeader = []string{
	"title", "url", "asin_code", "image_url", "price", "currency",
	"rating", "review_count", "availability", "seller", "sponsored", "timestamp",
}

func productRow(p models.Product) []string {
	return []string{
		p.Title,
		p.URL,
		p.ASIN,
		p.ImageURL,
		p.Price,
		p.Currency,
		formatRating(p.Rating),
		formatCount(p.ReviewCount),
		p.Availability,
		p.Seller,
		strconv.FormatBool(p.Sponsored),
		p.CapturedAt.Format(time.RFC3339),
	}
}

func formatRating(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func formatCount(v *int) string {
	if v == nil {
		return ""
	}
	return strconv.Itoa(*v)
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}

// writeFileAtomic replaces filename with data through a temp file in the
// same directory.
func writeFileAtomic(filename string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(filename), "."+filepath.Base(filename)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), filename); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
