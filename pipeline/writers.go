package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/aluiziolira/go-price-fetch/models"
)

// CSVStorage appends products to a CSV file. The header row is written only
// when the file starts out empty.
type CSVStorage struct {
	path   string
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVStorage prepares a CSV storage. The file is opened on the first save.
func NewCSVStorage(filename string) (*CSVStorage, error) {
	if err := ensureDir(filename); err != nil {
		return nil, storageErr(KindCSV, "open", err)
	}
	return &CSVStorage{path: filename}, nil
}

// Save appends products.
func (cw *CSVStorage) Save(products []models.Product) error {
	return cw.SaveBatch(products)
}

// SaveBatch appends products and flushes them to disk.
func (cw *CSVStorage) SaveBatch(products []models.Product) error {
	if len(products) == 0 {
		return nil
	}

	cw.mu.Lock()
	defer cw.mu.Unlock()

	if err := cw.openLocked(); err != nil {
		return storageErr(KindCSV, "open", err)
	}
	for _, p := range products {
		if err := cw.writer.Write(productRow(p)); err != nil {
			return storageErr(KindCSV, "write", fmt.Errorf("write csv record: %w", err))
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return storageErr(KindCSV, "write", fmt.Errorf("flush csv records: %w", err))
	}
	return nil
}

func (cw *CSVStorage) openLocked() error {
	if cw.file != nil {
		return nil
	}
	f, err := os.OpenFile(cw.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open csv file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := writer.Write(productHeader); err != nil {
			f.Close()
			return fmt.Errorf("write csv header: %w", err)
		}
	}
	cw.file = f
	cw.writer = writer
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVStorage) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.file == nil {
		return nil
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		cw.file.Close()
		cw.file = nil
		return storageErr(KindCSV, "close", fmt.Errorf("flush csv writer: %w", err))
	}
	err := cw.file.Close()
	cw.file = nil
	return storageErr(KindCSV, "close", err)
}

// JSONStorage keeps every product saved so far and rewrites the file as one
// indented JSON array after each batch.
type JSONStorage struct {
	path     string
	products []models.Product
	mu       sync.Mutex
}

// NewJSONStorage prepares a JSON storage at filename.
func NewJSONStorage(filename string) (*JSONStorage, error) {
	if err := ensureDir(filename); err != nil {
		return nil, storageErr(KindJSON, "open", err)
	}
	return &JSONStorage{path: filename}, nil
}

// Save adds products and rewrites the file.
func (jw *JSONStorage) Save(products []models.Product) error {
	return jw.SaveBatch(products)
}

// SaveBatch adds products and rewrites the file.
func (jw *JSONStorage) SaveBatch(products []models.Product) error {
	if len(products) == 0 {
		return nil
	}

	jw.mu.Lock()
	defer jw.mu.Unlock()

	all := append(append([]models.Product(nil), jw.products...), products...)
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return storageErr(KindJSON, "encode", err)
	}
	if err := writeFileAtomic(jw.path, append(data, '\n')); err != nil {
		return storageErr(KindJSON, "write", err)
	}
	jw.products = all
	return nil
}

// Close is a no-op; every batch is already on disk.
func (jw *JSONStorage) Close() error {
	return nil
}
