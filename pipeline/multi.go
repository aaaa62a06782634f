package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/aluiziolira/go-price-fetch/models"
)

// MultiStorage fans every batch out to several backends.
type MultiStorage struct {
	backends []Storage
	mu       sync.Mutex
}

// NewMultiStorage combines backends. Order is preserved for writes and closes.
func NewMultiStorage(backends ...Storage) *MultiStorage {
	return &MultiStorage{backends: backends}
}

// Save writes products to every backend.
func (ms *MultiStorage) Save(products []models.Product) error {
	return ms.SaveBatch(products)
}

// SaveBatch writes products to every backend and stops at the first failure.
func (ms *MultiStorage) SaveBatch(products []models.Product) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	for i, backend := range ms.backends {
		if err := backend.SaveBatch(products); err != nil {
			return fmt.Errorf("backend %d: %w", i, err)
		}
	}
	return nil
}

// Close closes every backend and joins their errors.
func (ms *MultiStorage) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	var errs []error
	for i, backend := range ms.backends {
		if err := backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("backend %d close: %w", i, err))
		}
	}
	return errors.Join(errs...)
}
