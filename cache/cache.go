// Package cache stores fetched page bodies keyed by URL.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a key/value store for response bodies. Implementations expire
// entries on their own TTL.
type Cache interface {
	Get(key string) (string, bool)
	Set(key, value string) error
	Clear() error
}

// entry is the on-disk layout of one cached value.
type entry struct {
	Timestamp float64 `json:"timestamp"`
	Value     string  `json:"value"`
	Key       string  `json:"key"`
}

// FileCache keeps one JSON file per key, named by the hex MD5 digest of the
// key. Writers of the same key race as last-writer-wins.
type FileCache struct {
	dir    string
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewFileCache creates dir if needed.
func NewFileCache(dir string, ttl time.Duration, logger *slog.Logger) (*FileCache, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory cannot be empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("cache ttl must be positive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory %q: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileCache{
		dir:    dir,
		ttl:    ttl,
		now:    time.Now,
		logger: logger.With("component", "file_cache"),
	}, nil
}

// Key returns the file-name stem used for key.
func Key(key string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

func (c *FileCache) path(key string) string {
	return filepath.Join(c.dir, Key(key)+".json")
}

// Get returns the cached value. Expired and unreadable entries are removed.
func (c *FileCache) Get(key string) (string, bool) {
	value, _, ok := c.GetStored(key)
	return value, ok
}

// GetStored is Get that also reports when the entry was written.
func (c *FileCache) GetStored(key string) (string, time.Time, bool) {
	path := c.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.Debug("cache read failed", "key", key, "error", err)
		}
		return "", time.Time{}, false
	}

	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Debug("removing corrupt cache entry", "path", path, "error", err)
		c.remove(path)
		return "", time.Time{}, false
	}

	stored := time.Unix(0, int64(e.Timestamp*float64(time.Second)))
	if c.now().Sub(stored) > c.ttl {
		c.remove(path)
		return "", time.Time{}, false
	}
	return e.Value, stored, true
}

// Set writes value through a temporary file so readers never see a partial entry.
func (c *FileCache) Set(key, value string) error {
	data, err := json.Marshal(entry{
		Timestamp: float64(c.now().UnixNano()) / float64(time.Second),
		Value:     value,
		Key:       key,
	})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, "entry-*.tmp")
	if err != nil {
		return fmt.Errorf("create cache temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close cache entry: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path(key)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

// Clear removes every cached entry.
func (c *FileCache) Clear() error {
	matches, err := filepath.Glob(filepath.Join(c.dir, "*.json"))
	if err != nil {
		return fmt.Errorf("list cache entries: %w", err)
	}
	for _, path := range matches {
		c.remove(path)
	}
	return nil
}

func (c *FileCache) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		c.logger.Debug("cache remove failed", "path", path, "error", err)
	}
}

// MemoryCache is a size-bounded in-process cache with TTL expiry. Entries
// age from the time they were first stored, including values copied in from
// a slower tier.
type MemoryCache struct {
	lru *expirable.LRU[string, memoryEntry]
	ttl time.Duration
	now func() time.Time
}

type memoryEntry struct {
	value    string
	storedAt time.Time
}

// NewMemoryCache holds at most size entries for ttl each.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = 128
	}
	return &MemoryCache{
		lru: expirable.NewLRU[string, memoryEntry](size, nil, ttl),
		ttl: ttl,
		now: time.Now,
	}
}

func (c *MemoryCache) Get(key string) (string, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		return "", false
	}
	if c.ttl > 0 && c.now().Sub(e.storedAt) > c.ttl {
		c.lru.Remove(key)
		return "", false
	}
	return e.value, true
}

func (c *MemoryCache) Set(key, value string) error {
	return c.SetStored(key, value, c.now())
}

// SetStored adds value as if it had been written at storedAt.
func (c *MemoryCache) SetStored(key, value string, storedAt time.Time) error {
	c.lru.Add(key, memoryEntry{value: value, storedAt: storedAt})
	return nil
}

func (c *MemoryCache) Clear() error {
	c.lru.Purge()
	return nil
}

// storedGetter reports the write time of an entry alongside its value.
type storedGetter interface {
	GetStored(key string) (string, time.Time, bool)
}

// storedSetter accepts an entry with its original write time.
type storedSetter interface {
	SetStored(key, value string, storedAt time.Time) error
}

// Tiered consults a fast cache before a slow one and back-fills on slow hits.
// When both tiers track write times the back-filled entry keeps the slow
// tier's timestamp, so it never outlives its TTL.
type Tiered struct {
	fast Cache
	slow Cache
}

// NewTiered layers fast in front of slow.
func NewTiered(fast, slow Cache) *Tiered {
	return &Tiered{fast: fast, slow: slow}
}

func (t *Tiered) Get(key string) (string, bool) {
	if value, ok := t.fast.Get(key); ok {
		return value, true
	}
	getter, timed := t.slow.(storedGetter)
	setter, keepsTime := t.fast.(storedSetter)
	if timed && keepsTime {
		value, storedAt, ok := getter.GetStored(key)
		if ok {
			_ = setter.SetStored(key, value, storedAt)
		}
		return value, ok
	}

	value, ok := t.slow.Get(key)
	if ok {
		_ = t.fast.Set(key, value)
	}
	return value, ok
}

func (t *Tiered) Set(key, value string) error {
	if err := t.fast.Set(key, value); err != nil {
		return err
	}
	return t.slow.Set(key, value)
}

func (t *Tiered) Clear() error {
	return errors.Join(t.fast.Clear(), t.slow.Clear())
}
