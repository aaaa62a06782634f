package cache

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestFileCache(t *testing.T, ttl time.Duration) (*FileCache, *time.Time) {
	t.Helper()
	c, err := NewFileCache(t.TempDir(), ttl, nil)
	if err != nil {
		t.Fatalf("new file cache: %v", err)
	}
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestFileCacheRoundTrip(t *testing.T) {
	c, _ := newTestFileCache(t, time.Hour)
	key := "https://www.amazon.com/s?k=laptop&page=1"

	if _, ok := c.Get(key); ok {
		t.Fatalf("expected miss on empty cache")
	}
	if err := c.Set(key, "<html>laptops</html>"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok := c.Get(key)
	if !ok || got != "<html>laptops</html>" {
		t.Fatalf("get = %q, %v", got, ok)
	}
}

func TestFileCacheLayout(t *testing.T) {
	c, _ := newTestFileCache(t, time.Hour)
	key := "https://www.amazon.com/s?k=mouse"
	if err := c.Set(key, "body"); err != nil {
		t.Fatalf("set: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(c.dir, Key(key)+".json"))
	if err != nil {
		t.Fatalf("read entry file: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode entry: %v", err)
	}
	for _, field := range []string{"timestamp", "value", "key"} {
		if _, ok := decoded[field]; !ok {
			t.Fatalf("entry missing %q: %s", field, data)
		}
	}
	if decoded["key"] != key {
		t.Fatalf("key = %v, want %q", decoded["key"], key)
	}
	if len(Key(key)) != 32 {
		t.Fatalf("digest length = %d, want 32 hex chars", len(Key(key)))
	}
}

func TestFileCacheExpiresAndRemoves(t *testing.T) {
	c, now := newTestFileCache(t, time.Minute)
	key := "https://www.amazon.com/s?k=desk"
	if err := c.Set(key, "body"); err != nil {
		t.Fatalf("set: %v", err)
	}

	*now = now.Add(2 * time.Minute)
	if _, ok := c.Get(key); ok {
		t.Fatalf("expected stale entry to miss")
	}
	if _, err := os.Stat(c.path(key)); !os.IsNotExist(err) {
		t.Fatalf("stale entry should be removed, stat err = %v", err)
	}
}

func TestFileCacheRemovesCorruptEntry(t *testing.T) {
	c, _ := newTestFileCache(t, time.Hour)
	key := "https://www.amazon.com/s?k=lamp"
	if err := os.WriteFile(c.path(key), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt entry: %v", err)
	}
	if _, ok := c.Get(key); ok {
		t.Fatalf("expected corrupt entry to miss")
	}
	if _, err := os.Stat(c.path(key)); !os.IsNotExist(err) {
		t.Fatalf("corrupt entry should be removed")
	}
}

func TestFileCacheClear(t *testing.T) {
	c, _ := newTestFileCache(t, time.Hour)
	for _, key := range []string{"a", "b", "c"} {
		if err := c.Set(key, key); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	if err := c.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok := c.Get("a"); ok {
		t.Fatalf("expected miss after clear")
	}
}

func TestTieredBackfillsFastTier(t *testing.T) {
	slow, now := newTestFileCache(t, time.Hour)
	fast := NewMemoryCache(8, time.Hour)
	fast.now = func() time.Time { return *now }
	tiered := NewTiered(fast, slow)

	if err := slow.Set("k", "v"); err != nil {
		t.Fatalf("seed slow tier: %v", err)
	}
	if got, ok := tiered.Get("k"); !ok || got != "v" {
		t.Fatalf("tiered get = %q, %v", got, ok)
	}
	if got, ok := fast.Get("k"); !ok || got != "v" {
		t.Fatalf("fast tier not back-filled: %q, %v", got, ok)
	}

	if err := tiered.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok := tiered.Get("k"); ok {
		t.Fatalf("expected miss after clear")
	}
}

func TestTieredBackfillKeepsOriginalAge(t *testing.T) {
	slow, now := newTestFileCache(t, time.Second)
	fast := NewMemoryCache(8, time.Second)
	fast.now = func() time.Time { return *now }
	tiered := NewTiered(fast, slow)

	if err := slow.Set("k", "<html>old</html>"); err != nil {
		t.Fatalf("seed slow tier: %v", err)
	}

	*now = now.Add(900 * time.Millisecond)
	if got, ok := tiered.Get("k"); !ok || got != "<html>old</html>" {
		t.Fatalf("tiered get before expiry = %q, %v", got, ok)
	}

	*now = now.Add(400 * time.Millisecond)
	if got, ok := tiered.Get("k"); ok {
		t.Fatalf("tiered cache served an expired entry %q", got)
	}
	if _, ok := fast.Get("k"); ok {
		t.Fatalf("fast tier kept an expired entry")
	}
}

func TestMemoryCacheExpiresByStoredTime(t *testing.T) {
	c := NewMemoryCache(4, time.Minute)
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	if err := c.SetStored("k", "v", now.Add(-50*time.Second)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok := c.Get("k"); !ok {
		t.Fatalf("expected hit inside ttl")
	}
	now = now.Add(11 * time.Second)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("expected miss once the stored time is older than ttl")
	}
}
