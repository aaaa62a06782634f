package config

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"time"
)

// Version is reported by the CLI.
const Version = "0.1.0"

// Config holds the immutable settings snapshot for a search service.
type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	Marketplace MarketplaceConfig `mapstructure:"amazon"`
	Search      SearchConfig      `mapstructure:"search"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	MetricsAddr string            `mapstructure:"metrics_addr"`
}

// HTTPConfig controls fetching, pacing and caching.
type HTTPConfig struct {
	Timeout            time.Duration     `mapstructure:"timeout"`
	MaxRetries         int               `mapstructure:"max_retries"`
	RetryBackoff       time.Duration     `mapstructure:"retry_backoff"`
	RetryBackoffMax    time.Duration     `mapstructure:"retry_backoff_max"`
	RateLimitPerMinute int               `mapstructure:"rate_limit_per_minute"`
	BurstCapacity      int               `mapstructure:"burst_capacity"`
	UserAgent          string            `mapstructure:"user_agent"`
	Headers            map[string]string `mapstructure:"headers"`
	CacheEnabled       bool              `mapstructure:"cache_enabled"`
	CacheDir           string            `mapstructure:"cache_dir"`
	CacheTTL           time.Duration     `mapstructure:"cache_ttl"`
	CacheMemorySize    int               `mapstructure:"cache_memory_size"`
}

// MarketplaceConfig identifies the storefront being searched.
type MarketplaceConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	Code       string `mapstructure:"marketplace"`
	SearchPath string `mapstructure:"search_path"`
}

// SearchConfig bounds pagination.
type SearchConfig struct {
	DefaultPages int  `mapstructure:"default_pages"`
	MaxPages     int  `mapstructure:"max_pages"`
	Deduplicate  bool `mapstructure:"deduplicate"`
}

// StorageConfig selects where results land when no output path is given.
type StorageConfig struct {
	Type           string `mapstructure:"type"`
	OutputDir      string `mapstructure:"output_dir"`
	FilenamePrefix string `mapstructure:"filename_prefix"`
	MongoURI       string `mapstructure:"mongo_uri"`
	MongoDatabase  string `mapstructure:"mongo_database"`

	PostgresDSN      string `mapstructure:"postgres_dsn"`
	PostgresMaxConns int    `mapstructure:"postgres_max_conns"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text, json, or auto
	File   string `mapstructure:"file"`
}

// StorageTypes lists the accepted storage backends.
var StorageTypes = []string{"csv", "json", "table", "sqlite", "mongodb", "postgres"}

// DefaultConfig returns conservative defaults for the US storefront.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Timeout:            15 * time.Second,
			MaxRetries:         3,
			RetryBackoff:       time.Second,
			RetryBackoffMax:    30 * time.Second,
			RateLimitPerMinute: 30,
			UserAgent:          "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
			CacheEnabled:       false,
			CacheDir:           ".cache",
			CacheTTL:           time.Hour,
			CacheMemorySize:    256,
		},
		Marketplace: MarketplaceConfig{
			BaseURL:    "https://www.amazon.com",
			Code:       "US",
			SearchPath: "/s",
		},
		Search: SearchConfig{
			DefaultPages: 1,
			MaxPages:     10,
			Deduplicate:  true,
		},
		Storage: StorageConfig{
			Type:           "csv",
			OutputDir:      "data/",
			FilenamePrefix: "amazon_search_",
			MongoDatabase:  "price_fetch",

			PostgresMaxConns: 2,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "auto",
		},
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http timeout must be positive")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http max retries cannot be negative")
	}
	if c.HTTP.RetryBackoff < 0 {
		return fmt.Errorf("retry backoff cannot be negative")
	}
	if c.HTTP.RetryBackoffMax < 0 {
		return fmt.Errorf("retry backoff max cannot be negative")
	}
	if c.HTTP.RetryBackoffMax > 0 && c.HTTP.RetryBackoff > c.HTTP.RetryBackoffMax {
		return fmt.Errorf("retry backoff (%s) cannot exceed retry backoff max (%s)", c.HTTP.RetryBackoff, c.HTTP.RetryBackoffMax)
	}
	if c.HTTP.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate limit per minute must be positive")
	}
	if c.HTTP.BurstCapacity < 0 {
		return fmt.Errorf("burst capacity cannot be negative")
	}
	if c.HTTP.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.HTTP.CacheEnabled {
		if c.HTTP.CacheDir == "" {
			return fmt.Errorf("cache dir cannot be empty when caching is enabled")
		}
		if c.HTTP.CacheTTL <= 0 {
			return fmt.Errorf("cache ttl must be positive")
		}
	}

	if c.Marketplace.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	parsedURL, err := url.Parse(c.Marketplace.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}

	if c.Search.DefaultPages <= 0 {
		return fmt.Errorf("default pages must be positive")
	}
	if c.Search.MaxPages <= 0 {
		return fmt.Errorf("max pages must be positive")
	}
	if c.Search.DefaultPages > c.Search.MaxPages {
		return fmt.Errorf("default pages (%d) cannot exceed max pages (%d)", c.Search.DefaultPages, c.Search.MaxPages)
	}

	if !validStorageType(c.Storage.Type) {
		return fmt.Errorf("storage type must be one of %s", strings.Join(StorageTypes, ", "))
	}
	if c.Storage.Type == "postgres" && c.Storage.PostgresDSN == "" {
		return fmt.Errorf("postgres dsn is required for postgres storage")
	}
	if c.Storage.Type == "mongodb" && c.Storage.MongoURI == "" {
		return fmt.Errorf("mongo uri is required for mongodb storage")
	}
	return nil
}

func validStorageType(kind string) bool {
	for _, known := range StorageTypes {
		if kind == known {
			return true
		}
	}
	return false
}

// DefaultOutputPath names the output file for query when the caller gave none.
func (c *Config) DefaultOutputPath(query, ext string) string {
	safeQuery := strings.Join(strings.Fields(query), "_")
	safeQuery = strings.NewReplacer("/", "_", `\`, "_").Replace(safeQuery)
	if strings.Trim(safeQuery, "._") == "" {
		safeQuery = "query"
	}
	name := c.Storage.FilenamePrefix + safeQuery + "." + strings.TrimPrefix(ext, ".")
	return filepath.Join(c.Storage.OutputDir, name)
}
