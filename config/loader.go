package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// envBindings maps configuration keys to the environment variables that
// override them.
var envBindings = map[string]string{
	"http.timeout":               "AMZ_HTTP_TIMEOUT",
	"http.max_retries":           "AMZ_HTTP_MAX_RETRIES",
	"http.rate_limit_per_minute": "AMZ_RATE_LIMIT_PER_MINUTE",
	"http.cache_enabled":         "AMZ_CACHE_ENABLED",
	"amazon.base_url":            "AMZ_BASE_URL",
	"amazon.marketplace":         "AMZ_MARKETPLACE",
	"search.default_pages":       "AMZ_DEFAULT_PAGES",
	"search.max_pages":           "AMZ_MAX_PAGES",
	"search.deduplicate":         "AMZ_DEDUPLICATE",
	"storage.type":               "AMZ_STORAGE_TYPE",
	"storage.output_dir":         "AMZ_OUTPUT_DIR",
	"storage.mongo_uri":          "AMZ_MONGO_URI",
	"storage.postgres_dsn":       "AMZ_PG_DSN",
	"logging.level":              "AMZ_LOG_LEVEL",
	"metrics_addr":               "AMZ_METRICS_ADDR",
}

// Load builds the configuration from defaults, then the YAML file, then the
// environment, and validates the result. An empty configPath searches the
// standard locations; a missing file there is not an error.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, cfg)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "price_fetch"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("http.timeout", cfg.HTTP.Timeout)
	v.SetDefault("http.max_retries", cfg.HTTP.MaxRetries)
	v.SetDefault("http.retry_backoff", cfg.HTTP.RetryBackoff)
	v.SetDefault("http.retry_backoff_max", cfg.HTTP.RetryBackoffMax)
	v.SetDefault("http.rate_limit_per_minute", cfg.HTTP.RateLimitPerMinute)
	v.SetDefault("http.burst_capacity", cfg.HTTP.BurstCapacity)
	v.SetDefault("http.user_agent", cfg.HTTP.UserAgent)
	v.SetDefault("http.cache_enabled", cfg.HTTP.CacheEnabled)
	v.SetDefault("http.cache_dir", cfg.HTTP.CacheDir)
	v.SetDefault("http.cache_ttl", cfg.HTTP.CacheTTL)
	v.SetDefault("http.cache_memory_size", cfg.HTTP.CacheMemorySize)

	v.SetDefault("amazon.base_url", cfg.Marketplace.BaseURL)
	v.SetDefault("amazon.marketplace", cfg.Marketplace.Code)
	v.SetDefault("amazon.search_path", cfg.Marketplace.SearchPath)

	v.SetDefault("search.default_pages", cfg.Search.DefaultPages)
	v.SetDefault("search.max_pages", cfg.Search.MaxPages)
	v.SetDefault("search.deduplicate", cfg.Search.Deduplicate)

	v.SetDefault("storage.type", cfg.Storage.Type)
	v.SetDefault("storage.output_dir", cfg.Storage.OutputDir)
	v.SetDefault("storage.filename_prefix", cfg.Storage.FilenamePrefix)
	v.SetDefault("storage.mongo_uri", cfg.Storage.MongoURI)
	v.SetDefault("storage.mongo_database", cfg.Storage.MongoDatabase)
	v.SetDefault("storage.postgres_dsn", cfg.Storage.PostgresDSN)
	v.SetDefault("storage.postgres_max_conns", cfg.Storage.PostgresMaxConns)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.file", cfg.Logging.File)

	v.SetDefault("metrics_addr", cfg.MetricsAddr)
}

// secondsDurationHook reads bare numbers as seconds, so `timeout: 15` and
// AMZ_HTTP_TIMEOUT=15 both mean fifteen seconds.
func secondsDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != durationType {
			return data, nil
		}
		switch v := data.(type) {
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case string:
			if secs, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
		}
		return data, nil
	}
}
