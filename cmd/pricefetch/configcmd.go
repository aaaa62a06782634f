package main

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/aluiziolira/go-price-fetch/config"
)

func configCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), renderConfig(a.cfg))
		},
	}
}

func renderConfig(cfg *config.Config) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.SetTitle("Configuration")
	t.AppendHeader(table.Row{"Section", "Setting", "Value"})

	t.AppendRows([]table.Row{
		{"http", "timeout", cfg.HTTP.Timeout},
		{"http", "max_retries", cfg.HTTP.MaxRetries},
		{"http", "retry_backoff", cfg.HTTP.RetryBackoff},
		{"http", "retry_backoff_max", cfg.HTTP.RetryBackoffMax},
		{"http", "rate_limit_per_minute", cfg.HTTP.RateLimitPerMinute},
		{"http", "burst_capacity", cfg.HTTP.BurstCapacity},
		{"http", "cache_enabled", cfg.HTTP.CacheEnabled},
		{"http", "cache_dir", cfg.HTTP.CacheDir},
		{"http", "cache_ttl", cfg.HTTP.CacheTTL},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"amazon", "base_url", cfg.Marketplace.BaseURL},
		{"amazon", "marketplace", cfg.Marketplace.Code},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"search", "default_pages", cfg.Search.DefaultPages},
		{"search", "max_pages", cfg.Search.MaxPages},
		{"search", "deduplicate", cfg.Search.Deduplicate},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"storage", "type", cfg.Storage.Type},
		{"storage", "output_dir", cfg.Storage.OutputDir},
		{"storage", "filename_prefix", cfg.Storage.FilenamePrefix},
		{"storage", "mongo_uri", redact(cfg.Storage.MongoURI)},
		{"storage", "postgres_dsn", redact(cfg.Storage.PostgresDSN)},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"logging", "level", cfg.Logging.Level},
		{"logging", "format", cfg.Logging.Format},
		{"metrics", "addr", cfg.MetricsAddr},
	})
	return t.Render()
}

// redact hides the credentials of a connection URI.
func redact(uri string) string {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return uri
	}
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return uri
	}
	return scheme + "://***@" + rest[at+1:]
}
