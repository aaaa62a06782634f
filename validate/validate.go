// Package validate rejects bad user input before any network access.
package validate

import (
	"fmt"
	"net/url"
	"strings"
)

// MaxQueryLength is the longest accepted search query, in characters.
const MaxQueryLength = 200

// MarketplaceHostToken must appear in the host of marketplace URLs.
const MarketplaceHostToken = "amazon."

// Script-injection markers refused in queries. Matching is case-insensitive.
var deniedQueryPatterns = []string{
	"<script",
	"javascript:",
	"onload=",
	"onerror=",
}

// Error is returned for any rejected input.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Query trims q and checks it against the length limit and the denylist.
func Query(q string) (string, error) {
	q = strings.TrimSpace(q)
	if q == "" {
		return "", invalid("query", "search query cannot be empty")
	}
	if len([]rune(q)) > MaxQueryLength {
		return "", invalid("query", "search query too long (max %d characters)", MaxQueryLength)
	}

	lower := strings.ToLower(q)
	for _, pattern := range deniedQueryPatterns {
		if strings.Contains(lower, pattern) {
			return "", invalid("query", "search query contains potentially dangerous content")
		}
	}
	return q, nil
}

// Pages checks the requested page count. A max of zero means unbounded.
func Pages(pages, max int) (int, error) {
	if pages < 1 {
		return 0, invalid("pages", "pages must be at least 1")
	}
	if max > 0 && pages > max {
		return 0, invalid("pages", "pages cannot exceed %d", max)
	}
	return pages, nil
}

// PriceRange checks optional minimum and maximum prices.
func PriceRange(min, max *float64) error {
	if min != nil && *min < 0 {
		return invalid("min_price", "minimum price cannot be negative")
	}
	if max != nil && *max < 0 {
		return invalid("max_price", "maximum price cannot be negative")
	}
	if min != nil && max != nil && *min > *max {
		return invalid("price_range", "minimum price cannot be greater than maximum price")
	}
	return nil
}

// MarketplaceURL checks that raw is an http(s) URL on a marketplace host.
func MarketplaceURL(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", invalid("url", "URL cannot be empty")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", invalid("url", "%v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", invalid("url", "URL must use http or https scheme")
	}
	if parsed.Host == "" {
		return "", invalid("url", "URL must contain a domain")
	}
	if !strings.Contains(strings.ToLower(parsed.Host), MarketplaceHostToken) {
		return "", invalid("url", "URL must be from the marketplace domain")
	}
	return raw, nil
}
