// Package urlbuilder turns a search query and filters into a marketplace
// search URL, and reads queries back out of such URLs.
package urlbuilder

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/aluiziolira/go-price-fetch/models"
	"github.com/aluiziolira/go-price-fetch/validate"
)

// SearchPath is the path of the marketplace search endpoint.
const SearchPath = "/s"

// DefaultSort is used for unknown sort keys.
const DefaultSort = "relevanceblender"

// SortCodes maps sort keys to the marketplace's `s` parameter.
var SortCodes = map[string]string{
	"relevance":      "relevanceblender",
	"price_low_high": "price-asc-rank",
	"price_high_low": "price-desc-rank",
	"newest":         "date-desc-rank",
	"featured":       "featured-rank",
}

// ConditionCodes maps item conditions to refinement codes. Other values are ignored.
var ConditionCodes = map[string]string{
	"new":         "p_n_condition-type:2224371011",
	"used":        "p_n_condition-type:2224372011",
	"refurbished": "p_n_condition-type:2224373011",
}

// queryKeys are read in order by ExtractQuery.
var queryKeys = []string{"k", "keywords", "field-keywords"}

type param struct {
	key, value string
}

// Build returns baseURL + "/s?" with the query, page and filters encoded.
func Build(query string, page int, baseURL string, f models.Filters) (string, error) {
	clean, err := validate.Query(query)
	if err != nil {
		return "", err
	}
	if _, err := validate.Pages(page, 0); err != nil {
		return "", err
	}
	if err := validate.PriceRange(f.MinPrice, f.MaxPrice); err != nil {
		return "", err
	}

	params := []param{
		{"k", clean},
		{"page", strconv.Itoa(page)},
	}
	params = append(params, filterParams(f)...)

	return strings.TrimRight(baseURL, "/") + SearchPath + "?" + encode(params), nil
}

func filterParams(f models.Filters) []param {
	var params []param
	if f.MinPrice != nil {
		params = append(params, param{"low-price", formatPrice(*f.MinPrice)})
	}
	if f.MaxPrice != nil {
		params = append(params, param{"high-price", formatPrice(*f.MaxPrice)})
	}
	if f.SortBy != "" {
		code, ok := SortCodes[f.SortBy]
		if !ok {
			code = DefaultSort
		}
		params = append(params, param{"s", code})
	}
	if f.Category != "" {
		params = append(params, param{"i", f.Category})
	}

	// rh carries a single refinement; a known condition replaces the brand.
	refinement := ""
	if f.Brand != "" {
		refinement = "p_89:" + f.Brand
	}
	if code, ok := ConditionCodes[f.Condition]; ok {
		refinement = code
	}
	if refinement != "" {
		params = append(params, param{"rh", refinement})
	}
	return params
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// encode keeps parameter order and writes spaces as %20.
func encode(params []param) string {
	var b strings.Builder
	for i, p := range params {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(escape(p.key))
		b.WriteByte('=')
		b.WriteString(escape(p.value))
	}
	return b.String()
}

func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// ExtractQuery returns the search term carried by rawURL.
func ExtractQuery(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	values := u.Query()
	for _, key := range queryKeys {
		for _, v := range values[key] {
			if strings.TrimSpace(v) != "" {
				return v, true
			}
		}
	}
	return "", false
}

// IsSearchURL reports whether rawURL points at a marketplace search page.
func IsSearchURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.Contains(u.Host, validate.MarketplaceHostToken) &&
		u.Path == SearchPath &&
		strings.Contains(u.RawQuery, "k=")
}
