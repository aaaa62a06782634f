// Package parser extracts product listings from search result markup.
package parser

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/aluiziolira/go-price-fetch/models"
)

// Fields holds the raw values extracted from one result container.
type Fields map[string]string

// ParseError reports markup that could not be read, or an item that failed
// promotion to a product.
type ParseError struct {
	URL   string
	Index int
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("parse item %d: %v", e.Index, e.Err)
	}
	if e.URL != "" {
		return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("parse: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Extractor turns search pages into products.
type Extractor struct {
	BaseURL   string
	Selectors Selectors
	Logger    *slog.Logger

	now func() time.Time
}

// NewExtractor returns an Extractor using DefaultSelectors.
func NewExtractor(baseURL string, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		BaseURL:   strings.TrimRight(baseURL, "/"),
		Selectors: DefaultSelectors(),
		Logger:    logger.With(slog.String("component", "parser")),
		now:       time.Now,
	}
}

func (e *Extractor) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

// ParsePage returns one Fields per result container carrying every required
// field. Containers missing one are skipped.
func (e *Extractor) ParsePage(markup, pageURL string) ([]Fields, error) {
	root, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, &ParseError{URL: pageURL, Err: err}
	}
	doc := goquery.NewDocumentFromNode(root)

	base, err := e.resolveBase(pageURL)
	if err != nil {
		return nil, &ParseError{URL: pageURL, Err: err}
	}

	sponsored := sponsoredPattern(e.Selectors.SponsoredMarkers)
	containers := doc.Find(e.Selectors.Container)
	e.logger().Debug("found result containers", slog.Int("count", containers.Length()), slog.String("url", pageURL))

	items := make([]Fields, 0, containers.Length())
	containers.Each(func(i int, s *goquery.Selection) {
		item, missing := e.extract(s, base, sponsored)
		if missing != "" {
			e.logger().Debug("skipping result", slog.Int("index", i), slog.String("missing", missing))
			return
		}
		items = append(items, item)
	})

	e.logger().Info("parsed search page", slog.Int("products", len(items)), slog.String("url", pageURL))
	return items, nil
}

func (e *Extractor) resolveBase(pageURL string) (*url.URL, error) {
	raw := e.BaseURL
	if raw == "" {
		raw = pageURL
	}
	if raw == "" {
		return nil, nil
	}
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	return base, nil
}

// extract returns the fields of one container, or the first required field
// it could not find.
func (e *Extractor) extract(s *goquery.Selection, base *url.URL, sponsored *regexp.Regexp) (Fields, string) {
	item := make(Fields, len(e.Selectors.Fields)+1)
	for field, strategies := range e.Selectors.Fields {
		if v, ok := First(s, strategies); ok {
			item[field] = v
		}
	}
	for _, field := range models.RequiredFields {
		if item[field] == "" {
			return nil, field
		}
	}

	for _, field := range e.Selectors.URLFields {
		if v, ok := item[field]; ok {
			item[field] = resolve(base, v)
		}
	}
	if sponsored != nil && sponsored.MatchString(s.Text()) {
		item[FieldSponsored] = "true"
	}
	return item, ""
}

func resolve(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

// sponsoredPattern matches any marker as a whole word, ignoring case.
func sponsoredPattern(markers []string) *regexp.Regexp {
	if len(markers) == 0 {
		return nil
	}
	quoted := make([]string, len(markers))
	for i, m := range markers {
		quoted[i] = regexp.QuoteMeta(m)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(quoted, "|") + `)\b`)
}

// ToProducts promotes raw items to products. Items that fail validation are
// left out and reported as *ParseError, one per item.
func (e *Extractor) ToProducts(items []Fields) ([]models.Product, []error) {
	now := time.Now
	if e.now != nil {
		now = e.now
	}

	products := make([]models.Product, 0, len(items))
	var errs []error
	for i, item := range items {
		p := models.Product{
			Title:        item[FieldTitle],
			URL:          item[FieldURL],
			ASIN:         item[FieldASIN],
			ImageURL:     item[FieldImageURL],
			Price:        NormalizePrice(item[FieldPrice]),
			Currency:     models.DefaultCurrency,
			Rating:       ParseRating(item[FieldRating]),
			ReviewCount:  ParseReviewCount(item[FieldReviewCount]),
			Availability: NormalizeText(item[FieldAvailability]),
			Seller:       NormalizeText(item[FieldSeller]),
			Sponsored:    item[FieldSponsored] == "true",
			CapturedAt:   now().UTC(),
		}
		if err := p.Validate(); err != nil {
			perr := &ParseError{Index: i, Err: err}
			var ferr *models.FieldError
			if errors.As(err, &ferr) {
				perr.Field = ferr.Field
			}
			errs = append(errs, perr)
			continue
		}
		products = append(products, p)
	}
	return products, errs
}

var priceToken = regexp.MustCompile(`\d[\d,]*(?:\.\d+)?`)

// NormalizePrice reduces a price text to its digits and decimal point,
// dropping currency symbols and thousands separators.
func NormalizePrice(price string) string {
	m := priceToken.FindString(strings.TrimSpace(price))
	return stripCommas(m)
}

// NormalizeText collapses runs of whitespace.
func NormalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

var ratingToken = regexp.MustCompile(`\d+\.\d+|\d+`)

// MaxRating is the top of the star scale.
const MaxRating = 5.0

// ParseRating reads the first number from text such as "4.5 out of 5 stars".
// Values outside 0..MaxRating are rejected.
func ParseRating(text string) *float64 {
	m := ratingToken.FindString(text)
	if m == "" {
		return nil
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || v < 0 || v > MaxRating {
		return nil
	}
	return &v
}

var countToken = regexp.MustCompile(`\d[\d,]*`)

// ParseReviewCount reads an integer such as "1,234".
func ParseReviewCount(text string) *int {
	m := countToken.FindString(text)
	if m == "" {
		return nil
	}
	v, err := strconv.Atoi(stripCommas(m))
	if err != nil {
		return nil
	}
	return &v
}
