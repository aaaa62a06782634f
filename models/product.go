// Package models defines data structures shared by the fetcher, parser and pipeline.
package models

import (
	"errors"
	"strings"
	"time"
)

// DefaultCurrency is applied when a listing does not state a currency.
const DefaultCurrency = "USD"

// ErrMissingField reports a product lacking one of its required fields.
var ErrMissingField = errors.New("missing required field")

// Product is a snapshot of one marketplace listing. Values are built once by
// the parser and never modified afterwards.
type Product struct {
	Title        string    `csv:"title" json:"title"`
	URL          string    `csv:"url" json:"url"`
	ASIN         string    `csv:"asin_code" json:"asin_code"`
	ImageURL     string    `csv:"image_url" json:"image_url"`
	Price        string    `csv:"price" json:"price,omitempty"`
	Currency     string    `csv:"currency" json:"currency"`
	Rating       *float64  `csv:"rating" json:"rating,omitempty"`
	ReviewCount  *int      `csv:"review_count" json:"review_count,omitempty"`
	Availability string    `csv:"availability" json:"availability,omitempty"`
	Seller       string    `csv:"seller" json:"seller,omitempty"`
	Sponsored    bool      `csv:"sponsored" json:"sponsored"`
	CapturedAt   time.Time `csv:"timestamp" json:"timestamp"`
}

// RequiredFields lists the field keys every product must carry.
var RequiredFields = []string{"title", "url", "asin_code", "image_url"}

// Validate reports the first required field that is blank.
func (p Product) Validate() error {
	values := map[string]string{
		"title":     p.Title,
		"url":       p.URL,
		"asin_code": p.ASIN,
		"image_url": p.ImageURL,
	}
	for _, field := range RequiredFields {
		if strings.TrimSpace(values[field]) == "" {
			return &FieldError{Field: field}
		}
	}
	return nil
}

// FieldError names the required field that failed validation.
type FieldError struct {
	Field string
}

func (e *FieldError) Error() string {
	return ErrMissingField.Error() + ": " + e.Field
}

func (e *FieldError) Unwrap() error {
	return ErrMissingField
}

// Filters narrows a marketplace search.
type Filters struct {
	MinPrice  *float64
	MaxPrice  *float64
	SortBy    string
	Category  string
	Brand     string
	Condition string
}

// SearchMetadata summarises one search run.
//
// PagesScraped counts the pages requested, not the pages that returned data.
type SearchMetadata struct {
	RunID          string        `json:"run_id"`
	Query          string        `json:"query"`
	PagesScraped   int           `json:"pages_scraped"`
	TotalResults   int           `json:"total_results"`
	UniqueProducts int           `json:"unique_products"`
	FailedPages    []int         `json:"failed_pages,omitempty"`
	Duration       time.Duration `json:"duration"`
	Timestamp      time.Time     `json:"timestamp"`
	Marketplace    string        `json:"marketplace"`
}

// SearchResult holds the products of a run together with its metadata.
type SearchResult struct {
	Products []Product
	Metadata SearchMetadata
}
