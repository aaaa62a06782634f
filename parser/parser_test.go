package parser

import (
	"errors"
	"testing"
	"time"

	"github.com/aluiziolira/go-price-fetch/models"
)

const baseURL = "https://www.amazon.com"

const searchPage = `<html><body>
<div class="s-main-slot">
  <div data-component-type="s-search-result" data-asin="B000000001">
    <h2><a href="/Wireless-Mouse/dp/B000000001/ref=sr_1_1"><span>Wireless Mouse</span></a></h2>
    <img class="s-image" src="https://m.media-amazon.com/images/I/mouse.jpg">
    <span class="a-price"><span class="a-offscreen">$49.99</span><span class="a-price-whole">49<span class="a-price-decimal">.</span></span><span class="a-price-fraction">99</span></span>
    <span class="a-icon-alt">4.5 out of 5 stars</span>
    <span class="a-size-base s-underline-text">1,234</span>
    <div class="a-row a-size-base a-color-secondary"><a class="a-link-normal" href="/stores/acme">Acme   Store</a></div>
  </div>
  <div data-component-type="s-search-result">
    <div class="s-label"><span>Sponsored</span></div>
    <h2><a href="/Gaming-Laptop/dp/B0ABCDEF12?th=1"><span>Gaming Laptop</span></a></h2>
    <img class="s-image" data-src="https://m.media-amazon.com/images/I/laptop.jpg">
    <span class="a-price"><span class="a-offscreen">$1,299.00</span></span>
    <span class="a-color-price">Only 3 left in stock</span>
  </div>
  <div data-component-type="s-search-result" data-asin="B000000003">
    <a class="a-link-normal" href="/Keyboard/dp/B000000003"><h2 class="a-size-base"><span>Mechanical Keyboard</span></h2></a>
    <img data-a-image-name="productImage" src="/images/kb.jpg">
  </div>
  <div data-component-type="s-search-result" data-asin="B000000004">
    <h2><a href="/Cable/dp/B000000004"><span>USB Cable</span></a></h2>
  </div>
  <div data-component-type="s-search-result" data-asin="">
    <h2><a href="/gp/slredirect/picassoRedirect.html"><span>Mystery Item</span></a></h2>
    <img class="s-image" src="https://m.media-amazon.com/images/I/mystery.jpg">
  </div>
</div>
</body></html>`

func TestParsePage(t *testing.T) {
	e := NewExtractor(baseURL, nil)
	items, err := e.ParsePage(searchPage, baseURL+"/s?k=mouse")
	if err != nil {
		t.Fatalf("ParsePage: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("items = %d, want 3 (image-less and identifier-less results skipped)", len(items))
	}

	tests := []struct {
		name  string
		item  Fields
		field string
		want  string
	}{
		{name: "title", item: items[0], field: FieldTitle, want: "Wireless Mouse"},
		{name: "relative url resolved", item: items[0], field: FieldURL, want: baseURL + "/Wireless-Mouse/dp/B000000001/ref=sr_1_1"},
		{name: "asin attribute", item: items[0], field: FieldASIN, want: "B000000001"},
		{name: "whole and fraction", item: items[0], field: FieldPrice, want: "49.99"},
		{name: "rating", item: items[0], field: FieldRating, want: "4.5"},
		{name: "review count", item: items[0], field: FieldReviewCount, want: "1,234"},
		{name: "seller", item: items[0], field: FieldSeller, want: "Acme   Store"},
		{name: "asin from link", item: items[1], field: FieldASIN, want: "B0ABCDEF12"},
		{name: "lazy image", item: items[1], field: FieldImageURL, want: "https://m.media-amazon.com/images/I/laptop.jpg"},
		{name: "offscreen price", item: items[1], field: FieldPrice, want: "1299.00"},
		{name: "availability", item: items[1], field: FieldAvailability, want: "Only 3 left in stock"},
		{name: "xpath title", item: items[2], field: FieldTitle, want: "Mechanical Keyboard"},
		{name: "xpath url", item: items[2], field: FieldURL, want: baseURL + "/Keyboard/dp/B000000003"},
		{name: "relative image resolved", item: items[2], field: FieldImageURL, want: baseURL + "/images/kb.jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.item[tt.field]; got != tt.want {
				t.Fatalf("%s = %q, want %q", tt.field, got, tt.want)
			}
		})
	}

	if items[0][FieldSponsored] == "true" {
		t.Fatalf("first result should not be sponsored")
	}
	if items[1][FieldSponsored] != "true" {
		t.Fatalf("second result should be sponsored")
	}
}

func TestParsePageWithoutResults(t *testing.T) {
	e := NewExtractor(baseURL, nil)
	items, err := e.ParsePage("<html><body><p>No results</p></body></html>", "")
	if err != nil {
		t.Fatalf("ParsePage: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("items = %d, want 0", len(items))
	}
}

func TestParsePageBadBaseURL(t *testing.T) {
	e := NewExtractor("http://[::1", nil)
	_, err := e.ParsePage(searchPage, "")
	var perr *ParseError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
}

func TestToProducts(t *testing.T) {
	captured := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e := NewExtractor(baseURL, nil)
	e.now = func() time.Time { return captured }

	items, err := e.ParsePage(searchPage, "")
	if err != nil {
		t.Fatalf("ParsePage: %v", err)
	}
	products, errs := e.ToProducts(items)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(products) != 3 {
		t.Fatalf("products = %d, want 3", len(products))
	}

	p := products[0]
	if p.Price != "49.99" || p.Currency != models.DefaultCurrency {
		t.Fatalf("price = %q %q", p.Price, p.Currency)
	}
	if p.Rating == nil || *p.Rating != 4.5 {
		t.Fatalf("rating = %v", p.Rating)
	}
	if p.ReviewCount == nil || *p.ReviewCount != 1234 {
		t.Fatalf("review count = %v", p.ReviewCount)
	}
	if p.Seller != "Acme Store" {
		t.Fatalf("seller = %q", p.Seller)
	}
	if !p.CapturedAt.Equal(captured) {
		t.Fatalf("captured at = %v", p.CapturedAt)
	}
	if !products[1].Sponsored || products[1].Price != "1299.00" {
		t.Fatalf("unexpected second product %+v", products[1])
	}
	if products[2].Rating != nil || products[2].ReviewCount != nil || products[2].Price != "" {
		t.Fatalf("optional fields should stay empty: %+v", products[2])
	}
}

func TestToProductsRejectsMissingRequiredFields(t *testing.T) {
	complete := Fields{
		FieldTitle:    "Wireless Mouse",
		FieldURL:      baseURL + "/dp/B000000001",
		FieldASIN:     "B000000001",
		FieldImageURL: "https://m.media-amazon.com/images/I/mouse.jpg",
	}

	for _, field := range models.RequiredFields {
		t.Run(field, func(t *testing.T) {
			item := Fields{}
			for k, v := range complete {
				item[k] = v
			}
			item[field] = "   "

			products, errs := NewExtractor(baseURL, nil).ToProducts([]Fields{complete, item})
			if len(products) != 1 {
				t.Fatalf("products = %d, want only the complete item", len(products))
			}
			if len(errs) != 1 {
				t.Fatalf("errors = %d, want 1", len(errs))
			}
			var perr *ParseError
			if !errors.As(errs[0], &perr) {
				t.Fatalf("expected ParseError, got %v", errs[0])
			}
			if perr.Field != field || perr.Index != 1 {
				t.Fatalf("error = %+v, want field %q at index 1", perr, field)
			}
			if !errors.Is(errs[0], models.ErrMissingField) {
				t.Fatalf("expected ErrMissingField, got %v", errs[0])
			}
		})
	}
}

func TestNormalizePrice(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "49.99", want: "49.99"},
		{in: " $1,299.00 ", want: "1299.00"},
		{in: "£10.00", want: "10.00"},
		{in: "12", want: "12"},
		{in: "", want: ""},
		{in: "Currently unavailable", want: ""},
	}
	for _, tt := range tests {
		if got := NormalizePrice(tt.in); got != tt.want {
			t.Fatalf("NormalizePrice(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseRating(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{in: "4.5 out of 5 stars", want: 4.5, ok: true},
		{in: "4 out of 5 stars", want: 4, ok: true},
		{in: "5.0 out of 5 stars", want: 5, ok: true},
		{in: "0 out of 5 stars", want: 0, ok: true},
		{in: "20 out of 5 stars", ok: false},
		{in: "5.1 out of 5 stars", ok: false},
		{in: "no rating", ok: false},
	}
	for _, tt := range tests {
		got := ParseRating(tt.in)
		if (got != nil) != tt.ok || (got != nil && *got != tt.want) {
			t.Fatalf("ParseRating(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseReviewCount(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{in: "1,234", want: 1234, ok: true},
		{in: "(87)", want: 87, ok: true},
		{in: "", ok: false},
	}
	for _, tt := range tests {
		got := ParseReviewCount(tt.in)
		if (got != nil) != tt.ok || (got != nil && *got != tt.want) {
			t.Fatalf("ParseReviewCount(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestStrategiesFallBackInOrder(t *testing.T) {
	e := NewExtractor(baseURL, nil)
	e.Selectors.Fields[FieldTitle] = []Strategy{
		Text("h3.missing"),
		XPathText(".//h2//span"),
	}
	items, err := e.ParsePage(searchPage, "")
	if err != nil {
		t.Fatalf("ParsePage: %v", err)
	}
	if got := items[0][FieldTitle]; got != "Wireless Mouse" {
		t.Fatalf("title = %q", got)
	}
}
