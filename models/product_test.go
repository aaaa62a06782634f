package models

import (
	"errors"
	"testing"
)

func TestProductValidate(t *testing.T) {
	valid := Product{
		Title:    "Wireless Mouse",
		URL:      "https://www.amazon.com/dp/B000000001",
		ASIN:     "B000000001",
		ImageURL: "https://m.media-amazon.com/images/I/mouse.jpg",
	}

	tests := []struct {
		name      string
		mutate    func(*Product)
		wantField string
	}{
		{name: "valid", mutate: func(*Product) {}},
		{name: "missing title", mutate: func(p *Product) { p.Title = "  " }, wantField: "title"},
		{name: "missing url", mutate: func(p *Product) { p.URL = "" }, wantField: "url"},
		{name: "missing asin", mutate: func(p *Product) { p.ASIN = "" }, wantField: "asin_code"},
		{name: "missing image", mutate: func(p *Product) { p.ImageURL = "" }, wantField: "image_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var fieldErr *FieldError
			if !errors.As(err, &fieldErr) || fieldErr.Field != tt.wantField {
				t.Fatalf("expected field error for %q, got %v", tt.wantField, err)
			}
			if !errors.Is(err, ErrMissingField) {
				t.Fatalf("expected ErrMissingField, got %v", err)
			}
		})
	}
}
