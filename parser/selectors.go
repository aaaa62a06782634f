package parser

import "strings"

// Field keys produced by ParsePage.
const (
	FieldTitle        = "title"
	FieldURL          = "url"
	FieldASIN         = "asin_code"
	FieldImageURL     = "image_url"
	FieldPrice        = "price"
	FieldRating       = "rating"
	FieldReviewCount  = "review_count"
	FieldAvailability = "availability"
	FieldSeller       = "seller"
	FieldSponsored    = "sponsored"
)

// asinInLink matches the identifier segment of a detail link.
const asinInLink = `/([A-Z0-9]{10})(?:[/?]|$)`

// Selectors is the extraction table for one page layout.
type Selectors struct {
	// Container matches one node per search result.
	Container string
	// Fields maps a field key to its strategies, tried in order.
	Fields map[string][]Strategy
	// URLFields are resolved against the base URL after extraction.
	URLFields []string
	// SponsoredMarkers are whole words that flag a promoted listing.
	SponsoredMarkers []string
}

// DefaultSelectors covers the desktop search layouts seen so far, with XPath
// fallbacks for the variant where the heading sits inside its link.
func DefaultSelectors() Selectors {
	return Selectors{
		Container: "div[data-component-type='s-search-result']",
		Fields: map[string][]Strategy{
			FieldTitle: {
				Text("h2 a span"),
				Text(".a-size-medium.a-color-base.a-text-normal"),
				XPathText(".//a[.//h2]//h2"),
			},
			FieldURL: {
				Attr("h2 a", "href"),
				XPathAttr(".//a[.//h2]", "href"),
			},
			FieldASIN: {
				SelfAttr("data-asin"),
				Regex(Attr("h2 a", "href"), asinInLink),
				Regex(XPathAttr(".//a[.//h2]", "href"), asinInLink),
			},
			FieldImageURL: {
				Attr("img.s-image", "src"),
				Attr("img.s-image", "data-src"),
				Attr("img[data-a-image-name='productImage']", "src"),
				Attr("img[data-a-image-name='productImage']", "data-src"),
			},
			FieldPrice: {
				Join(".",
					Transform(Text(".a-price .a-price-whole"), wholePart),
					Text(".a-price .a-price-fraction"),
				),
				Transform(Regex(Text(".a-price .a-offscreen"), `[\d.,]+`), stripCommas),
				Transform(Regex(Text(".a-price-whole"), `[\d.,]+`), stripCommas),
			},
			FieldRating: {
				Regex(Text("span.a-icon-alt"), `(\d+\.\d+|\d+)`),
			},
			FieldReviewCount: {
				Regex(Text("span.a-size-base.s-underline-text"), `[\d,]+`),
			},
			FieldAvailability: {
				Text(".a-color-price, .a-size-base.a-color-price"),
			},
			FieldSeller: {
				Text(".a-row.a-size-base.a-color-secondary .a-link-normal"),
			},
		},
		URLFields:        []string{FieldURL, FieldImageURL},
		SponsoredMarkers: []string{"Sponsored", "Ad"},
	}
}

// wholePart drops thousands separators and the decimal point rendered after
// the integer digits.
func wholePart(v string) string {
	return strings.TrimRight(stripCommas(v), ".")
}

func stripCommas(v string) string {
	return strings.ReplaceAll(v, ",", "")
}
