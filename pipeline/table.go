package pipeline

import (
	"path/filepath"
	"strings"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/aluiziolira/go-price-fetch/models"
)

// Table renderings.
const (
	TableText     = "text"
	TableMarkdown = "markdown"
	TableHTML     = "html"
	TableTSV      = "tsv"
)

const titleWidth = 60

// TableFormatForPath picks a rendering from the file extension.
func TableFormatForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return TableMarkdown
	case ".html", ".htm":
		return TableHTML
	case ".tsv":
		return TableTSV
	default:
		return TableText
	}
}

// TableStorage renders every product saved so far as a table and rewrites
// the file after each batch.
type TableStorage struct {
	path     string
	format   string
	products []models.Product
	mu       sync.Mutex
}

// NewTableStorage prepares a table export at filename.
func NewTableStorage(filename, format string) (*TableStorage, error) {
	if err := ensureDir(filename); err != nil {
		return nil, storageErr(KindTable, "open", err)
	}
	return &TableStorage{path: filename, format: format}, nil
}

// Save adds products and rewrites the file.
func (ts *TableStorage) Save(products []models.Product) error {
	return ts.SaveBatch(products)
}

// SaveBatch adds products and rewrites the file.
func (ts *TableStorage) SaveBatch(products []models.Product) error {
	if len(products) == 0 {
		return nil
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()

	all := append(append([]models.Product(nil), ts.products...), products...)
	out := RenderTable(all, ts.format)
	if err := writeFileAtomic(ts.path, []byte(out+"\n")); err != nil {
		return storageErr(KindTable, "write", err)
	}
	ts.products = all
	return nil
}

// Close is a no-op; every batch is already on disk.
func (ts *TableStorage) Close() error {
	return nil
}

// RenderTable formats products in the given rendering.
func RenderTable(products []models.Product, format string) string {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "ASIN", "Title", "Price", "Rating", "Reviews", "Sponsored", "URL"})
	for i, p := range products {
		price := p.Price
		if price != "" {
			price = p.Currency + " " + price
		}
		t.AppendRow(table.Row{
			i + 1,
			p.ASIN,
			p.Title,
			price,
			formatRating(p.Rating),
			formatCount(p.ReviewCount),
			p.Sponsored,
			p.URL,
		})
	}

	switch format {
	case TableMarkdown:
		return t.RenderMarkdown()
	case TableHTML:
		return t.RenderHTML()
	case TableTSV:
		return t.RenderTSV()
	default:
		t.SetStyle(table.StyleLight)
		t.SetColumnConfigs([]table.ColumnConfig{
			{Number: 3, WidthMax: titleWidth},
		})
		t.AppendFooter(table.Row{"", "", "Total", len(products)})
		return t.Render()
	}
}
