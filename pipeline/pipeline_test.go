package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aluiziolira/go-price-fetch/config"
	"github.com/aluiziolira/go-price-fetch/fetcher"
	"github.com/aluiziolira/go-price-fetch/models"
	"github.com/aluiziolira/go-price-fetch/parser"
	"github.com/aluiziolira/go-price-fetch/validate"
)

const testBaseURL = "https://www.amazon.com"

func searchPage(asins ...string) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, asin := range asins {
		fmt.Fprintf(&b, `<div data-component-type="s-search-result" data-asin="%[1]s">
  <h2><a href="/item/dp/%[1]s"><span>Item %[1]s</span></a></h2>
  <img class="s-image" src="https://m.media-amazon.com/images/I/%[1]s.jpg">
  <span class="a-price"><span class="a-price-whole">19.</span><span class="a-price-fraction">99</span></span>
</div>`, asin)
	}
	b.WriteString("</body></html>")
	return b.String()
}

type fakeFetcher struct {
	mu     sync.Mutex
	pages  map[int]string
	errs   map[int]error
	all    string
	calls  []int
	onCall func(page int)
}

func (f *fakeFetcher) Get(ctx context.Context, rawURL string, params url.Values, opts ...fetcher.GetOption) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	page, _ := strconv.Atoi(u.Query().Get("page"))

	f.mu.Lock()
	f.calls = append(f.calls, page)
	onCall := f.onCall
	f.mu.Unlock()
	if onCall != nil {
		onCall(page)
	}

	if err := f.errs[page]; err != nil {
		return "", err
	}
	if body, ok := f.pages[page]; ok {
		return body, nil
	}
	return f.all, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingStorage struct {
	mu      sync.Mutex
	batches [][]models.Product
}

func (r *recordingStorage) Save(products []models.Product) error { return r.SaveBatch(products) }

func (r *recordingStorage) SaveBatch(products []models.Product) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, append([]models.Product(nil), products...))
	return nil
}

func (r *recordingStorage) Close() error { return nil }

func newTestService(f PageFetcher, mutate func(*config.Config), opts ...Option) *Service {
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	extractor := parser.NewExtractor(cfg.Marketplace.BaseURL, logger)
	return NewService(f, extractor, cfg, append([]Option{WithLogger(logger)}, opts...)...)
}

func asinsOf(products []models.Product) []string {
	out := make([]string, len(products))
	for i, p := range products {
		out[i] = p.ASIN
	}
	return out
}

func TestRunDeduplicatesAcrossPages(t *testing.T) {
	for _, pages := range []int{1, 2, 5} {
		t.Run(strconv.Itoa(pages), func(t *testing.T) {
			f := &fakeFetcher{all: searchPage("B000000001", "B000000002", "B000000003")}
			store := &recordingStorage{}
			svc := newTestService(f, nil, WithStorage(store))

			result, err := svc.Run(context.Background(), "usb hub", pages, models.Filters{})
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if len(result.Products) != 3 || result.Metadata.UniqueProducts != 3 {
				t.Fatalf("products=%d unique=%d, want 3", len(result.Products), result.Metadata.UniqueProducts)
			}
			if result.Metadata.PagesScraped != pages {
				t.Fatalf("pages scraped=%d, want %d", result.Metadata.PagesScraped, pages)
			}
			if result.Metadata.TotalResults != 3*pages {
				t.Fatalf("total results=%d, want %d", result.Metadata.TotalResults, 3*pages)
			}
			if len(store.batches) != 1 {
				t.Fatalf("storage batches=%d, want 1", len(store.batches))
			}
			if f.callCount() != pages {
				t.Fatalf("fetches=%d, want %d", f.callCount(), pages)
			}
		})
	}
}

func TestRunWithoutDeduplication(t *testing.T) {
	f := &fakeFetcher{all: searchPage("B000000001", "B000000002")}
	svc := newTestService(f, func(cfg *config.Config) { cfg.Search.Deduplicate = false })

	result, err := svc.Run(context.Background(), "usb hub", 3, models.Filters{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Products) != 6 {
		t.Fatalf("products=%d, want 6", len(result.Products))
	}
	if result.Metadata.UniqueProducts != 2 {
		t.Fatalf("unique=%d, want 2", result.Metadata.UniqueProducts)
	}
}

func TestRunContinuesPastFailedPage(t *testing.T) {
	f := &fakeFetcher{
		pages: map[int]string{
			1: searchPage("B000000001", "B000000002"),
			3: searchPage("B000000002", "B000000003"),
		},
		errs: map[int]error{
			2: &fetcher.FetchError{Kind: fetcher.KindHTTP, StatusCode: 503, URL: "page 2"},
		},
	}
	svc := newTestService(f, nil)

	result, err := svc.Run(context.Background(), "usb hub", 3, models.Filters{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := []string{"B000000001", "B000000002", "B000000003"}
	if got := asinsOf(result.Products); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("asins=%v, want %v", got, want)
	}
	if result.Metadata.PagesScraped != 3 {
		t.Fatalf("pages scraped=%d, want 3", result.Metadata.PagesScraped)
	}
	if len(result.Metadata.FailedPages) != 1 || result.Metadata.FailedPages[0] != 2 {
		t.Fatalf("failed pages=%v, want [2]", result.Metadata.FailedPages)
	}
	if result.Metadata.TotalResults != 4 || result.Metadata.UniqueProducts != 3 {
		t.Fatalf("metadata=%+v", result.Metadata)
	}
}

func TestRunPropagatesStorageErrors(t *testing.T) {
	f := &fakeFetcher{all: searchPage("B000000001")}
	store := &failingStorage{err: errors.New("disk full")}
	svc := newTestService(f, nil, WithStorage(store))

	result, err := svc.Run(context.Background(), "usb hub", 3, models.Filters{})
	var serr *StorageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected StorageError, got %v", err)
	}
	if result == nil || len(result.Products) != 1 {
		t.Fatalf("expected the gathered products alongside the error, got %+v", result)
	}
	if f.callCount() != 1 {
		t.Fatalf("fetches=%d, want the run to stop after the failed save", f.callCount())
	}
}

func TestRunRejectsInvalidInputBeforeFetching(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		pages   int
		filters models.Filters
	}{
		{name: "script query", query: "<script>alert(1)</script>", pages: 1},
		{name: "empty query", query: "  ", pages: 1},
		{name: "zero pages", query: "mouse", pages: 0},
		{name: "too many pages", query: "mouse", pages: 11},
		{name: "negative price", query: "mouse", pages: 1, filters: models.Filters{MinPrice: floatPtr(-1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &fakeFetcher{all: searchPage("B000000001")}
			svc := newTestService(f, nil)

			_, err := svc.Run(context.Background(), tt.query, tt.pages, tt.filters)
			var verr *validate.Error
			if !errors.As(err, &verr) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if f.callCount() != 0 {
				t.Fatalf("fetches=%d, want 0", f.callCount())
			}
		})
	}
}

func floatPtr(v float64) *float64 { return &v }

func TestRunStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &fakeFetcher{all: searchPage("B000000001")}
	f.pages = map[int]string{2: searchPage("B000000002")}
	f.onCall = func(page int) {
		if page == 1 {
			cancel()
		}
	}
	svc := newTestService(f, nil)

	result, err := svc.Run(ctx, "usb hub", 5, models.Filters{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if result == nil || len(result.Products) != 1 {
		t.Fatalf("expected page 1 products, got %+v", result)
	}
	if f.callCount() != 1 {
		t.Fatalf("fetches=%d, want 1", f.callCount())
	}
}

func TestRunTreatsCancelledFetchAsStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &fakeFetcher{all: searchPage("B000000001")}
	f.errs = map[int]error{2: context.Canceled}
	f.onCall = func(page int) {
		if page == 2 {
			cancel()
		}
	}
	svc := newTestService(f, nil)

	result, err := svc.Run(ctx, "usb hub", 3, models.Filters{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(result.Metadata.FailedPages) != 0 {
		t.Fatalf("cancellation is not a page failure: %v", result.Metadata.FailedPages)
	}
}

func TestRunMetadata(t *testing.T) {
	f := &fakeFetcher{all: searchPage("B000000001")}
	svc := newTestService(f, func(cfg *config.Config) { cfg.Marketplace.Code = "UK" })
	start := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	ticks := 0
	svc.clock = func() time.Time {
		ticks++
		return start.Add(time.Duration(ticks-1) * 2 * time.Second)
	}

	result, err := svc.Run(context.Background(), "  usb hub ", 1, models.Filters{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	md := result.Metadata
	if md.Query != "usb hub" || md.Marketplace != "UK" || md.RunID == "" {
		t.Fatalf("metadata=%+v", md)
	}
	if !md.Timestamp.Equal(start) || md.Duration != 2*time.Second {
		t.Fatalf("timestamp=%v duration=%v", md.Timestamp, md.Duration)
	}
}

func TestSearchWritesOutputFile(t *testing.T) {
	f := &fakeFetcher{
		pages: map[int]string{1: searchPage("B000000001"), 2: searchPage("B000000002")},
	}
	svc := newTestService(f, nil)
	path := filepath.Join(t.TempDir(), "results", "usb.json")

	result, err := svc.Search(context.Background(), "usb hub", 2, path, models.Filters{})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(result.Products) != 2 {
		t.Fatalf("products=%d, want 2", len(result.Products))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	var rows []models.Product
	if err := json.Unmarshal(data, &rows); err != nil {
		t.Fatalf("decode output: %v", err)
	}
	if len(rows) != 2 || rows[0].Price != "19.99" {
		t.Fatalf("rows=%+v", rows)
	}
}

func TestSearchInvalidQueryCreatesNoFile(t *testing.T) {
	f := &fakeFetcher{all: searchPage("B000000001")}
	svc := newTestService(f, nil)
	path := filepath.Join(t.TempDir(), "out.csv")

	if _, err := svc.Search(context.Background(), "javascript:alert(1)", 1, path, models.Filters{}); err == nil {
		t.Fatalf("expected validation error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("output should not exist, stat err = %v", err)
	}
}

func TestSearchAsyncDeliversOnce(t *testing.T) {
	f := &fakeFetcher{all: searchPage("B000000001", "B000000002")}
	svc := newTestService(f, nil)

	ch := svc.SearchAsync(context.Background(), "usb hub", 1, "", models.Filters{})
	res, ok := <-ch
	if !ok {
		t.Fatalf("channel closed without a result")
	}
	if res.Err != nil || len(res.Result.Products) != 2 {
		t.Fatalf("result=%+v err=%v", res.Result, res.Err)
	}
	if _, ok := <-ch; ok {
		t.Fatalf("expected the channel to be closed")
	}
}

func TestServiceMetricsCountDuplicates(t *testing.T) {
	f := &fakeFetcher{all: searchPage("B000000001", "B000000002")}
	m := fetcher.NewMetrics()
	svc := newTestService(f, nil, WithMetrics(m))

	if _, err := svc.Run(context.Background(), "usb hub", 2, models.Filters{}); err != nil {
		t.Fatalf("run: %v", err)
	}
	snapshot := svc.GetMetrics()
	if got := snapshot["processed_products"].(int64); got != 2 {
		t.Fatalf("processed=%d, want 2", got)
	}
	validation := snapshot["validation_errors"].(map[string]int)
	if validation["duplicate_asin"] != 2 {
		t.Fatalf("duplicates=%d, want 2", validation["duplicate_asin"])
	}
}
