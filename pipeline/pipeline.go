// Package pipeline runs paginated searches and hands results to storage.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aluiziolira/go-price-fetch/cache"
	"github.com/aluiziolira/go-price-fetch/config"
	"github.com/aluiziolira/go-price-fetch/fetcher"
	"github.com/aluiziolira/go-price-fetch/models"
	"github.com/aluiziolira/go-price-fetch/parser"
	"github.com/aluiziolira/go-price-fetch/urlbuilder"
	"github.com/aluiziolira/go-price-fetch/validate"
)

// PageFetcher retrieves the markup of one URL.
type PageFetcher interface {
	Get(ctx context.Context, url string, params url.Values, opts ...fetcher.GetOption) (string, error)
}

// Service runs searches page by page. Pages are fetched strictly in order.
type Service struct {
	fetcher   PageFetcher
	extractor *parser.Extractor
	storage   Storage
	cfg       config.Config
	logger    *slog.Logger
	sink      *fetcher.Metrics
	clock     func() time.Time

	metrics metrics
}

// Option customises a Service.
type Option func(*Service)

// WithStorage attaches the storage used when Search is given no output path.
func WithStorage(s Storage) Option {
	return func(svc *Service) { svc.storage = s }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(svc *Service) { svc.logger = logger }
}

// WithMetrics reports accepted products to m.
func WithMetrics(m *fetcher.Metrics) Option {
	return func(svc *Service) { svc.sink = m }
}

// NewService wires a service from its collaborators. cfg is copied.
func NewService(f PageFetcher, e *parser.Extractor, cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		fetcher:   f,
		extractor: e,
		cfg:       *cfg,
		logger:    slog.Default(),
		clock:     time.Now,
		metrics:   newMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "search"))
	return s
}

// NewServiceFromConfig builds the fetcher, cache and extractor described by cfg.
func NewServiceFromConfig(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	fetchOpts := []fetcher.Option{fetcher.WithLogger(logger)}
	if cfg.HTTP.CacheEnabled {
		store, err := newResponseCache(cfg.HTTP, logger)
		if err != nil {
			return nil, err
		}
		fetchOpts = append(fetchOpts, fetcher.WithResponseCache(store))
	}
	client, err := fetcher.New(cfg.HTTP, fetchOpts...)
	if err != nil {
		return nil, fmt.Errorf("create fetcher: %w", err)
	}

	extractor := parser.NewExtractor(cfg.Marketplace.BaseURL, logger)
	opts = append([]Option{WithLogger(logger), WithMetrics(client.Metrics)}, opts...)
	return NewService(client, extractor, cfg, opts...), nil
}

func newResponseCache(cfg config.HTTPConfig, logger *slog.Logger) (cache.Cache, error) {
	files, err := cache.NewFileCache(filepath.Clean(cfg.CacheDir), cfg.CacheTTL, logger)
	if err != nil {
		return nil, fmt.Errorf("create response cache: %w", err)
	}
	if cfg.CacheMemorySize <= 0 {
		return files, nil
	}
	return cache.NewTiered(cache.NewMemoryCache(cfg.CacheMemorySize, cfg.CacheTTL), files), nil
}

// Config returns the service configuration snapshot.
func (s *Service) Config() config.Config {
	return s.cfg
}

// FetchMetrics returns the Prometheus collectors the service reports to, or
// nil when none were attached.
func (s *Service) FetchMetrics() *fetcher.Metrics {
	return s.sink
}

// Run searches query over pages and saves new products to the attached
// storage, if any.
func (s *Service) Run(ctx context.Context, query string, pages int, filters models.Filters) (*models.SearchResult, error) {
	return s.run(ctx, query, pages, filters, s.storage)
}

// Search is Run with results also written to outputPath. An empty path
// falls back to the attached storage.
func (s *Service) Search(ctx context.Context, query string, pages int, outputPath string, filters models.Filters) (result *models.SearchResult, err error) {
	if _, _, err := s.validate(query, pages, filters); err != nil {
		return nil, err
	}

	storage := s.storage
	if outputPath != "" {
		opened, err := StorageForPath(outputPath)
		if err != nil {
			return nil, err
		}
		defer func() {
			if cerr := opened.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}()
		storage = opened
	}
	return s.run(ctx, query, pages, filters, storage)
}

// AsyncResult carries the outcome of SearchAsync.
type AsyncResult struct {
	Result *models.SearchResult
	Err    error
}

// SearchAsync runs Search in a goroutine. The channel yields exactly one
// value and is then closed.
func (s *Service) SearchAsync(ctx context.Context, query string, pages int, outputPath string, filters models.Filters) <-chan AsyncResult {
	out := make(chan AsyncResult, 1)
	go func() {
		defer close(out)
		result, err := s.Search(ctx, query, pages, outputPath, filters)
		out <- AsyncResult{Result: result, Err: err}
	}()
	return out
}

func (s *Service) validate(query string, pages int, filters models.Filters) (string, int, error) {
	clean, err := validate.Query(query)
	if err != nil {
		return "", 0, err
	}
	pages, err = validate.Pages(pages, s.cfg.Search.MaxPages)
	if err != nil {
		return "", 0, err
	}
	if err := validate.PriceRange(filters.MinPrice, filters.MaxPrice); err != nil {
		return "", 0, err
	}
	return clean, pages, nil
}

func (s *Service) run(ctx context.Context, query string, pages int, filters models.Filters, storage Storage) (*models.SearchResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	query, pages, err := s.validate(query, pages, filters)
	if err != nil {
		return nil, err
	}

	start := s.clock()
	runID := uuid.NewString()
	logger := s.logger.With(slog.String("run_id", runID), slog.String("query", query))
	logger.Info("starting search", slog.Int("pages", pages))

	var (
		products     []models.Product
		failed       []int
		totalResults int
		runErr       error
	)
	seen := make(map[string]struct{})

	for page := 1; page <= pages; page++ {
		if err := ctx.Err(); err != nil {
			logger.Warn("search cancelled", slog.Int("page", page))
			runErr = err
			break
		}

		pageProducts, err := s.searchPage(ctx, query, page, filters)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				logger.Warn("search cancelled", slog.Int("page", page))
				runErr = ctxErr
				break
			}
			logger.Error("failed to process page", slog.Int("page", page), slog.Any("error", err))
			failed = append(failed, page)
			continue
		}
		totalResults += len(pageProducts)

		unique := s.dedupe(pageProducts, seen)
		if len(unique) == 0 {
			logger.Warn("no new products found", slog.Int("page", page))
			continue
		}
		products = append(products, unique...)
		s.sink.AddProducts(len(unique))

		if storage != nil {
			if err := storage.SaveBatch(unique); err != nil {
				var serr *StorageError
				if !errors.As(err, &serr) {
					err = &StorageError{Backend: "unknown", Op: "save", Err: err}
				}
				logger.Error("storage failed", slog.Int("page", page), slog.Any("error", err))
				runErr = err
				break
			}
		}
		logger.Info("page processed",
			slog.Int("page", page),
			slog.Int("unique", len(unique)),
			slog.Int("found", len(pageProducts)),
		)
	}

	result := &models.SearchResult{
		Products: products,
		Metadata: models.SearchMetadata{
			RunID:          runID,
			Query:          query,
			PagesScraped:   pages,
			TotalResults:   totalResults,
			UniqueProducts: len(seen),
			FailedPages:    failed,
			Duration:       s.clock().Sub(start),
			Timestamp:      start.UTC(),
			Marketplace:    s.cfg.Marketplace.Code,
		},
	}

	logger.Info("search completed",
		slog.Int("products", len(products)),
		slog.Int("total_results", totalResults),
		slog.Int("failed_pages", len(failed)),
		slog.Duration("duration", result.Metadata.Duration),
	)
	return result, runErr
}

func (s *Service) searchPage(ctx context.Context, query string, page int, filters models.Filters) ([]models.Product, error) {
	pageURL, err := urlbuilder.Build(query, page, s.cfg.Marketplace.BaseURL, filters)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("fetching page", slog.Int("page", page), slog.String("url", pageURL))

	markup, err := s.fetcher.Get(ctx, pageURL, nil)
	if err != nil {
		return nil, err
	}
	items, err := s.extractor.ParsePage(markup, pageURL)
	if err != nil {
		return nil, err
	}

	products, errs := s.extractor.ToProducts(items)
	for _, err := range errs {
		s.metrics.addValidation("invalid_record")
		s.logger.Warn("dropping invalid product", slog.Int("page", page), slog.Any("error", err))
	}
	return products, nil
}

// dedupe returns the products whose ASIN is new to seen and records them.
// With deduplication off every product passes, but seen still counts ASINs.
func (s *Service) dedupe(products []models.Product, seen map[string]struct{}) []models.Product {
	unique := make([]models.Product, 0, len(products))
	for _, p := range products {
		_, dup := seen[p.ASIN]
		seen[p.ASIN] = struct{}{}
		if dup && s.cfg.Search.Deduplicate {
			s.metrics.addValidation("duplicate_asin")
			continue
		}
		unique = append(unique, p)
		s.metrics.incrementProcessed()
	}
	return unique
}

// GetMetrics returns a snapshot of the counters accumulated across runs.
func (s *Service) GetMetrics() map[string]interface{} {
	return s.metrics.snapshot()
}

type metrics struct {
	mu         sync.Mutex
	processed  int64
	validation map[string]int
}

func newMetrics() metrics {
	return metrics{
		validation: make(map[string]int),
	}
}

func (m *metrics) incrementProcessed() {
	m.mu.Lock()
	m.processed++
	m.mu.Unlock()
}

func (m *metrics) addValidation(kind string) {
	m.mu.Lock()
	m.validation[kind]++
	m.mu.Unlock()
}

func (m *metrics) snapshot() map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	copyValidation := make(map[string]int, len(m.validation))
	for k, v := range m.validation {
		copyValidation[k] = v
	}

	return map[string]interface{}{
		"processed_products": m.processed,
		"validation_errors":  copyValidation,
	}
}
