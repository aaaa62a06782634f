// Package fetcher retrieves search pages over HTTP with pacing, retries and
// an optional response cache.
package fetcher

import (
	"bytes"
	"compress/flate"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/go-price-fetch/cache"
	"github.com/aluiziolira/go-price-fetch/config"
	"github.com/aluiziolira/go-price-fetch/ratelimit"
)

// DefaultHeaders are sent with every request unless a caller overrides them.
var DefaultHeaders = map[string]string{
	"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
	"Accept-Language": "en-US,en;q=0.9",
	"Accept-Encoding": "gzip, deflate, br",
	"Connection":      "keep-alive",
}

// Limiter paces outgoing requests.
type Limiter interface {
	Wait(ctx context.Context, n int) error
}

// Client issues paced, retried GET and HEAD requests.
type Client struct {
	cfg       config.HTTPConfig
	collector *colly.Collector
	limiter   Limiter
	cache     cache.Cache
	headers   map[string]string
	logger    *slog.Logger
	sleep     func(context.Context, time.Duration) error

	Metrics *Metrics
}

// Option customises a Client.
type Option func(*Client)

// WithLimiter replaces the token bucket built from the config.
func WithLimiter(l Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithResponseCache attaches a response cache. Without one, caching is off.
func WithResponseCache(store cache.Cache) Option {
	return func(c *Client) { c.cache = store }
}

// WithTransport swaps the HTTP transport, mostly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.collector.WithTransport(rt) }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithMetrics sets the metrics sink. A nil value disables metrics.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.Metrics = m }
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// New builds a Client from the HTTP section of the configuration.
func New(cfg config.HTTPConfig, opts ...Option) (*Client, error) {
	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
		colly.ParseHTTPErrorResponse(),
	)
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(cfg.Timeout)
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true,
	})

	headers := make(map[string]string, len(DefaultHeaders)+len(cfg.Headers))
	for k, v := range DefaultHeaders {
		headers[k] = v
	}
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	c := &Client{
		cfg:       cfg,
		collector: collector,
		headers:   headers,
		logger:    slog.Default(),
		sleep:     sleepContext,
		Metrics:   NewMetrics(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.limiter == nil {
		bucket, err := ratelimit.New(cfg.RateLimitPerMinute, cfg.BurstCapacity)
		if err != nil {
			return nil, fmt.Errorf("configure rate limiter: %w", err)
		}
		c.limiter = bucket
	}
	c.logger = c.logger.With(slog.String("component", "fetcher"))
	return c, nil
}

type getOptions struct {
	useCache bool
	headers  map[string]string
}

// GetOption adjusts a single Get call.
type GetOption func(*getOptions)

// WithCache overrides whether this call reads and fills the cache.
func WithCache(enabled bool) GetOption {
	return func(o *getOptions) { o.useCache = enabled }
}

// WithHeaders adds headers to this call, overriding the defaults.
func WithHeaders(headers map[string]string) GetOption {
	return func(o *getOptions) {
		if o.headers == nil {
			o.headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			o.headers[k] = v
		}
	}
}

// Get returns the decoded body of target with params merged into its query.
// A cached body is returned without touching the network or the limiter.
func (c *Client) Get(ctx context.Context, target string, params url.Values, opts ...GetOption) (string, error) {
	o := getOptions{useCache: c.cfg.CacheEnabled}
	for _, opt := range opts {
		opt(&o)
	}
	full, err := withParams(target, params)
	if err != nil {
		return "", &FetchError{Kind: KindOther, URL: target, Err: err}
	}

	useCache := o.useCache && c.cache != nil
	if useCache {
		if body, ok := c.cache.Get(full); ok {
			c.Metrics.IncCache(true)
			c.logger.Debug("cache hit", slog.String("url", full))
			return body, nil
		}
		c.Metrics.IncCache(false)
	}

	res, err := c.fetchWithRetry(ctx, http.MethodGet, full, o.headers)
	if err != nil {
		return "", err
	}
	if useCache {
		if err := c.cache.Set(full, res.body); err != nil {
			c.logger.Warn("cache write failed", slog.String("url", full), slog.Any("error", err))
		}
	}
	return res.body, nil
}

// Head issues a HEAD request and returns the response status code.
func (c *Client) Head(ctx context.Context, target string) (int, error) {
	res, err := c.fetchWithRetry(ctx, http.MethodHead, target, nil)
	if err != nil {
		var fe *FetchError
		if errors.As(err, &fe) && fe.Kind == KindHTTP {
			return fe.StatusCode, err
		}
		return 0, err
	}
	return res.status, nil
}

type response struct {
	status int
	body   string
}

func (c *Client) fetchWithRetry(ctx context.Context, method, target string, headers map[string]string) (*response, error) {
	attempt := 0
	for {
		res, err := c.fetchOnce(ctx, method, target, headers)
		if err == nil {
			return res, nil
		}
		var fe *FetchError
		if !errors.As(err, &fe) || !fe.Retryable() || attempt >= c.cfg.MaxRetries {
			return nil, err
		}

		attempt++
		delay := c.backoff(attempt)
		if fe.RetryAfter > delay {
			delay = fe.RetryAfter
			if max := c.cfg.RetryBackoffMax; max > 0 && delay > max {
				delay = max
			}
		}
		c.Metrics.IncRetries()
		c.logger.Warn("retrying request",
			slog.String("url", target),
			slog.Int("status", fe.StatusCode),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := c.cfg.RetryBackoff
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := c.cfg.RetryBackoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func (c *Client) fetchOnce(ctx context.Context, method, target string, headers map[string]string) (*response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx, 1); err != nil {
		return nil, err
	}

	collector := c.collector.Clone()
	var (
		resp   *colly.Response
		reqErr error
	)
	collector.OnRequest(func(r *colly.Request) {
		for k, v := range c.headers {
			r.Headers.Set(k, v)
		}
		for k, v := range headers {
			r.Headers.Set(k, v)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		resp = r
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			resp = r
			return
		}
		reqErr = err
	})

	c.Metrics.IncRequest("started")
	start := time.Now()
	var visitErr error
	if method == http.MethodHead {
		visitErr = collector.Head(target)
	} else {
		visitErr = collector.Visit(target)
	}
	elapsed := time.Since(start)
	c.Metrics.ObserveDuration(elapsed)

	if reqErr == nil && resp == nil {
		reqErr = visitErr
	}
	if reqErr != nil {
		fe := classifyError(reqErr, target, elapsed)
		c.Metrics.IncError(errorTypeLabel(fe))
		c.logger.Error("request error",
			slog.String("url", target),
			slog.String("category", fe.Kind.String()),
			slog.Any("error", reqErr),
		)
		return nil, fe
	}
	if resp == nil {
		fe := &FetchError{Kind: KindOther, URL: target, Elapsed: elapsed, Err: errors.New("no response received")}
		c.Metrics.IncError(errorTypeLabel(fe))
		return nil, fe
	}
	if resp.StatusCode >= http.StatusBadRequest {
		retryAfter := time.Duration(0)
		if resp.Headers != nil {
			retryAfter = parseRetryAfter(resp.Headers.Get("Retry-After"))
		}
		fe := statusError(resp.StatusCode, target, elapsed, retryAfter)
		c.Metrics.IncError(errorTypeLabel(fe))
		c.logger.Error("non-2xx response",
			slog.Int("status", resp.StatusCode),
			slog.String("url", target),
		)
		return nil, fe
	}

	encoding := ""
	if resp.Headers != nil {
		encoding = resp.Headers.Get("Content-Encoding")
	}
	body, err := decodeBody(resp.Body, encoding)
	if err != nil {
		fe := &FetchError{Kind: KindOther, URL: target, Elapsed: elapsed, Err: fmt.Errorf("decode body: %w", err)}
		c.Metrics.IncError(errorTypeLabel(fe))
		return nil, fe
	}
	c.Metrics.IncRequest("completed")
	c.logger.Debug("fetched", slog.String("url", target), slog.Int("status", resp.StatusCode), slog.Duration("elapsed", elapsed))
	return &response{status: resp.StatusCode, body: string(body)}, nil
}

// decodeBody undoes brotli and deflate encodings. colly already handles gzip.
func decodeBody(body []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	case "deflate":
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		return io.ReadAll(r)
	default:
		return body, nil
	}
}

func withParams(target string, params url.Values) (string, error) {
	if len(params) == 0 {
		return target, nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	for k, vs := range params {
		q.Del(k)
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = strings.ReplaceAll(q.Encode(), "+", "%20")
	return u.String(), nil
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP date.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
