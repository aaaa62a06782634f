package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind classifies a fetch failure.
type Kind int

const (
	KindOther Kind = iota
	KindTimeout
	KindConnection
	KindHTTP
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindHTTP:
		return "http"
	default:
		return "other"
	}
}

// retryableStatus lists the responses worth another attempt.
var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// FetchError describes a failed request. StatusCode is set for KindHTTP and
// Elapsed for every kind.
type FetchError struct {
	Kind       Kind
	StatusCode int
	URL        string
	Elapsed    time.Duration
	RetryAfter time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	switch e.Kind {
	case KindTimeout:
		return fmt.Sprintf("fetch %s: timeout after %.2fs: %v", e.URL, e.Elapsed.Seconds(), e.Err)
	case KindConnection:
		return fmt.Sprintf("fetch %s: connection error: %v", e.URL, e.Err)
	case KindHTTP:
		return fmt.Sprintf("fetch %s: HTTP error %d", e.URL, e.StatusCode)
	default:
		return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
	}
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the response status is one the client retries.
func (e *FetchError) Retryable() bool {
	return e.Kind == KindHTTP && retryableStatus[e.StatusCode]
}

// classifyError maps a transport error onto a FetchError.
func classifyError(err error, target string, elapsed time.Duration) *FetchError {
	fe := &FetchError{Kind: KindOther, URL: target, Elapsed: elapsed, Err: err}

	if errors.Is(err, context.DeadlineExceeded) {
		fe.Kind = KindTimeout
		return fe
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		fe.Kind = KindTimeout
		return fe
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		fe.Kind = KindConnection
		return fe
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		fe.Kind = KindConnection
		return fe
	}
	return fe
}

// statusError builds the FetchError for a response with status >= 400.
func statusError(statusCode int, target string, elapsed time.Duration, retryAfter time.Duration) *FetchError {
	return &FetchError{
		Kind:       KindHTTP,
		StatusCode: statusCode,
		URL:        target,
		Elapsed:    elapsed,
		RetryAfter: retryAfter,
		Err:        fmt.Errorf("http status %d", statusCode),
	}
}

// errorTypeLabel is the metrics label for err.
func errorTypeLabel(err error) string {
	if err == nil {
		return "unknown"
	}
	var fe *FetchError
	if !errors.As(err, &fe) {
		return "other"
	}
	if fe.Kind != KindHTTP {
		return fe.Kind.String()
	}
	switch {
	case fe.StatusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case fe.StatusCode == http.StatusForbidden:
		return "forbidden"
	case fe.StatusCode == http.StatusNotFound:
		return "not_found"
	case fe.StatusCode >= 500:
		return "server_error"
	default:
		return "http"
	}
}
