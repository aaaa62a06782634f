// Package ratelimit paces outbound requests with a continuously refilled token bucket.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// SafetyMargin is added to every computed sleep so that the next refill is
// guaranteed to cover the deficit despite clock granularity.
const SafetyMargin = 100 * time.Millisecond

// ErrExceedsCapacity is returned by Wait when more tokens are requested than
// the bucket can ever hold.
var ErrExceedsCapacity = errors.New("requested tokens exceed burst capacity")

// TokenBucket is safe for concurrent use.
type TokenBucket struct {
	mu            sync.Mutex
	tokens        float64
	capacity      float64
	ratePerSecond float64
	lastRefill    time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// Option customises a TokenBucket.
type Option func(*TokenBucket)

// WithClock replaces the time source and the sleeper, mainly for tests.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(b *TokenBucket) {
		if now != nil {
			b.now = now
		}
		if sleep != nil {
			b.sleep = sleep
		}
	}
}

// New builds a full bucket allowing ratePerMinute acquisitions per minute.
// A burst of zero makes the capacity equal to ratePerMinute.
func New(ratePerMinute, burst int, opts ...Option) (*TokenBucket, error) {
	if ratePerMinute <= 0 {
		return nil, fmt.Errorf("rate per minute must be positive, got %d", ratePerMinute)
	}
	if burst < 0 {
		return nil, fmt.Errorf("burst capacity cannot be negative, got %d", burst)
	}
	capacity := burst
	if capacity == 0 {
		capacity = ratePerMinute
	}

	b := &TokenBucket{
		capacity:      float64(capacity),
		ratePerSecond: float64(ratePerMinute) / 60.0,
		now:           time.Now,
		sleep:         sleepContext,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.tokens = b.capacity
	b.lastRefill = b.now()
	return b, nil
}

// Acquire takes n tokens if they are available right now.
func (b *TokenBucket) Acquire(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return true
	}
	return false
}

// Wait blocks until n tokens have been taken or ctx is done.
func (b *TokenBucket) Wait(ctx context.Context, n int) error {
	if float64(n) > b.capacity {
		return fmt.Errorf("%w: requested %d, capacity %.0f", ErrExceedsCapacity, n, b.capacity)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		b.mu.Lock()
		b.refillLocked()
		if b.tokens >= float64(n) {
			b.tokens -= float64(n)
			b.mu.Unlock()
			return nil
		}
		deficit := float64(n) - b.tokens
		b.mu.Unlock()

		if err := b.sleep(ctx, b.durationFor(deficit)+SafetyMargin); err != nil {
			return err
		}
	}
}

// EstimateWait returns how long Wait(n) would currently have to block,
// excluding the safety margin.
func (b *TokenBucket) EstimateWait(n int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.tokens >= float64(n) {
		return 0
	}
	return b.durationFor(float64(n) - b.tokens)
}

// Tokens reports the current token count after a refill.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

// Capacity reports the burst capacity.
func (b *TokenBucket) Capacity() float64 {
	return b.capacity
}

func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.ratePerSecond
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastRefill = now
}

func (b *TokenBucket) durationFor(tokens float64) time.Duration {
	return time.Duration(tokens / b.ratePerSecond * float64(time.Second))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
