// Package ratelimit throttles ingest requests with a fixed-window
// counter shared across instances through Redis, falling back to an
// in-process limiter when the shared store is down and policy permits.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable means the shared counter store could not be
// reached (or its circuit breaker is open) and no fallback was
// configured. The edge maps this to 503 in production.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// storeTimeout bounds every counter-store round trip.
const storeTimeout = 200 * time.Millisecond

// Decision is the outcome of one quota check, carrying everything the
// 429 response headers need.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	Reset     time.Time
}

// RetryAfter returns the whole seconds a client should wait, at least 1.
func (d Decision) RetryAfter(now time.Time) int {
	s := int(d.Reset.Sub(now).Round(time.Second).Seconds())
	if s < 1 {
		return 1
	}
	return s
}

// Store counts requests per key within a fixed window.
type Store interface {
	// Take increments the counter for key and reports whether the
	// request fits within limit for the current window.
	Take(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error)
}

// Limiter applies one quota through a primary store with an optional
// fallback. The fallback engages only when the primary errors; a
// primary deny is final.
type Limiter struct {
	primary  Store
	fallback Store
	limit    int64
	window   time.Duration
}

func New(primary, fallback Store, limit int64, window time.Duration) *Limiter {
	return &Limiter{primary: primary, fallback: fallback, limit: limit, window: window}
}

// Allow checks the quota for key. The returned error is
// ErrStoreUnavailable (possibly wrapped) when neither the primary store
// nor a fallback could answer.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	d, err := l.primary.Take(ctx, key, l.limit, l.window)
	if err == nil {
		return d, nil
	}
	if l.fallback == nil {
		return Decision{}, errors.Join(ErrStoreUnavailable, err)
	}
	return l.fallback.Take(ctx, key, l.limit, l.window)
}

// PreBodyKey keys the throttle applied before the body is read.
func PreBodyKey(ip, shopDomainHeader string) string {
	return "ratelimit:ip:" + ip + ":" + shopDomainHeader
}

// PostShopKey keys the throttle applied after the shop resolves.
func PostShopKey(shopDomain, ip string) string {
	return "ratelimit:shop:" + shopDomain + ":ip:" + ip
}
