package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerStore wraps a Store in a circuit breaker so a dead Redis fails
// fast instead of burning the 200ms store timeout on every request.
type BreakerStore struct {
	inner   Store
	breaker *gobreaker.CircuitBreaker
}

func NewBreakerStore(name string, inner Store, logger *slog.Logger) *BreakerStore {
	if logger == nil {
		logger = slog.Default()
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("rate limit store breaker state change", "breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerStore{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (s *BreakerStore) Take(ctx context.Context, key string, limit int64, window time.Duration) (Decision, error) {
	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.inner.Take(ctx, key, limit, window)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Decision{}, errors.Join(ErrStoreUnavailable, err)
		}
		return Decision{}, err
	}
	return res.(Decision), nil
}
