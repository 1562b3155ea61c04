// Package dedup suppresses duplicate purchase events with three layers:
// a prefetch against the receipt store, an in-batch first-wins set, and
// an atomic nonce claim. Each layer closes a gap the others leave: the
// prefetch sees prior batches, the set sees this batch, and the nonce
// closes the race between prefetch and receipt insert.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrReplay means the nonce was already claimed: the same logical event
// was accepted before, possibly by another instance in the prefetch gap.
var ErrReplay = errors.New("event nonce already claimed")

// NonceStore claims one-shot event nonces. Claims must be atomic
// set-if-absent so concurrent instances cannot both win.
type NonceStore interface {
	CreateEventNonce(ctx context.Context, shopID, orderKey string, timestamp int64, providedNonce, eventType string) error
}

// defaultNonceTTL keeps claims alive well past the dedup-relevant
// horizon without growing Redis forever.
const defaultNonceTTL = 24 * time.Hour

// RedisNonceStore claims nonces with SETNX + TTL.
type RedisNonceStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisNonceStore(client redis.Cmdable, ttl time.Duration) *RedisNonceStore {
	if ttl <= 0 {
		ttl = defaultNonceTTL
	}
	return &RedisNonceStore{client: client, ttl: ttl}
}

func (s *RedisNonceStore) CreateEventNonce(ctx context.Context, shopID, orderKey string, timestamp int64, providedNonce, eventType string) error {
	key := "nonce:" + shopID + ":" + eventType + ":" + orderKey
	if providedNonce != "" {
		key += ":" + providedNonce
	}

	ok, err := s.client.SetNX(ctx, key, strconv.FormatInt(timestamp, 10), s.ttl).Result()
	if err != nil {
		return fmt.Errorf("claim nonce %q: %w", key, err)
	}
	if !ok {
		return ErrReplay
	}
	return nil
}
