package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the fallback's key map; beyond it the oldest
// untouched entries are evicted. The fallback only runs while Redis is
// down, so precision matters less than bounded memory.
const maxTrackedKeys = 10000

// MemoryStore is the in-process fallback limiter. Each key gets a token
// bucket sized to the window quota, which approximates the shared fixed
// window closely enough for a degraded mode.
type MemoryStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	clock    func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{visitors: make(map[string]*visitor), clock: time.Now}
}

func (s *MemoryStore) Take(_ context.Context, key string, limit int64, window time.Duration) (Decision, error) {
	now := s.clock()

	s.mu.Lock()
	v, ok := s.visitors[key]
	if !ok {
		if len(s.visitors) >= maxTrackedKeys {
			s.evictOldest()
		}
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(float64(limit)/window.Seconds()), int(limit))}
		s.visitors[key] = v
	}
	v.lastSeen = now
	allowed := v.limiter.Allow()
	remaining := int64(v.limiter.Tokens())
	s.mu.Unlock()

	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   allowed,
		Limit:     limit,
		Remaining: remaining,
		Reset:     now.Add(window),
	}, nil
}

// evictOldest drops the least recently seen tenth of the map. Caller
// holds the lock.
func (s *MemoryStore) evictOldest() {
	n := maxTrackedKeys / 10
	for i := 0; i < n; i++ {
		var (
			oldestKey  string
			oldestSeen time.Time
		)
		for k, v := range s.visitors {
			if oldestKey == "" || v.lastSeen.Before(oldestSeen) {
				oldestKey, oldestSeen = k, v.lastSeen
			}
		}
		if oldestKey == "" {
			return
		}
		delete(s.visitors, oldestKey)
	}
}
