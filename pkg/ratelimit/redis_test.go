package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// TestRedisStore_Integration requires a running Redis; skipped when
// unavailable.
func TestRedisStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client)
	key := "ratelimit:test:" + time.Now().Format("150405.000000000")
	t.Cleanup(func() { client.Del(ctx, key) })

	for i := int64(1); i <= 2; i++ {
		d, err := store.Take(ctx, key, 2, time.Minute)
		if err != nil {
			t.Fatalf("take %d: %v", i, err)
		}
		if !d.Allowed {
			t.Errorf("request %d should fit quota 2", i)
		}
		if d.Remaining != 2-i {
			t.Errorf("remaining = %d, want %d", d.Remaining, 2-i)
		}
	}

	d, err := store.Take(ctx, key, 2, time.Minute)
	if err != nil {
		t.Fatalf("take over quota: %v", err)
	}
	if d.Allowed {
		t.Error("third request should exceed quota 2")
	}
	if d.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", d.Remaining)
	}
	if !d.Reset.After(time.Now()) {
		t.Error("reset should be in the future while the window is open")
	}
}
