package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// TestRedisNonceStore_Integration requires a running Redis; skipped
// when unavailable.
func TestRedisNonceStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisNonceStore(client, time.Minute)
	orderKey := "order-" + time.Now().Format("150405.000000000")
	t.Cleanup(func() { client.Del(context.Background(), "nonce:shop-t:purchase:"+orderKey) })

	if err := store.CreateEventNonce(ctx, "shop-t", orderKey, time.Now().UnixMilli(), "", "purchase"); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	err := store.CreateEventNonce(ctx, "shop-t", orderKey, time.Now().UnixMilli(), "", "purchase")
	if err != ErrReplay {
		t.Fatalf("second claim: got %v, want ErrReplay", err)
	}

	// A distinct provided nonce claims a distinct key.
	t.Cleanup(func() { client.Del(context.Background(), "nonce:shop-t:purchase:"+orderKey+":n1") })
	if err := store.CreateEventNonce(ctx, "shop-t", orderKey, time.Now().UnixMilli(), "n1", "purchase"); err != nil {
		t.Fatalf("nonce-qualified claim: %v", err)
	}
}
