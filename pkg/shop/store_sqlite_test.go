package shop

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func TestSQLiteStore_RoundTrip(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	expiry := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	rec := &Shop{
		ID:                   "shop-1",
		ShopDomain:           "s.myshopify.com",
		Environment:          "test",
		IsActive:             true,
		CurrentSecret:        "cur",
		PreviousSecret:       "prev",
		PreviousSecretExpiry: &expiry,
		PendingMatchCount:    1,
		PrimaryDomain:        "shop.example.com",
		StorefrontDomains:    []string{"store.example.net"},
		PixelConfigs: []PixelConfig{
			{ID: "pc-1", Platform: "ga4", PlatformID: "G-123", ServerSideEnabled: true,
				ClientConfig: map[string]any{"mode": "full_funnel"}},
		},
	}
	require.NoError(t, store.Put(ctx, rec))

	got, err := store.GetByDomain(ctx, "s.myshopify.com", "test")
	require.NoError(t, err)

	assert.Equal(t, rec.ID, got.ID)
	assert.True(t, got.IsActive)
	assert.Equal(t, "prev", got.PreviousSecret)
	require.NotNil(t, got.PreviousSecretExpiry)
	assert.True(t, got.PreviousSecretExpiry.Equal(expiry))
	assert.Empty(t, got.PendingSecret)
	assert.Nil(t, got.PendingSecretExpiry)
	assert.Equal(t, []string{"store.example.net"}, got.StorefrontDomains)
	require.Len(t, got.PixelConfigs, 1)
	assert.Equal(t, "full_funnel", got.PixelConfigs[0].ClientConfig["mode"])
}

func TestSQLiteStore_EnvironmentKeyed(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Shop{
		ID: "shop-test", ShopDomain: "s.myshopify.com", Environment: "test", IsActive: true, CurrentSecret: "a",
	}))

	_, err := store.GetByDomain(ctx, "s.myshopify.com", "live")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := store.GetByDomain(ctx, "s.myshopify.com", "test")
	require.NoError(t, err)
	assert.Equal(t, "shop-test", got.ID)
}

func TestSQLiteStore_IncrementPendingMatches(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, &Shop{
		ID: "shop-1", ShopDomain: "s.myshopify.com", Environment: "test", IsActive: true, CurrentSecret: "a",
	}))

	require.NoError(t, store.IncrementPendingMatches(ctx, "shop-1"))
	require.NoError(t, store.IncrementPendingMatches(ctx, "shop-1"))

	got, err := store.GetByDomain(ctx, "s.myshopify.com", "test")
	require.NoError(t, err)
	assert.Equal(t, 2, got.PendingMatchCount)
}
