package receipt_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zicaiw625/tracking-guardian-sub010/pkg/receipt"
)

func newStore(t *testing.T) *receipt.SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	db.SetMaxOpenConns(1)

	store, err := receipt.NewSQLiteStore(db)
	require.NoError(t, err)
	return store
}

func purchaseReceipt(eventID, orderKey string) *receipt.Receipt {
	return &receipt.Receipt{
		ShopID:          "shop-1",
		EventID:         eventID,
		EventType:       "purchase",
		OrderKey:        orderKey,
		AltOrderKey:     "alt-" + orderKey,
		PrimaryPlatform: "meta",
		Destinations:    []string{"meta", "ga4"},
		TrustLevel:      "trusted",
		HMACMatched:     true,
	}
}

func TestUpsert_Idempotent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	inserted, err := store.Upsert(ctx, purchaseReceipt("ev-1", "gid://shopify/Order/1"))
	require.NoError(t, err)
	assert.True(t, inserted)

	// Same (shop, event) again: no new row, no error.
	inserted, err = store.Upsert(ctx, purchaseReceipt("ev-1", "gid://shopify/Order/1"))
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := store.GetForTest(ctx, "shop-1", "ev-1")
	require.NoError(t, err)
	assert.Equal(t, "gid://shopify/Order/1", got.OrderKey)
	assert.Equal(t, "meta", got.PrimaryPlatform)
	assert.Equal(t, []string{"meta", "ga4"}, got.Destinations)
	assert.True(t, got.HMACMatched)
}

func TestExistingPurchaseKeys_MatchesBothKeyColumns(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	_, err := store.Upsert(ctx, purchaseReceipt("ev-1", "order-a"))
	require.NoError(t, err)

	existing, err := store.ExistingPurchaseKeys(ctx, "shop-1",
		[]string{"order-a", "alt-order-a", "order-unseen"})
	require.NoError(t, err)

	assert.Contains(t, existing, "order-a")
	assert.Contains(t, existing, "alt-order-a")
	assert.NotContains(t, existing, "order-unseen")
}

func TestExistingPurchaseKeys_ScopedToShopAndType(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	other := purchaseReceipt("ev-2", "order-b")
	other.ShopID = "shop-2"
	_, err := store.Upsert(ctx, other)
	require.NoError(t, err)

	pageView := purchaseReceipt("ev-3", "order-c")
	pageView.EventType = "page_viewed"
	_, err = store.Upsert(ctx, pageView)
	require.NoError(t, err)

	existing, err := store.ExistingPurchaseKeys(ctx, "shop-1", []string{"order-b", "order-c"})
	require.NoError(t, err)
	assert.Empty(t, existing)
}

func TestExistingPurchaseKeys_EmptyKeySet(t *testing.T) {
	store := newStore(t)
	existing, err := store.ExistingPurchaseKeys(context.Background(), "shop-1", nil)
	require.NoError(t, err)
	assert.Empty(t, existing)
}

func TestLatestRunningVerificationRun(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	id, err := store.LatestRunningVerificationRun(ctx, "shop-1")
	require.NoError(t, err)
	assert.Empty(t, id, "no runs yet")

	base := time.Now().Add(-time.Hour)
	require.NoError(t, store.PutVerificationRun(ctx, "run-old", "shop-1", "running", base))
	require.NoError(t, store.PutVerificationRun(ctx, "run-new", "shop-1", "running", base.Add(30*time.Minute)))
	require.NoError(t, store.PutVerificationRun(ctx, "run-done", "shop-1", "completed", base.Add(45*time.Minute)))

	id, err = store.LatestRunningVerificationRun(ctx, "shop-1")
	require.NoError(t, err)
	assert.Equal(t, "run-new", id)
}
