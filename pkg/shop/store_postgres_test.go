package shop

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_GetByDomain(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db)
	ctx := context.Background()

	expiry := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	shopRows := sqlmock.NewRows([]string{
		"id", "shop_domain", "environment", "is_active",
		"current_secret", "previous_secret", "previous_secret_expiry",
		"pending_secret", "pending_secret_expiry", "pending_match_count",
		"primary_domain", "storefront_domains",
	}).AddRow(
		"shop-1", "s.myshopify.com", "live", true,
		"cur", "prev", expiry,
		nil, nil, 2,
		"shop.example.com", pq.StringArray{"store.example.net"},
	)

	mock.ExpectQuery(regexp.QuoteMeta("FROM shops")).
		WithArgs("s.myshopify.com", "live").
		WillReturnRows(shopRows)

	configRows := sqlmock.NewRows([]string{
		"id", "platform", "platform_id", "client_side_enabled", "server_side_enabled", "client_config",
	}).
		AddRow("pc-1", "ga4", "G-123", true, true, []byte(`{"mode":"full_funnel"}`)).
		AddRow("pc-2", "meta", nil, false, true, nil)

	mock.ExpectQuery(regexp.QuoteMeta("FROM pixel_configs")).
		WithArgs("shop-1").
		WillReturnRows(configRows)

	rec, err := store.GetByDomain(ctx, "s.myshopify.com", "live")
	require.NoError(t, err)

	assert.Equal(t, "shop-1", rec.ID)
	assert.True(t, rec.IsActive)
	assert.Equal(t, "prev", rec.PreviousSecret)
	require.NotNil(t, rec.PreviousSecretExpiry)
	assert.True(t, rec.PreviousSecretExpiry.Equal(expiry))
	assert.Nil(t, rec.PendingSecretExpiry)
	assert.Equal(t, 2, rec.PendingMatchCount)
	assert.Equal(t, []string{"store.example.net"}, rec.StorefrontDomains)

	require.Len(t, rec.PixelConfigs, 2)
	assert.Equal(t, "full_funnel", rec.PixelConfigs[0].ClientConfig["mode"])
	assert.Equal(t, "G-123", rec.PixelConfigs[0].PlatformID)
	assert.Nil(t, rec.PixelConfigs[1].ClientConfig)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_NotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta("FROM shops")).
		WithArgs("ghost.myshopify.com", "live").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err = NewPostgresStore(db).GetByDomain(context.Background(), "ghost.myshopify.com", "live")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_IncrementPendingMatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE shops")).
		WithArgs("shop-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = NewPostgresStore(db).IncrementPendingMatches(context.Background(), "shop-1")
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
