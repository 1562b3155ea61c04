package shop

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// PostgresStore is the durable shop store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) GetByDomain(ctx context.Context, shopDomain, environment string) (*Shop, error) {
	query := `
		SELECT id, shop_domain, environment, is_active,
		       current_secret, previous_secret, previous_secret_expiry,
		       pending_secret, pending_secret_expiry, pending_match_count,
		       primary_domain, storefront_domains
		FROM shops
		WHERE shop_domain = $1 AND environment = $2
	`
	row := s.db.QueryRowContext(ctx, query, shopDomain, environment)

	var (
		rec            Shop
		previousSecret sql.NullString
		previousExpiry sql.NullTime
		pendingSecret  sql.NullString
		pendingExpiry  sql.NullTime
		primaryDomain  sql.NullString
		domains        pq.StringArray
	)
	err := row.Scan(
		&rec.ID, &rec.ShopDomain, &rec.Environment, &rec.IsActive,
		&rec.CurrentSecret, &previousSecret, &previousExpiry,
		&pendingSecret, &pendingExpiry, &rec.PendingMatchCount,
		&primaryDomain, &domains,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load shop %q: %w", shopDomain, err)
	}

	rec.PreviousSecret = previousSecret.String
	rec.PendingSecret = pendingSecret.String
	rec.PrimaryDomain = primaryDomain.String
	rec.StorefrontDomains = domains
	if previousExpiry.Valid {
		t := previousExpiry.Time
		rec.PreviousSecretExpiry = &t
	}
	if pendingExpiry.Valid {
		t := pendingExpiry.Time
		rec.PendingSecretExpiry = &t
	}

	configs, err := s.loadPixelConfigs(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	rec.PixelConfigs = configs

	return &rec, nil
}

func (s *PostgresStore) loadPixelConfigs(ctx context.Context, shopID string) ([]PixelConfig, error) {
	query := `
		SELECT id, platform, platform_id, client_side_enabled, server_side_enabled, client_config
		FROM pixel_configs
		WHERE shop_id = $1
		ORDER BY platform
	`
	rows, err := s.db.QueryContext(ctx, query, shopID)
	if err != nil {
		return nil, fmt.Errorf("load pixel configs for shop %s: %w", shopID, err)
	}
	defer func() { _ = rows.Close() }()

	var configs []PixelConfig
	for rows.Next() {
		var (
			pc         PixelConfig
			platformID sql.NullString
			rawConfig  []byte
		)
		if err := rows.Scan(&pc.ID, &pc.Platform, &platformID, &pc.ClientSideEnabled, &pc.ServerSideEnabled, &rawConfig); err != nil {
			return nil, err
		}
		pc.PlatformID = platformID.String
		if len(rawConfig) > 0 {
			if err := json.Unmarshal(rawConfig, &pc.ClientConfig); err != nil {
				return nil, fmt.Errorf("decode client config %s: %w", pc.ID, err)
			}
		}
		configs = append(configs, pc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return configs, nil
}

func (s *PostgresStore) IncrementPendingMatches(ctx context.Context, shopID string) error {
	query := `
		UPDATE shops
		SET pending_match_count = pending_match_count + 1, updated_at = $2
		WHERE id = $1
	`
	if _, err := s.db.ExecContext(ctx, query, shopID, time.Now().UTC()); err != nil {
		return fmt.Errorf("increment pending matches for shop %s: %w", shopID, err)
	}
	return nil
}
