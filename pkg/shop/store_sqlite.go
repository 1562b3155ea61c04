package shop

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore backs local development and tests with the same interface
// as the Postgres store.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS shops (
		id TEXT PRIMARY KEY,
		shop_domain TEXT NOT NULL,
		environment TEXT NOT NULL,
		is_active INTEGER NOT NULL DEFAULT 1,
		current_secret TEXT NOT NULL DEFAULT '',
		previous_secret TEXT,
		previous_secret_expiry DATETIME,
		pending_secret TEXT,
		pending_secret_expiry DATETIME,
		pending_match_count INTEGER NOT NULL DEFAULT 0,
		primary_domain TEXT,
		storefront_domains JSON,
		updated_at DATETIME,
		UNIQUE (shop_domain, environment)
	);
	CREATE TABLE IF NOT EXISTS pixel_configs (
		id TEXT PRIMARY KEY,
		shop_id TEXT NOT NULL,
		platform TEXT NOT NULL,
		platform_id TEXT,
		client_side_enabled INTEGER NOT NULL DEFAULT 0,
		server_side_enabled INTEGER NOT NULL DEFAULT 0,
		client_config JSON
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) GetByDomain(ctx context.Context, shopDomain, environment string) (*Shop, error) {
	query := `
		SELECT id, shop_domain, environment, is_active,
		       current_secret, previous_secret, previous_secret_expiry,
		       pending_secret, pending_secret_expiry, pending_match_count,
		       primary_domain, storefront_domains
		FROM shops
		WHERE shop_domain = ? AND environment = ?
	`
	row := s.db.QueryRowContext(ctx, query, shopDomain, environment)

	var (
		rec            Shop
		previousSecret sql.NullString
		previousExpiry sql.NullString
		pendingSecret  sql.NullString
		pendingExpiry  sql.NullString
		primaryDomain  sql.NullString
		domainsJSON    sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.ShopDomain, &rec.Environment, &rec.IsActive,
		&rec.CurrentSecret, &previousSecret, &previousExpiry,
		&pendingSecret, &pendingExpiry, &rec.PendingMatchCount,
		&primaryDomain, &domainsJSON,
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
	rec.PreviousSecretExpiry = parseNullTime(previousExpiry)
	rec.PendingSecretExpiry = parseNullTime(pendingExpiry)
	if domainsJSON.Valid && domainsJSON.String != "" {
		if err := json.Unmarshal([]byte(domainsJSON.String), &rec.StorefrontDomains); err != nil {
			return nil, fmt.Errorf("decode storefront domains: %w", err)
		}
	}

	configs, err := s.loadPixelConfigs(ctx, rec.ID)
	if err != nil {
		return nil, err
	}
	rec.PixelConfigs = configs

	return &rec, nil
}

func (s *SQLiteStore) loadPixelConfigs(ctx context.Context, shopID string) ([]PixelConfig, error) {
	query := `
		SELECT id, platform, platform_id, client_side_enabled, server_side_enabled, client_config
		FROM pixel_configs
		WHERE shop_id = ?
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
			rawConfig  sql.NullString
		)
		if err := rows.Scan(&pc.ID, &pc.Platform, &platformID, &pc.ClientSideEnabled, &pc.ServerSideEnabled, &rawConfig); err != nil {
			return nil, err
		}
		pc.PlatformID = platformID.String
		if rawConfig.Valid && rawConfig.String != "" {
			if err := json.Unmarshal([]byte(rawConfig.String), &pc.ClientConfig); err != nil {
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

func (s *SQLiteStore) IncrementPendingMatches(ctx context.Context, shopID string) error {
	query := `
		UPDATE shops
		SET pending_match_count = pending_match_count + 1, updated_at = ?
		WHERE id = ?
	`
	if _, err := s.db.ExecContext(ctx, query, time.Now().UTC().Format(time.RFC3339Nano), shopID); err != nil {
		return fmt.Errorf("increment pending matches for shop %s: %w", shopID, err)
	}
	return nil
}

// Put inserts or replaces a shop with its pixel configs. Dev seeding and
// tests only.
func (s *SQLiteStore) Put(ctx context.Context, rec *Shop) error {
	domainsJSON, err := json.Marshal(rec.StorefrontDomains)
	if err != nil {
		return err
	}
	query := `
		INSERT OR REPLACE INTO shops (
			id, shop_domain, environment, is_active,
			current_secret, previous_secret, previous_secret_expiry,
			pending_secret, pending_secret_expiry, pending_match_count,
			primary_domain, storefront_domains, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.ShopDomain, rec.Environment, rec.IsActive,
		rec.CurrentSecret, nullIfEmpty(rec.PreviousSecret), formatNullTime(rec.PreviousSecretExpiry),
		nullIfEmpty(rec.PendingSecret), formatNullTime(rec.PendingSecretExpiry), rec.PendingMatchCount,
		nullIfEmpty(rec.PrimaryDomain), string(domainsJSON), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put shop %q: %w", rec.ShopDomain, err)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM pixel_configs WHERE shop_id = ?`, rec.ID); err != nil {
		return err
	}
	for _, pc := range rec.PixelConfigs {
		cfgJSON, err := json.Marshal(pc.ClientConfig)
		if err != nil {
			return err
		}
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO pixel_configs (id, shop_id, platform, platform_id, client_side_enabled, server_side_enabled, client_config)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			pc.ID, rec.ID, pc.Platform, nullIfEmpty(pc.PlatformID), pc.ClientSideEnabled, pc.ServerSideEnabled, string(cfgJSON),
		)
		if err != nil {
			return fmt.Errorf("put pixel config %q: %w", pc.ID, err)
		}
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || strings.TrimSpace(v.String) == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v.String); err == nil {
		return &t
	}
	if t, err := time.Parse(time.RFC3339, v.String); err == nil {
		return &t
	}
	return nil
}
