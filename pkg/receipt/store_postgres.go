package receipt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// upsertTimeout bounds the receipt write.
const upsertTimeout = time.Second

// PostgresStore is the durable receipt store.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Upsert(ctx context.Context, r *Receipt) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, upsertTimeout)
	defer cancel()

	query := `
		INSERT INTO receipts (
			shop_id, event_id, event_type, order_key, alt_order_key,
			primary_platform, destinations, trust_level, hmac_matched,
			verification_run_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (shop_id, event_id) DO NOTHING
	`
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, query,
		r.ShopID, r.EventID, r.EventType, r.OrderKey, nullIfEmpty(r.AltOrderKey),
		nullIfEmpty(r.PrimaryPlatform), pq.Array(r.Destinations), r.TrustLevel, r.HMACMatched,
		nullIfEmpty(r.VerificationRunID), createdAt,
	)
	if err != nil {
		return false, fmt.Errorf("upsert receipt %s/%s: %w", r.ShopID, r.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert receipt %s/%s: %w", r.ShopID, r.EventID, err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ExistingPurchaseKeys(ctx context.Context, shopID string, keys []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(keys) == 0 {
		return existing, nil
	}

	query := `
		SELECT order_key, alt_order_key
		FROM receipts
		WHERE shop_id = $1
		  AND event_type = 'purchase'
		  AND (order_key = ANY($2) OR alt_order_key = ANY($2))
	`
	rows, err := s.db.QueryContext(ctx, query, shopID, pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("prefetch purchase keys for shop %s: %w", shopID, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var orderKey string
		var altKey sql.NullString
		if err := rows.Scan(&orderKey, &altKey); err != nil {
			return nil, err
		}
		existing[orderKey] = struct{}{}
		if altKey.Valid && altKey.String != "" {
			existing[altKey.String] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return existing, nil
}

func (s *PostgresStore) LatestRunningVerificationRun(ctx context.Context, shopID string) (string, error) {
	query := `
		SELECT id
		FROM verification_runs
		WHERE shop_id = $1 AND status = 'running'
		ORDER BY started_at DESC
		LIMIT 1
	`
	var id string
	err := s.db.QueryRowContext(ctx, query, shopID).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("latest verification run for shop %s: %w", shopID, err)
	}
	return id, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
