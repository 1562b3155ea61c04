package receipt

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

// SQLiteStore backs local development and tests with the same
// semantics as the Postgres store.
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
	CREATE TABLE IF NOT EXISTS receipts (
		shop_id TEXT NOT NULL,
		event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		order_key TEXT NOT NULL,
		alt_order_key TEXT,
		primary_platform TEXT,
		destinations JSON,
		trust_level TEXT NOT NULL,
		hmac_matched INTEGER NOT NULL DEFAULT 0,
		verification_run_id TEXT,
		created_at DATETIME,
		PRIMARY KEY (shop_id, event_id)
	);
	CREATE INDEX IF NOT EXISTS receipts_purchase_keys
		ON receipts (shop_id, event_type, order_key, alt_order_key);
	CREATE TABLE IF NOT EXISTS verification_runs (
		id TEXT PRIMARY KEY,
		shop_id TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Upsert(ctx context.Context, r *Receipt) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, upsertTimeout)
	defer cancel()

	destJSON, err := json.Marshal(r.Destinations)
	if err != nil {
		return false, err
	}
	createdAt := r.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	query := `
		INSERT INTO receipts (
			shop_id, event_id, event_type, order_key, alt_order_key,
			primary_platform, destinations, trust_level, hmac_matched,
			verification_run_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (shop_id, event_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		r.ShopID, r.EventID, r.EventType, r.OrderKey, nullIfEmpty(r.AltOrderKey),
		nullIfEmpty(r.PrimaryPlatform), string(destJSON), r.TrustLevel, r.HMACMatched,
		nullIfEmpty(r.VerificationRunID), createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, fmt.Errorf("upsert receipt %s/%s: %w", r.ShopID, r.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) ExistingPurchaseKeys(ctx context.Context, shopID string, keys []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{})
	if len(keys) == 0 {
		return existing, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	query := fmt.Sprintf(`
		SELECT order_key, alt_order_key
		FROM receipts
		WHERE shop_id = ?
		  AND event_type = 'purchase'
		  AND (order_key IN (%s) OR alt_order_key IN (%s))
	`, placeholders, placeholders)

	args := make([]any, 0, 1+2*len(keys))
	args = append(args, shopID)
	for _, k := range keys {
		args = append(args, k)
	}
	for _, k := range keys {
		args = append(args, k)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLiteStore) LatestRunningVerificationRun(ctx context.Context, shopID string) (string, error) {
	query := `
		SELECT id
		FROM verification_runs
		WHERE shop_id = ? AND status = 'running'
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

// PutVerificationRun records a verification run. Dev seeding and tests
// only.
func (s *SQLiteStore) PutVerificationRun(ctx context.Context, id, shopID, status string, startedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO verification_runs (id, shop_id, status, started_at)
		VALUES (?, ?, ?, ?)`,
		id, shopID, status, startedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// GetForTest reads one receipt back. Tests only.
func (s *SQLiteStore) GetForTest(ctx context.Context, shopID, eventID string) (*Receipt, error) {
	query := `
		SELECT shop_id, event_id, event_type, order_key, alt_order_key,
		       primary_platform, destinations, trust_level, hmac_matched, verification_run_id
		FROM receipts
		WHERE shop_id = ? AND event_id = ?
	`
	var (
		r        Receipt
		altKey   sql.NullString
		primary  sql.NullString
		destJSON sql.NullString
		runID    sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, shopID, eventID).Scan(
		&r.ShopID, &r.EventID, &r.EventType, &r.OrderKey, &altKey,
		&primary, &destJSON, &r.TrustLevel, &r.HMACMatched, &runID,
	)
	if err != nil {
		return nil, err
	}
	r.AltOrderKey = altKey.String
	r.PrimaryPlatform = primary.String
	r.VerificationRunID = runID.String
	if destJSON.Valid && destJSON.String != "" {
		if err := json.Unmarshal([]byte(destJSON.String), &r.Destinations); err != nil {
			return nil, err
		}
	}
	return &r, nil
}
