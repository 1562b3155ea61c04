package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/zicaiw625/tracking-guardian-sub010/pkg/pixel"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/queue"
)

// PostgresPersister is the reference Persister: it writes the internal
// event rows and one pending dispatch job per destination in a single
// transaction, an outbox the downstream dispatcher drains. Forwarding
// to the marketing APIs themselves happens elsewhere.
type PostgresPersister struct {
	db *sql.DB
}

func NewPostgresPersister(db *sql.DB) *PostgresPersister {
	return &PostgresPersister{db: db}
}

func (p *PostgresPersister) PersistAndDispatch(ctx context.Context, shopID string, events []pixel.NormalizedEvent, meta queue.RequestMeta, environment string) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin persist tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode request meta: %w", err)
	}

	now := time.Now().UTC()
	for i := range events {
		ev := &events[i]
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.EventID, err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO internal_events (
				id, shop_id, event_id, event_type, order_key, alt_order_key,
				environment, payload, request_meta, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (shop_id, event_id) DO NOTHING`,
			uuid.NewString(), shopID, ev.EventID, ev.EventType, ev.OrderKey, nullIfEmpty(ev.AltOrderKey),
			environment, payload, metaJSON, now,
		)
		if err != nil {
			return fmt.Errorf("persist event %s: %w", ev.EventID, err)
		}

		for _, platform := range ev.Destinations {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO dispatch_jobs (
					id, shop_id, event_id, platform, status, destinations, created_at
				) VALUES ($1, $2, $3, $4, 'pending', $5, $6)
				ON CONFLICT (shop_id, event_id, platform) DO NOTHING`,
				uuid.NewString(), shopID, ev.EventID, platform, pq.Array(ev.Destinations), now,
			)
			if err != nil {
				return fmt.Errorf("enqueue dispatch job %s/%s: %w", ev.EventID, platform, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit persist tx: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
