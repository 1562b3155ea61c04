package dedup

import (
	"context"
	"errors"
	"log/slog"

	"github.com/zicaiw625/tracking-guardian-sub010/pkg/pixel"
)

// PrefetchStore answers which purchase keys already carry receipts.
// receipt.Store satisfies it.
type PrefetchStore interface {
	ExistingPurchaseKeys(ctx context.Context, shopID string, keys []string) (map[string]struct{}, error)
}

// Stats counts what the filter dropped.
type Stats struct {
	Duplicates int
	Replays    int
}

// Deduplicator runs the three dedup layers over a normalized batch.
type Deduplicator struct {
	receipts PrefetchStore
	nonces   NonceStore
	logger   *slog.Logger
}

func New(receipts PrefetchStore, nonces NonceStore, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{receipts: receipts, nonces: nonces, logger: logger}
}

// Filter drops duplicate and replayed purchase events, preserving batch
// order; non-purchase events pass straight through. First wins: a later
// event sharing any key with an earlier one in the same batch is the
// one dropped.
func (d *Deduplicator) Filter(ctx context.Context, shopID string, events []pixel.NormalizedEvent) ([]pixel.NormalizedEvent, Stats, error) {
	var stats Stats

	var batchKeys []string
	for i := range events {
		if !events[i].IsPurchase() {
			continue
		}
		batchKeys = append(batchKeys, events[i].OrderKey)
		if events[i].AltOrderKey != "" {
			batchKeys = append(batchKeys, events[i].AltOrderKey)
		}
	}

	existing := map[string]struct{}{}
	if len(batchKeys) > 0 {
		var err error
		existing, err = d.receipts.ExistingPurchaseKeys(ctx, shopID, batchKeys)
		if err != nil {
			return nil, stats, err
		}
	}

	kept := make([]pixel.NormalizedEvent, 0, len(events))
	seen := make(map[string]struct{})
	for i := range events {
		ev := events[i]
		if !ev.IsPurchase() {
			kept = append(kept, ev)
			continue
		}

		if keyTaken(existing, seen, ev.OrderKey, ev.AltOrderKey) {
			stats.Duplicates++
			d.logger.Debug("duplicate purchase dropped", "shop", ev.Payload.ShopDomain, "index", ev.Index)
			continue
		}

		err := d.nonces.CreateEventNonce(ctx, shopID, ev.OrderKey, ev.Payload.Timestamp, ev.Payload.Nonce, ev.EventType)
		if err != nil {
			if errors.Is(err, ErrReplay) {
				stats.Replays++
				d.logger.Debug("replayed purchase dropped", "shop", ev.Payload.ShopDomain, "index", ev.Index)
				continue
			}
			return nil, stats, err
		}

		seen[ev.OrderKey] = struct{}{}
		if ev.AltOrderKey != "" {
			seen[ev.AltOrderKey] = struct{}{}
		}
		kept = append(kept, ev)
	}

	return kept, stats, nil
}

func keyTaken(existing, seen map[string]struct{}, keys ...string) bool {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := existing[k]; ok {
			return true
		}
		if _, ok := seen[k]; ok {
			return true
		}
	}
	return false
}
