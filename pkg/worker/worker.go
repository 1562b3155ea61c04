// Package worker drains the durable queue: it re-checks each entry's
// cheap invariants, runs normalization, dedup, consent filtering, and
// receipt writing, and hands the survivors to the persister. An entry
// is acked only after everything succeeded, so a crash mid-entry leaves
// it visible in the in-flight list for recovery.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/zicaiw625/tracking-guardian-sub010/pkg/consent"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/dedup"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/pixel"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/queue"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/receipt"
)

// Consumer is the queue side the worker drives.
type Consumer interface {
	Dequeue(ctx context.Context) (*queue.Delivery, error)
	Ack(ctx context.Context, d *queue.Delivery) error
}

// Persister is the external collaborator receiving processed events.
type Persister interface {
	PersistAndDispatch(ctx context.Context, shopID string, events []pixel.NormalizedEvent, meta queue.RequestMeta, environment string) error
}

// Metrics is the instrument surface the worker reports into; nil
// disables reporting.
type Metrics interface {
	WorkerEntry(ctx context.Context, outcome string)
	WorkerError(ctx context.Context)
	Duplicates(ctx context.Context, n int)
	Replays(ctx context.Context, n int)
	ConsentDrops(ctx context.Context, n int)
}

// Config bounds one worker run.
type Config struct {
	MaxBatchesPerRun int
	Budget           time.Duration
	// Window is the timestamp re-filter window applied to queued
	// events.
	Window time.Duration
}

// Stats summarizes one run.
type Stats struct {
	Processed int
	Persisted int
	Poisoned  int
	Failed    int

	Duplicates   int
	Replays      int
	ConsentDrops int
}

// Worker is the single logical consumer. Multiple processes may run it
// concurrently; the queue's atomic moves keep them from double-popping.
type Worker struct {
	queue     Consumer
	dedup     *dedup.Deduplicator
	consent   *consent.Table
	receipts  receipt.Store
	persister Persister
	cfg       Config
	logger    *slog.Logger
	metrics   Metrics
	clock     func() time.Time
}

func New(q Consumer, d *dedup.Deduplicator, table *consent.Table, receipts receipt.Store, persister Persister, cfg Config, logger *slog.Logger, metrics Metrics) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBatchesPerRun <= 0 {
		cfg.MaxBatchesPerRun = 25
	}
	if cfg.Budget <= 0 {
		cfg.Budget = 50 * time.Second
	}
	if cfg.Window <= 0 {
		cfg.Window = 5 * time.Minute
	}
	return &Worker{
		queue:     q,
		dedup:     d,
		consent:   table,
		receipts:  receipts,
		persister: persister,
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for testing.
func (w *Worker) WithClock(clock func() time.Time) *Worker {
	w.clock = clock
	return w
}

// Run drains up to MaxBatchesPerRun entries within the wall-clock
// budget. It returns early on context cancellation or an empty queue.
func (w *Worker) Run(ctx context.Context) (Stats, error) {
	var stats Stats
	deadline := w.clock().Add(w.cfg.Budget)

	for i := 0; i < w.cfg.MaxBatchesPerRun; i++ {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if !w.clock().Before(deadline) {
			w.logger.Info("worker budget exhausted", "processed", stats.Processed)
			return stats, nil
		}

		d, err := w.queue.Dequeue(ctx)
		if err != nil {
			if err == queue.ErrEmpty {
				return stats, nil
			}
			return stats, err
		}
		stats.Processed++

		if d.Err != nil {
			// Poison pill: a payload that will never parse is acked so
			// it cannot wedge the queue, and counted as an error.
			w.logger.Error("unparseable queue entry dropped", "error", d.Err)
			stats.Poisoned++
			if w.metrics != nil {
				w.metrics.WorkerEntry(ctx, "poison")
			}
			if err := w.queue.Ack(ctx, d); err != nil {
				return stats, err
			}
			continue
		}

		if err := w.processEntry(ctx, d.Entry, &stats); err != nil {
			// No ack: the entry stays in-flight for recovery.
			stats.Failed++
			if w.metrics != nil {
				w.metrics.WorkerError(ctx)
				w.metrics.WorkerEntry(ctx, "failed")
			}
			w.logger.Error("entry processing failed, left in-flight",
				"request_id", d.Entry.RequestID, "shop", d.Entry.ShopDomain, "error", err)
			continue
		}

		if err := w.queue.Ack(ctx, d); err != nil {
			return stats, err
		}
		if w.metrics != nil {
			w.metrics.WorkerEntry(ctx, "ok")
		}
	}
	return stats, nil
}

func (w *Worker) processEntry(ctx context.Context, entry *queue.Entry, stats *Stats) error {
	events := w.refilter(entry)
	if len(events) == 0 {
		w.logger.Info("entry aged out, nothing to process", "request_id", entry.RequestID)
		return nil
	}

	normalized, err := pixel.NormalizeBatch(events, entry.Mode)
	if err != nil {
		return err
	}
	if len(normalized) == 0 {
		return nil
	}

	deduped, dstats, err := w.dedup.Filter(ctx, entry.ShopID, normalized)
	if err != nil {
		return err
	}
	stats.Duplicates += dstats.Duplicates
	stats.Replays += dstats.Replays
	if w.metrics != nil {
		w.metrics.Duplicates(ctx, dstats.Duplicates)
		w.metrics.Replays(ctx, dstats.Replays)
	}

	surviving := make([]pixel.NormalizedEvent, 0, len(deduped))
	runID, runResolved := "", false
	for i := range deduped {
		ev := deduped[i]
		ev.Destinations = w.consent.Destinations(ev.Payload.Consent, entry.EnabledPixelConfigs)
		if len(ev.Destinations) == 0 {
			stats.ConsentDrops++
			if w.metrics != nil {
				w.metrics.ConsentDrops(ctx, 1)
			}
			continue
		}

		if ev.IsPurchase() {
			if !runResolved {
				runID, err = w.receipts.LatestRunningVerificationRun(ctx, entry.ShopID)
				if err != nil {
					return err
				}
				runResolved = true
			}
			_, err := w.receipts.Upsert(ctx, &receipt.Receipt{
				ShopID:            entry.ShopID,
				EventID:           ev.EventID,
				EventType:         ev.EventType,
				OrderKey:          ev.OrderKey,
				AltOrderKey:       ev.AltOrderKey,
				PrimaryPlatform:   ev.Destinations[0],
				Destinations:      ev.Destinations,
				TrustLevel:        entry.KeyValidation.TrustLevel,
				HMACMatched:       entry.KeyValidation.Matched,
				VerificationRunID: runID,
			})
			if err != nil {
				return err
			}
		}
		surviving = append(surviving, ev)
	}

	if len(surviving) == 0 {
		return nil
	}
	if err := w.persister.PersistAndDispatch(ctx, entry.ShopID, surviving, entry.RequestContext, entry.Environment); err != nil {
		return err
	}
	stats.Persisted += len(surviving)
	return nil
}

// refilter re-applies the cheap invariants: every event must still name
// the entry's shop and sit within the timestamp window. Entries age in
// the queue, so stale events are dropped, not errors.
func (w *Worker) refilter(entry *queue.Entry) []pixel.ValidatedEvent {
	now := w.clock().UnixMilli()
	kept := make([]pixel.ValidatedEvent, 0, len(entry.ValidatedEvents))
	for _, ev := range entry.ValidatedEvents {
		if ev.Payload.ShopDomain != entry.ShopDomain {
			w.logger.Warn("queued event names wrong shop, dropped",
				"request_id", entry.RequestID, "index", ev.Index)
			continue
		}
		skew := now - ev.Payload.Timestamp
		if skew < 0 {
			skew = -skew
		}
		if skew > w.cfg.Window.Milliseconds() {
			continue
		}
		kept = append(kept, ev)
	}
	return kept
}
