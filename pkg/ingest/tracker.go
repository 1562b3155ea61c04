package ingest

import (
	"context"
	"log/slog"
	"math/rand/v2"
)

// Rejection reasons the tracker samples aggressively; these fire on
// every bot sweep and would otherwise drown the logs.
var highFrequencyReasons = map[string]struct{}{
	"rate_limited":      {},
	"invalid_signature": {},
	"stale_timestamp":   {},
	"origin_rejected":   {},
}

// Tracker records rejections: every one feeds the metrics, a sampled
// fraction reaches the logs.
type Tracker struct {
	logger   *slog.Logger
	metrics  Metrics
	highFreq float64
	standard float64

	// sample is swappable for tests.
	sample func() float64
}

func NewTracker(logger *slog.Logger, metrics Metrics, highFreqRate, defaultRate float64) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		logger:   logger,
		metrics:  metrics,
		highFreq: highFreqRate,
		standard: defaultRate,
		sample:   rand.Float64,
	}
}

// Reject records one rejection with structured detail. args are
// slog key/value pairs.
func (t *Tracker) Reject(ctx context.Context, reason string, args ...any) {
	if t == nil {
		return
	}
	if t.metrics != nil {
		t.metrics.Rejection(ctx, reason)
	}

	rate := t.standard
	if _, ok := highFrequencyReasons[reason]; ok {
		rate = t.highFreq
	}
	if t.sample() >= rate {
		return
	}
	t.logger.Warn("request rejected", append([]any{"reason", reason}, args...)...)
}
