package ingest

import (
	"log/slog"
	"time"

	"github.com/zicaiw625/tracking-guardian-sub010/pkg/config"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/ratelimit"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/shop"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/signature"
)

// Deps wires the pipeline's collaborators.
type Deps struct {
	Loader    *shop.Loader
	ShopStore shop.Store
	Queue     Enqueuer

	// RateLimitStore is the shared counter store, breaker-wrapped.
	// Fallback engages when it errors; nil Fallback means no fallback.
	RateLimitStore ratelimit.Store
	Fallback       ratelimit.Store

	Logger  *slog.Logger
	Metrics Metrics
}

// NewPipeline assembles the full ingest chain in spec order.
func NewPipeline(cfg *config.Config, policy *config.Policy, deps Deps) *Chain {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracker := NewTracker(logger, deps.Metrics, policy.Sampling.HighFrequency, policy.Sampling.Default)

	window := time.Duration(policy.RateLimit.WindowSeconds) * time.Second
	preBody := ratelimit.New(deps.RateLimitStore, deps.Fallback, policy.RateLimit.PreBodyPerWindow, window)
	postShop := ratelimit.New(deps.RateLimitStore, deps.Fallback, policy.RateLimit.PostShopPerWindow, window)

	thresholds := signature.Thresholds{
		DuplicateOrderKeyRate: policy.Abuse.DuplicateOrderKeyRate,
		InvalidOrderKeyRate:   policy.Abuse.InvalidOrderKeyRate,
		NonStandardEventRate:  policy.Abuse.NonStandardEventRate,
	}

	return NewChain(cfg, logger, deps.Metrics,
		corsStage{},
		&rateLimitStage{
			name:    "rate_limit_pre",
			limiter: preBody,
			key: func(rc *Context) string {
				return ratelimit.PreBodyKey(rc.ClientIP, rc.ShopDomainHeader)
			},
			tracker: tracker,
		},
		&preBodyOriginStage{tracker: tracker},
		&signatureGateStage{tracker: tracker},
		&timestampStage{tracker: tracker},
		&bodyStage{tracker: tracker},
		&validateStage{tracker: tracker, logger: logger},
		&shopStage{loader: deps.Loader, tracker: tracker},
		&rateLimitStage{
			name:    "rate_limit_post",
			limiter: postShop,
			key: func(rc *Context) string {
				return ratelimit.PostShopKey(rc.ShopDomain, rc.ClientIP)
			},
			tracker: tracker,
		},
		&postShopOriginStage{tracker: tracker, logger: logger},
		&hmacStage{
			store:      deps.ShopStore,
			thresholds: thresholds,
			tracker:    tracker,
			metrics:    deps.Metrics,
			logger:     logger,
		},
		&enqueueStage{queue: deps.Queue, metrics: deps.Metrics, logger: logger},
	)
}
