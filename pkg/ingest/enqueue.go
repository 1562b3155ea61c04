package ingest

import (
	"context"
	"log/slog"

	"github.com/zicaiw625/tracking-guardian-sub010/pkg/api"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/queue"
)

// Enqueuer is the durable queue the terminal stage pushes into.
type Enqueuer interface {
	Enqueue(ctx context.Context, e *queue.Entry) error
}

// enqueueStage is the terminal stage: it packages the surviving batch
// into a queue entry and acknowledges with 202. The accepted count is
// the validated count; dedup and consent run in the worker.
type enqueueStage struct {
	queue   Enqueuer
	metrics Metrics
	logger  *slog.Logger
}

func (enqueueStage) Name() string { return "enqueue" }

func (s *enqueueStage) Run(ctx context.Context, rc *Context) Outcome {
	entry := &queue.Entry{
		RequestID:       rc.RequestID,
		ShopID:          rc.Shop.ID,
		ShopDomain:      rc.ShopDomain,
		Environment:     rc.Environment,
		Mode:            rc.Mode,
		ValidatedEvents: rc.ValidatedEvents,
		KeyValidation:   rc.KeyValidation,
		Origin:          rc.Origin,
		RequestContext: queue.RequestMeta{
			IP:        rc.ClientIP,
			UserAgent: rc.Request.UserAgent(),
			PageURL:   firstPageURL(rc),
			Referrer:  rc.Request.Referer(),
		},
		EnabledPixelConfigs: rc.EnabledConfigs,
	}

	if err := s.queue.Enqueue(ctx, entry); err != nil {
		s.logger.Error("enqueue failed", "request_id", rc.RequestID, "shop", rc.ShopDomain, "error", err)
		return Halt(api.ServiceUnavailable("queue unavailable", 60))
	}

	accepted := len(rc.ValidatedEvents)
	if s.metrics != nil {
		s.metrics.AcceptedEvents(ctx, accepted)
	}
	s.logger.Info("batch accepted", "request_id", rc.RequestID, "shop", rc.ShopDomain,
		"events", accepted, "trust", rc.KeyValidation.TrustLevel, "mode", rc.Mode)
	return Halt(api.Accepted(accepted))
}

func firstPageURL(rc *Context) string {
	for _, ev := range rc.ValidatedEvents {
		if ev.Payload.Data.URL != "" {
			return ev.Payload.Data.URL
		}
	}
	return ""
}
