package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/zicaiw625/tracking-guardian-sub010/pkg/api"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/pixel"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/shop"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/signature"
)

// validateStage applies the per-event structural and semantic checks
// and cross-checks the shop-domain header against the payload.
type validateStage struct {
	tracker *Tracker
	logger  *slog.Logger
}

func (validateStage) Name() string { return "validate" }

func (s *validateStage) Run(ctx context.Context, rc *Context) Outcome {
	res := pixel.ValidateBatch(rc.RawEvents)

	if res.Reject != nil {
		if res.Reject.Reason == "shop_domain_mismatch" {
			s.tracker.Reject(ctx, "shop_domain_mismatch", "index", res.Reject.Index)
			if rc.Production {
				return Halt(api.Forbidden(true, "Invalid request"))
			}
			return Halt(api.BadRequest(false, "Events in one batch must share a shop domain", res.Reject))
		}
		s.tracker.Reject(ctx, "invalid_event", "index", res.Reject.Index, "field", res.Reject.Field)
		return Halt(api.BadRequest(rc.Production, "First event failed validation", res.Reject))
	}
	if len(res.Valid) == 0 {
		s.tracker.Reject(ctx, "no_valid_events")
		return Halt(api.BadRequest(rc.Production, "No valid events in batch", res.Skipped))
	}
	for _, skip := range res.Skipped {
		s.logger.Warn("event skipped", "request_id", rc.RequestID,
			"index", skip.Index, "field", skip.Field, "reason", skip.Reason)
	}

	// The transport header must agree with the payload when it names a
	// shop at all.
	if rc.ShopDomainHeader != "" && rc.ShopDomainHeader != "unknown" && rc.ShopDomainHeader != res.ShopDomain {
		if rc.Production {
			s.tracker.Reject(ctx, "shop_header_mismatch",
				"header", rc.ShopDomainHeader, "payload", res.ShopDomain)
			return Halt(api.Forbidden(true, "Invalid request"))
		}
		s.logger.Warn("shop-domain header disagrees with payload",
			"header", rc.ShopDomainHeader, "payload", res.ShopDomain)
	}

	next := rc.clone()
	next.ValidatedEvents = res.Valid
	next.ShopDomain = res.ShopDomain
	return Next(next)
}

// shopStage resolves the shop record and derives its origin set,
// pipeline mode, and dispatch-eligible pixel configs.
type shopStage struct {
	loader  *shop.Loader
	tracker *Tracker
}

func (shopStage) Name() string { return "shop" }

func (s *shopStage) Run(ctx context.Context, rc *Context) Outcome {
	rec, err := s.loader.Load(ctx, rc.ShopDomain, rc.Environment)
	if err != nil {
		if errors.Is(err, shop.ErrNotFound) || errors.Is(err, shop.ErrInactive) {
			s.tracker.Reject(ctx, "unknown_shop", "shop", rc.ShopDomain)
			// Production hides whether the shop exists; dev says 401 so
			// a misconfigured store is diagnosable.
			if rc.Production {
				return Halt(api.Forbidden(true, "Invalid request"))
			}
			return Halt(api.Unauthorized(false, "Shop not registered or inactive"))
		}
		s.tracker.Reject(ctx, "shop_store_unavailable")
		return Halt(api.ServiceUnavailable("shop lookup failed", 60))
	}

	next := rc.clone()
	next.Shop = rec
	next.AllowedOrigins = rec.AllowedOrigins()
	next.Mode = rec.Mode()
	next.EnabledConfigs = rec.ServerSideConfigs()
	return Next(next)
}

// postShopOriginStage re-checks origins the static list could not
// vouch for, now against the shop's own domain set.
type postShopOriginStage struct {
	tracker *Tracker
	logger  *slog.Logger
}

func (postShopOriginStage) Name() string { return "origin_post" }

func (s *postShopOriginStage) Run(ctx context.Context, rc *Context) Outcome {
	if rc.IsNullOrigin {
		// The null-origin policy already ran pre-body.
		return Next(rc.clone())
	}

	host := originHost(rc.Origin)
	if host != "" && staticAllowedHost(host) {
		return Next(rc.clone())
	}
	if _, ok := rc.AllowedOrigins[host]; ok {
		return Next(rc.clone())
	}

	if rc.StrictOrigin {
		s.tracker.Reject(ctx, "origin_rejected", "origin", rc.Origin, "shop", rc.ShopDomain)
		return Halt(api.Forbidden(rc.Production, "Origin not allowed for this shop"))
	}
	if rc.Signed() {
		s.logger.Warn("signed request from unlisted origin allowed",
			"origin", rc.Origin, "shop", rc.ShopDomain)
		return Next(rc.clone())
	}
	if rc.Production {
		s.tracker.Reject(ctx, "origin_rejected", "origin", rc.Origin, "shop", rc.ShopDomain)
		return Halt(api.Forbidden(true, "Invalid request"))
	}
	s.logger.Warn("unsigned request from unlisted origin allowed outside production",
		"origin", rc.Origin, "shop", rc.ShopDomain)
	return Next(rc.clone())
}

// hmacStage verifies the batch signature under the shop's secret ladder
// and screens matched batches for abusive shapes.
type hmacStage struct {
	store      shop.Store
	thresholds signature.Thresholds
	tracker    *Tracker
	metrics    Metrics
	logger     *slog.Logger
}

func (hmacStage) Name() string { return "hmac" }

func (s *hmacStage) Run(ctx context.Context, rc *Context) Outcome {
	bodyHash, err := s.bodyHash(rc)
	if err != nil {
		s.tracker.Reject(ctx, "invalid_signature", "detail", "envelope_hash_failed")
		return Halt(api.BadRequest(rc.Production, "Could not hash signed envelope", nil))
	}

	result, rejection := signature.Verify(rc.Shop, signature.Request{
		Signature:        rc.Signature,
		Source:           rc.SignatureSource,
		Timestamp:        rc.Timestamp,
		BatchTimestamp:   rc.BatchTimestamp,
		SignedShopDomain: rc.SignedShopDomain,
		ShopDomain:       rc.ShopDomain,
		BodyHash:         bodyHash,
		Now:              rc.Now,
		Window:           rc.Window,
		AllowUnsigned:    rc.AllowUnsigned,
	})

	next := rc.clone()
	next.KeyValidation = result

	if rejection != nil {
		if rc.Production {
			if rejection.Code == signature.CodeSecretMissing {
				s.tracker.Reject(ctx, "secret_missing", "shop", rc.ShopDomain)
				return Halt(api.ServiceUnavailable("signing secret unavailable", 60))
			}
			s.tracker.Reject(ctx, "invalid_signature", "code", rejection.Code)
			return Halt(api.Forbidden(true, "Invalid request"))
		}
		s.logger.Debug("signature not verified, continuing untrusted",
			"code", rejection.Code, "meta", rejection.Meta, "shop", rc.ShopDomain)
		return Next(next)
	}

	if result.UsedPreviousSecret {
		s.logger.Info("signature matched previous secret", "shop", rc.ShopDomain)
	}
	if result.UsedPendingSecret {
		// Best effort: the counter informs rotation cutover, it never
		// gates the request.
		if err := s.store.IncrementPendingMatches(ctx, rc.Shop.ID); err != nil {
			s.logger.Warn("pending match count not recorded", "shop", rc.ShopDomain, "error", err)
		}
	}

	if result.Matched && result.Reason == signature.ReasonVerified {
		if out := s.screen(ctx, rc); out != nil {
			return *out
		}
	}
	return Next(next)
}

func (s *hmacStage) bodyHash(rc *Context) (string, error) {
	if rc.SignatureSource == signature.SourceBody {
		return signature.EnvelopeHash(rc.Envelope)
	}
	return signature.BodyHash(rc.Body), nil
}

func (s *hmacStage) screen(ctx context.Context, rc *Context) *Outcome {
	anomalies := signature.Screen(signature.CollectStats(rc.RawEvents), s.thresholds)
	if len(anomalies) == 0 {
		return nil
	}
	for _, a := range anomalies {
		s.logger.Warn("abuse heuristic tripped", "shop", rc.ShopDomain,
			"heuristic", a.Heuristic, "rate", a.Rate, "threshold", a.Threshold)
		if s.metrics != nil {
			s.metrics.Anomaly(ctx, a.Heuristic)
		}
	}
	if rc.Production && rc.StrictOrigin {
		s.tracker.Reject(ctx, "abuse_detected", "shop", rc.ShopDomain)
		out := Halt(api.Forbidden(true, "Invalid request"))
		return &out
	}
	return nil
}
