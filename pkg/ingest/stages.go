package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/zicaiw625/tracking-guardian-sub010/pkg/api"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/ratelimit"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/signature"
)

// corsStage answers preflight and rejects every method but POST.
type corsStage struct{}

func (corsStage) Name() string { return "cors" }

func (corsStage) Run(_ context.Context, rc *Context) Outcome {
	switch rc.Request.Method {
	case http.MethodOptions:
		resp := api.NoContent()
		resp.Headers.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		resp.Headers.Set("Access-Control-Allow-Headers",
			"Content-Type, "+HeaderSignature+", "+HeaderTimestamp)
		resp.Headers.Set("Access-Control-Max-Age", "86400")
		return Halt(resp)
	case http.MethodPost:
		return Next(rc)
	default:
		return Halt(api.MethodNotAllowed("POST, OPTIONS"))
	}
}

// rateLimitStage throttles on a key derived from the request. It runs
// twice in the chain with different key functions: per (IP, shop
// header) before the body, per (shop, IP) after the shop resolves.
type rateLimitStage struct {
	name    string
	limiter *ratelimit.Limiter
	key     func(rc *Context) string
	tracker *Tracker
}

func (s *rateLimitStage) Name() string { return s.name }

func (s *rateLimitStage) Run(ctx context.Context, rc *Context) Outcome {
	d, err := s.limiter.Allow(ctx, s.key(rc))
	if err != nil {
		if rc.Production {
			s.tracker.Reject(ctx, "rate_limit_store_down", "request_id", rc.RequestID)
			return Halt(api.ServiceUnavailable("rate limiter unavailable", 60))
		}
		// Degraded dev mode: let the request through rather than block
		// local work on a missing Redis.
		s.tracker.logger.Warn("rate limit store unavailable, skipping throttle",
			"stage", s.name, "error", err)
		return Next(rc.clone())
	}
	if !d.Allowed {
		s.tracker.Reject(ctx, "rate_limited", "stage", s.name, "ip", rc.ClientIP)
		return Halt(api.TooManyRequests(d.RetryAfter(rc.Now), d.Limit, d.Remaining, d.Reset.Unix()))
	}
	return Next(rc.clone())
}

// staticAllowedHost is the pre-shop origin allowlist: Shopify surfaces
// a pixel can legitimately run on before we know which shop it is.
func staticAllowedHost(host string) bool {
	switch host {
	case "admin.shopify.com", "checkout.shopify.com", "shop.app":
		return true
	}
	return strings.HasSuffix(host, ".myshopify.com")
}

// preBodyOriginStage enforces the null-origin policy against the static
// allowlist. Origins it does not recognize are deferred to the
// post-shop check, where the shop's own domains are known.
type preBodyOriginStage struct {
	tracker *Tracker
}

func (preBodyOriginStage) Name() string { return "origin_pre" }

func (s *preBodyOriginStage) Run(ctx context.Context, rc *Context) Outcome {
	if rc.IsNullOrigin {
		if rc.Signed() || rc.AllowNullOrigin {
			return Next(rc.clone())
		}
		if rc.Production {
			s.tracker.Reject(ctx, "origin_rejected", "origin", "null", "ip", rc.ClientIP)
			return Halt(api.Forbidden(true, "Origin required"))
		}
		s.tracker.logger.Warn("null origin on unsigned request allowed outside production", "ip", rc.ClientIP)
	}
	return Next(rc.clone())
}

// signatureGateStage rejects unsigned production traffic before the
// body is read.
type signatureGateStage struct {
	tracker *Tracker
}

func (signatureGateStage) Name() string { return "signature_gate" }

func (s *signatureGateStage) Run(ctx context.Context, rc *Context) Outcome {
	if rc.Production && !rc.Signed() {
		s.tracker.Reject(ctx, "missing_signature", "ip", rc.ClientIP)
		return Halt(api.Forbidden(true, "Signature required"))
	}
	return Next(rc.clone())
}

// timestampStage parses the timestamp header and enforces the skew
// window. A stale timestamp is a silent 204: the event is dead, but the
// client must not retry it.
type timestampStage struct {
	tracker *Tracker
}

func (timestampStage) Name() string { return "timestamp" }

func (s *timestampStage) Run(ctx context.Context, rc *Context) Outcome {
	if rc.TimestampHeader == "" {
		if rc.Production && rc.Signed() {
			s.tracker.Reject(ctx, "missing_timestamp_header", "ip", rc.ClientIP)
			return Halt(api.Forbidden(true, "Timestamp required"))
		}
		return Next(rc.clone())
	}

	ts, err := strconv.ParseInt(rc.TimestampHeader, 10, 64)
	if err != nil || ts <= 0 {
		s.tracker.Reject(ctx, "invalid_timestamp_header", "value", rc.TimestampHeader)
		return Halt(api.BadRequest(rc.Production, "Invalid timestamp header", nil))
	}

	next := rc.clone()
	next.Timestamp = ts

	skew := rc.Now.UnixMilli() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > rc.Window.Milliseconds() {
		s.tracker.Reject(ctx, "stale_timestamp", "skew_ms", skew)
		return Halt(api.SilentDrop())
	}
	return Next(next)
}

// bodyStage reads the bounded body, parses the JSON, and unpacks the
// batch envelope. Outside production a signature embedded in the
// envelope is adopted when no header signature arrived.
type bodyStage struct {
	tracker *Tracker
}

func (bodyStage) Name() string { return "body" }

func (s *bodyStage) Run(ctx context.Context, rc *Context) Outcome {
	ct := strings.ToLower(rc.ContentType)
	if !strings.Contains(ct, "application/json") && !strings.Contains(ct, "text/plain") {
		s.tracker.Reject(ctx, "unsupported_media_type", "content_type", rc.ContentType)
		return Halt(api.UnsupportedMediaType(rc.Production,
			"Content-Type must be application/json or text/plain"))
	}

	maxBody := rc.Limits.MaxBodyBytes
	if rc.Request.ContentLength > maxBody {
		s.tracker.Reject(ctx, "payload_too_large", "content_length", rc.Request.ContentLength)
		return Halt(api.PayloadTooLarge(rc.Production, maxBody))
	}

	body, err := io.ReadAll(io.LimitReader(rc.Request.Body, maxBody+1))
	if err != nil {
		s.tracker.Reject(ctx, "body_read_failed")
		return Halt(api.BadRequest(rc.Production, "Could not read request body", nil))
	}
	if int64(len(body)) > maxBody {
		s.tracker.Reject(ctx, "payload_too_large", "read", len(body))
		return Halt(api.PayloadTooLarge(rc.Production, maxBody))
	}
	if len(bytes.TrimSpace(body)) == 0 {
		s.tracker.Reject(ctx, "empty_body")
		return Halt(api.BadRequest(rc.Production, "Empty request body", nil))
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		s.tracker.Reject(ctx, "invalid_json")
		return Halt(api.BadRequest(rc.Production, "Invalid JSON", nil))
	}

	next := rc.clone()
	next.Body = body

	envelope, _ := root.(map[string]any)
	if envelope == nil {
		s.tracker.Reject(ctx, "invalid_batch")
		return Halt(api.BadRequest(rc.Production, "Body must be an event or a batch envelope", nil))
	}
	next.Envelope = envelope

	if rawEvents, isBatch := envelope["events"]; isBatch {
		events, ok := rawEvents.([]any)
		if !ok {
			s.tracker.Reject(ctx, "invalid_batch")
			return Halt(api.BadRequest(rc.Production, "events must be an array", nil))
		}
		next.RawEvents = events
		next.BatchTimestamp = numberField(envelope, "timestamp")
	} else {
		next.RawEvents = []any{root}
	}

	// Body-embedded signatures are a dev affordance only; production
	// clients must sign in the header.
	if next.SignatureSource == signature.SourceNone && !rc.Production {
		if sig, ok := envelope["signature"].(string); ok && sig != "" {
			next.Signature = strings.TrimSpace(sig)
			next.SignatureSource = signature.SourceBody
			next.Timestamp = numberField(envelope, "signatureTimestamp")
			if d, ok := envelope["signatureShopDomain"].(string); ok {
				next.SignedShopDomain = strings.ToLower(strings.TrimSpace(d))
			}
		}
	}

	if len(next.RawEvents) == 0 {
		s.tracker.Reject(ctx, "empty_batch")
		return Halt(api.BadRequest(rc.Production, "Batch contains no events", nil))
	}
	if len(next.RawEvents) > rc.Limits.MaxBatchEvents {
		s.tracker.Reject(ctx, "batch_too_large", "events", len(next.RawEvents))
		return Halt(api.BadRequest(rc.Production, "Batch exceeds maximum size", map[string]any{
			"maxBatch": rc.Limits.MaxBatchEvents,
		}))
	}

	return Next(next)
}

func numberField(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			if f, ferr := v.Float64(); ferr == nil {
				return int64(f)
			}
			return 0
		}
		return n
	case float64:
		return int64(v)
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n
	default:
		return 0
	}
}
