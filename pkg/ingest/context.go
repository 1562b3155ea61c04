// Package ingest is the HTTP edge of the pixel pipeline: an ordered
// chain of stages that turns a raw request into an authenticated,
// validated, shop-bound queue entry, rejecting abuse as early and as
// cheaply as possible.
package ingest

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zicaiw625/tracking-guardian-sub010/pkg/config"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/pixel"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/shop"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/signature"
)

// Signature carrier headers.
const (
	HeaderSignature  = "X-Tracking-Guardian-Signature"
	HeaderTimestamp  = "X-Tracking-Guardian-Timestamp"
	HeaderShopDomain = "x-shopify-shop-domain"
)

// Context is the per-request record threaded through the stage chain.
// Stages read fields earlier stages populated and never contradict
// them; each stage hands the next one a fresh snapshot.
type Context struct {
	Request   *http.Request
	RequestID string
	ClientIP  string
	Now       time.Time

	// Policy snapshot taken at build time.
	Production      bool
	StrictOrigin    bool
	AllowUnsigned   bool
	AllowNullOrigin bool
	Window          time.Duration
	Environment     string
	Limits          config.Limits

	// Origin as sent (falling back to the Referer's origin).
	Origin              string
	OriginHeaderPresent bool
	IsNullOrigin        bool

	// Signature carrier state.
	Signature        string
	SignatureSource  signature.Source
	TimestampHeader  string
	Timestamp        int64
	SignedShopDomain string

	ShopDomainHeader string
	ContentType      string

	// Body state, populated by the body stage.
	Body           []byte
	Envelope       map[string]any
	RawEvents      []any
	BatchTimestamp int64

	// Validation and shop state.
	ValidatedEvents []pixel.ValidatedEvent
	ShopDomain      string
	Shop            *shop.Shop
	AllowedOrigins  map[string]struct{}
	Mode            string
	EnabledConfigs  []shop.PixelConfig

	KeyValidation signature.Result
}

// NewContext builds the request record: request id, client IP, origin,
// header-sourced signature state, and the policy snapshot.
func NewContext(r *http.Request, cfg *config.Config) *Context {
	rc := &Context{
		Request:         r,
		RequestID:       uuid.NewString(),
		ClientIP:        clientIP(r),
		Now:             time.Now(),
		Production:      cfg.Production,
		StrictOrigin:    cfg.StrictOrigin,
		AllowUnsigned:   cfg.AllowUnsigned && !cfg.Production,
		AllowNullOrigin: cfg.AllowNullOrigin,
		Window:          cfg.TimestampWindow,
		Environment:     cfg.Environment(),
		Limits:          cfg.Limits,

		ShopDomainHeader: strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderShopDomain))),
		ContentType:      r.Header.Get("Content-Type"),
		TimestampHeader:  strings.TrimSpace(r.Header.Get(HeaderTimestamp)),
		SignatureSource:  signature.SourceNone,
	}

	origin := strings.TrimSpace(r.Header.Get("Origin"))
	rc.OriginHeaderPresent = origin != ""
	if origin == "" {
		origin = refererOrigin(r.Header.Get("Referer"))
	}
	rc.Origin = origin
	rc.IsNullOrigin = origin == "" || origin == "null"

	if sig := strings.TrimSpace(r.Header.Get(HeaderSignature)); sig != "" {
		rc.Signature = sig
		rc.SignatureSource = signature.SourceHeader
	}

	return rc
}

// clone hands the next stage its own snapshot.
func (rc *Context) clone() *Context {
	cp := *rc
	return &cp
}

// Signed reports whether the request carries a signature from either
// source.
func (rc *Context) Signed() bool {
	return rc.Signature != ""
}

// clientIP resolves the originating address, preferring the first
// forwarded hop set by the edge proxy.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0]); first != "" {
			return first
		}
	}
	if rip := strings.TrimSpace(r.Header.Get("X-Real-Ip")); rip != "" {
		return rip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// refererOrigin reduces a Referer URL to scheme://host.
func refererOrigin(referer string) string {
	referer = strings.TrimSpace(referer)
	if referer == "" {
		return ""
	}
	u, err := url.Parse(referer)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

// originHost extracts the lowercase host of an Origin value, without
// the port.
func originHost(origin string) string {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return ""
	}
	host := u.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

