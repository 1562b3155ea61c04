// Package signature verifies pixel batch signatures under rotating shop
// secrets and screens signed batches for abusive shapes.
//
// The signed message is "{timestamp}:{shopDomain}:{bodyHash}" where
// bodyHash is the hex SHA-256 of the exact bytes the client sent. A
// signature embedded in the body envelope signs the canonicalized
// envelope with the three carrier fields removed instead, since "body
// minus fields" has no canonical byte form otherwise.
//
// Nothing in this package logs or returns secret material; callers see
// only the trust level, the match reason, and which rotation slot
// matched.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/zicaiw625/tracking-guardian-sub010/pkg/shop"
)

// Trust levels carried through the pipeline.
const (
	TrustTrusted   = "trusted"
	TrustPartial   = "partial"
	TrustUntrusted = "untrusted"
)

// Validation reasons.
const (
	ReasonVerified         = "hmac_verified"
	ReasonInvalid          = "hmac_invalid"
	ReasonNotVerified      = "hmac_not_verified"
	ReasonSecretMissing    = "secret_missing"
	ReasonSignatureMissing = "signature_missing"
	ReasonSkippedEnv       = "signature_skipped_env"
)

// Error codes attached to rejections, in validation order.
const (
	CodeMissingSignature       = "missing_signature"
	CodeInvalidSignature       = "invalid_signature"
	CodeMissingTimestampHeader = "missing_timestamp_header"
	CodeTimestampMismatch      = "timestamp_mismatch"
	CodeTimestampOutOfWindow   = "timestamp_out_of_window"
	CodeSecretMissing          = "secret_missing"
)

// Source identifies where a signature was extracted from.
type Source string

const (
	SourceHeader Source = "header"
	SourceBody   Source = "body"
	SourceNone   Source = "none"
)

// MaxSignatureLength bounds the accepted hex signature.
const MaxSignatureLength = 256

var hexPattern = regexp.MustCompile(`^[0-9a-fA-F]+$`)

// Result is the key-validation outcome attached to every queue entry.
// UsedPendingSecret stays off the wire; it only drives the
// pending-match counter.
type Result struct {
	Matched            bool   `json:"matched"`
	Reason             string `json:"reason"`
	UsedPreviousSecret bool   `json:"usedPreviousSecret"`
	TrustLevel         string `json:"trustLevel"`

	UsedPendingSecret bool `json:"-"`
}

// Rejection carries the specific error code for a failed validation plus
// diagnostic metadata (never secret material). The edge decides how the
// rejection maps to a response by mode.
type Rejection struct {
	Code string
	Meta map[string]any
}

// Request carries everything verification needs. Timestamp is the value
// the signature claims (parsed header, or the envelope's
// signatureTimestamp for body-sourced signatures); BatchTimestamp is the
// envelope's own timestamp field when present.
type Request struct {
	Signature        string
	Source           Source
	Timestamp        int64
	BatchTimestamp   int64
	SignedShopDomain string
	ShopDomain       string
	BodyHash         string
	Now              time.Time
	Window           time.Duration
	AllowUnsigned    bool
}

// Verify checks a signature against the shop's secret ladder: current
// first, then the unexpired previous, then the unexpired pending. The
// caller must have applied secret expiry already (shop.Loader does).
func Verify(sh *shop.Shop, req Request) (Result, *Rejection) {
	if req.Signature == "" {
		if req.AllowUnsigned {
			return Result{Matched: true, Reason: ReasonSkippedEnv, TrustLevel: TrustPartial}, nil
		}
		return Result{Reason: ReasonSignatureMissing, TrustLevel: TrustUntrusted},
			&Rejection{Code: CodeMissingSignature}
	}

	if len(req.Signature) > MaxSignatureLength || !hexPattern.MatchString(req.Signature) {
		return Result{Reason: ReasonInvalid, TrustLevel: TrustUntrusted},
			&Rejection{Code: CodeInvalidSignature, Meta: map[string]any{"malformed": true}}
	}

	if req.Timestamp == 0 {
		return Result{Reason: ReasonNotVerified, TrustLevel: TrustUntrusted},
			&Rejection{Code: CodeMissingTimestampHeader}
	}

	// Header-sourced signatures must agree with the batch's own
	// timestamp when the envelope carries one. Both values surface in
	// the metadata for diagnosability.
	if req.Source == SourceHeader && req.BatchTimestamp != 0 && req.BatchTimestamp != req.Timestamp {
		return Result{Reason: ReasonNotVerified, TrustLevel: TrustUntrusted},
			&Rejection{Code: CodeTimestampMismatch, Meta: map[string]any{
				"headerTimestamp":  req.Timestamp,
				"payloadTimestamp": req.BatchTimestamp,
			}}
	}

	skew := req.Now.UnixMilli() - req.Timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > req.Window.Milliseconds() {
		return Result{Reason: ReasonNotVerified, TrustLevel: TrustUntrusted},
			&Rejection{Code: CodeTimestampOutOfWindow, Meta: map[string]any{
				"skewMs":   skew,
				"windowMs": req.Window.Milliseconds(),
			}}
	}

	if req.Source == SourceBody && req.SignedShopDomain != "" && !strings.EqualFold(req.SignedShopDomain, req.ShopDomain) {
		return Result{Reason: ReasonNotVerified, TrustLevel: TrustUntrusted},
			&Rejection{Code: CodeInvalidSignature, Meta: map[string]any{
				"signedShopDomain": req.SignedShopDomain,
				"shopDomain":       req.ShopDomain,
			}}
	}

	if sh.CurrentSecret == "" && sh.PreviousSecret == "" && sh.PendingSecret == "" {
		return Result{Reason: ReasonSecretMissing, TrustLevel: TrustUntrusted},
			&Rejection{Code: CodeSecretMissing}
	}

	message := fmt.Sprintf("%d:%s:%s", req.Timestamp, req.ShopDomain, req.BodyHash)
	provided := strings.ToLower(req.Signature)

	if sh.CurrentSecret != "" && hmacEqual(sh.CurrentSecret, message, provided) {
		return Result{Matched: true, Reason: ReasonVerified, TrustLevel: TrustTrusted}, nil
	}
	if sh.PreviousSecret != "" && hmacEqual(sh.PreviousSecret, message, provided) {
		return Result{Matched: true, Reason: ReasonVerified, UsedPreviousSecret: true, TrustLevel: TrustTrusted}, nil
	}
	if sh.PendingSecret != "" && hmacEqual(sh.PendingSecret, message, provided) {
		return Result{Matched: true, Reason: ReasonVerified, UsedPendingSecret: true, TrustLevel: TrustTrusted}, nil
	}

	return Result{Reason: ReasonInvalid, TrustLevel: TrustUntrusted},
		&Rejection{Code: CodeInvalidSignature}
}

// hmacEqual compares in constant time against the expected signature.
func hmacEqual(secret, message, providedHex string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(providedHex))
}

// Compute returns the lowercase hex signature a client sends for the
// given timestamp, shop, and body hash. Exposed for tests and tooling.
func Compute(secret string, timestamp int64, shopDomain, bodyHash string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d:%s:%s", timestamp, shopDomain, bodyHash)
	return hex.EncodeToString(mac.Sum(nil))
}

// BodyHash hashes the exact bytes the client sent.
func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// EnvelopeHash hashes the canonical form of a body envelope with the
// signature carrier fields removed. Body-embedded signatures sign this.
func EnvelopeHash(envelope map[string]any) (string, error) {
	stripped := make(map[string]any, len(envelope))
	for k, v := range envelope {
		switch k {
		case "signature", "signatureTimestamp", "signatureShopDomain":
			continue
		}
		stripped[k] = v
	}
	raw, err := json.Marshal(stripped)
	if err != nil {
		return "", fmt.Errorf("encode envelope: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize envelope: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
