package signature_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zicaiw625/tracking-guardian-sub010/pkg/shop"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/signature"
)

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func testShop() *shop.Shop {
	return &shop.Shop{
		ID:             "shop-1",
		ShopDomain:     "s.myshopify.com",
		CurrentSecret:  "current-secret",
		PreviousSecret: "previous-secret",
		PendingSecret:  "pending-secret",
	}
}

func signedRequest(secret string) signature.Request {
	ts := testNow.UnixMilli()
	bodyHash := signature.BodyHash([]byte(`{"events":[]}`))
	return signature.Request{
		Signature:  signature.Compute(secret, ts, "s.myshopify.com", bodyHash),
		Source:     signature.SourceHeader,
		Timestamp:  ts,
		ShopDomain: "s.myshopify.com",
		BodyHash:   bodyHash,
		Now:        testNow,
		Window:     5 * time.Minute,
	}
}

func TestVerify_CurrentSecret(t *testing.T) {
	res, rej := signature.Verify(testShop(), signedRequest("current-secret"))

	require.Nil(t, rej)
	assert.True(t, res.Matched)
	assert.Equal(t, signature.ReasonVerified, res.Reason)
	assert.Equal(t, signature.TrustTrusted, res.TrustLevel)
	assert.False(t, res.UsedPreviousSecret)
	assert.False(t, res.UsedPendingSecret)
}

func TestVerify_PreviousSecretInGraceWindow(t *testing.T) {
	res, rej := signature.Verify(testShop(), signedRequest("previous-secret"))

	require.Nil(t, rej)
	assert.True(t, res.Matched)
	assert.True(t, res.UsedPreviousSecret)
	assert.Equal(t, signature.TrustTrusted, res.TrustLevel)
}

func TestVerify_PendingSecretCounts(t *testing.T) {
	res, rej := signature.Verify(testShop(), signedRequest("pending-secret"))

	require.Nil(t, rej)
	assert.True(t, res.Matched)
	assert.True(t, res.UsedPendingSecret)
	assert.False(t, res.UsedPreviousSecret)
}

func TestVerify_WrongSignature(t *testing.T) {
	req := signedRequest("current-secret")
	req.Signature = signature.Compute("some-other-secret", req.Timestamp, "s.myshopify.com", req.BodyHash)

	res, rej := signature.Verify(testShop(), req)

	require.NotNil(t, rej)
	assert.Equal(t, signature.CodeInvalidSignature, rej.Code)
	assert.False(t, res.Matched)
	assert.Equal(t, signature.ReasonInvalid, res.Reason)
	assert.Equal(t, signature.TrustUntrusted, res.TrustLevel)
}

func TestVerify_MissingSignature(t *testing.T) {
	req := signedRequest("current-secret")
	req.Signature = ""

	res, rej := signature.Verify(testShop(), req)
	require.NotNil(t, rej)
	assert.Equal(t, signature.CodeMissingSignature, rej.Code)
	assert.Equal(t, signature.ReasonSignatureMissing, res.Reason)

	// Unsigned-allowed environments accept with partial trust instead.
	req.AllowUnsigned = true
	res, rej = signature.Verify(testShop(), req)
	require.Nil(t, rej)
	assert.True(t, res.Matched)
	assert.Equal(t, signature.ReasonSkippedEnv, res.Reason)
	assert.Equal(t, signature.TrustPartial, res.TrustLevel)
}

func TestVerify_MalformedSignature(t *testing.T) {
	req := signedRequest("current-secret")
	req.Signature = "not-hex-zz"

	_, rej := signature.Verify(testShop(), req)
	require.NotNil(t, rej)
	assert.Equal(t, signature.CodeInvalidSignature, rej.Code)

	req.Signature = strings.Repeat("a", signature.MaxSignatureLength+2)
	_, rej = signature.Verify(testShop(), req)
	require.NotNil(t, rej)
	assert.Equal(t, signature.CodeInvalidSignature, rej.Code)
}

func TestVerify_MissingTimestamp(t *testing.T) {
	req := signedRequest("current-secret")
	req.Timestamp = 0

	res, rej := signature.Verify(testShop(), req)
	require.NotNil(t, rej)
	assert.Equal(t, signature.CodeMissingTimestampHeader, rej.Code)
	assert.Equal(t, signature.ReasonNotVerified, res.Reason)
}

func TestVerify_HeaderTimestampMismatch(t *testing.T) {
	req := signedRequest("current-secret")
	req.BatchTimestamp = req.Timestamp - 1

	_, rej := signature.Verify(testShop(), req)
	require.NotNil(t, rej)
	assert.Equal(t, signature.CodeTimestampMismatch, rej.Code)
	assert.Equal(t, req.Timestamp, rej.Meta["headerTimestamp"])
	assert.Equal(t, req.BatchTimestamp, rej.Meta["payloadTimestamp"])
}

func TestVerify_BodySourceSkipsMismatchCheck(t *testing.T) {
	ts := testNow.UnixMilli()
	bodyHash := signature.BodyHash([]byte(`{}`))
	req := signature.Request{
		Signature:      signature.Compute("current-secret", ts, "s.myshopify.com", bodyHash),
		Source:         signature.SourceBody,
		Timestamp:      ts,
		BatchTimestamp: ts - 1000,
		ShopDomain:     "s.myshopify.com",
		BodyHash:       bodyHash,
		Now:            testNow,
		Window:         5 * time.Minute,
	}

	res, rej := signature.Verify(testShop(), req)
	require.Nil(t, rej, "mismatch applies to header-sourced signatures only")
	assert.True(t, res.Matched)
}

func TestVerify_BodySourceSignedDomainMustMatch(t *testing.T) {
	req := signedRequest("current-secret")
	req.Source = signature.SourceBody
	req.SignedShopDomain = "other.myshopify.com"

	_, rej := signature.Verify(testShop(), req)
	require.NotNil(t, rej)
	assert.Equal(t, signature.CodeInvalidSignature, rej.Code)
	assert.Equal(t, "other.myshopify.com", rej.Meta["signedShopDomain"])
}

func TestVerify_WindowBoundary(t *testing.T) {
	window := 5 * time.Minute

	req := signedRequest("current-secret")
	req.Timestamp = testNow.Add(-window).UnixMilli()
	req.Signature = signature.Compute("current-secret", req.Timestamp, "s.myshopify.com", req.BodyHash)

	_, rej := signature.Verify(testShop(), req)
	assert.Nil(t, rej, "|now-ts| == W is accepted")

	req.Timestamp = testNow.Add(-window - time.Millisecond).UnixMilli()
	req.Signature = signature.Compute("current-secret", req.Timestamp, "s.myshopify.com", req.BodyHash)

	_, rej = signature.Verify(testShop(), req)
	require.NotNil(t, rej)
	assert.Equal(t, signature.CodeTimestampOutOfWindow, rej.Code)
}

func TestVerify_SecretMissing(t *testing.T) {
	bare := &shop.Shop{ID: "shop-1", ShopDomain: "s.myshopify.com"}

	res, rej := signature.Verify(bare, signedRequest("current-secret"))
	require.NotNil(t, rej)
	assert.Equal(t, signature.CodeSecretMissing, rej.Code)
	assert.Equal(t, signature.ReasonSecretMissing, res.Reason)
}

func TestVerify_ExpiredSecretsDoNotVerify(t *testing.T) {
	sh := testShop()
	expired := testNow.Add(-time.Hour)
	sh.PreviousSecretExpiry = &expired
	sh.ExpireSecrets(testNow)

	_, rej := signature.Verify(sh, signedRequest("previous-secret"))
	require.NotNil(t, rej)
	assert.Equal(t, signature.CodeInvalidSignature, rej.Code)
}

func TestResultWireShape(t *testing.T) {
	res := signature.Result{
		Matched:            true,
		Reason:             signature.ReasonVerified,
		UsedPreviousSecret: true,
		TrustLevel:         signature.TrustTrusted,
		UsedPendingSecret:  true,
	}

	raw, err := json.Marshal(res)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "matched")
	assert.Contains(t, decoded, "reason")
	assert.Contains(t, decoded, "usedPreviousSecret")
	assert.Contains(t, decoded, "trustLevel")
	assert.NotContains(t, decoded, "UsedPendingSecret", "pending flag is internal only")
}

func TestEnvelopeHashIgnoresCarrierFields(t *testing.T) {
	base := map[string]any{
		"events":    []any{map[string]any{"eventName": "checkout_completed"}},
		"timestamp": json.Number("1700000000000"),
	}
	withCarrier := map[string]any{
		"events":              base["events"],
		"timestamp":           base["timestamp"],
		"signature":           "deadbeef",
		"signatureTimestamp":  json.Number("1700000000000"),
		"signatureShopDomain": "s.myshopify.com",
	}

	a, err := signature.EnvelopeHash(base)
	require.NoError(t, err)
	b, err := signature.EnvelopeHash(withCarrier)
	require.NoError(t, err)
	assert.Equal(t, a, b, "carrier fields must not affect the signed hash")

	// Any other change does affect it.
	withCarrier["timestamp"] = json.Number("1700000000001")
	c, err := signature.EnvelopeHash(withCarrier)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}
