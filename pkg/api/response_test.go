package api

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcceptedShape(t *testing.T) {
	rec := httptest.NewRecorder()
	Accepted(3).Write(rec, "req-1")

	assert.Equal(t, 202, rec.Code)
	assert.Equal(t, "req-1", rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body AcceptedBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.AcceptedCount)
	assert.NotNil(t, body.Errors)
	assert.Empty(t, body.Errors)
}

func TestProductionCollapsesClientErrors(t *testing.T) {
	for _, resp := range []*Response{
		BadRequest(true, "batch shop domain mismatch", map[string]string{"got": "a"}),
		Unauthorized(true, "shop not found"),
		Forbidden(true, "origin not allowed"),
	} {
		rec := httptest.NewRecorder()
		resp.Write(rec, "req-2")

		var body ErrorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, GenericClientError, body.Error)
		assert.Nil(t, body.Details)
	}
}

func TestNonProductionKeepsDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	BadRequest(false, "first event invalid", map[string]any{"index": 0}).Write(rec, "req-3")

	assert.Equal(t, 400, rec.Code)
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "first event invalid", body.Error)
	assert.NotNil(t, body.Details)
}

func TestPayloadTooLarge(t *testing.T) {
	rec := httptest.NewRecorder()
	PayloadTooLarge(false, 1<<20).Write(rec, "")

	assert.Equal(t, 413, rec.Code)
	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Payload too large", body.Error)
	assert.Equal(t, int64(1<<20), body.MaxSize)

	rec = httptest.NewRecorder()
	PayloadTooLarge(true, 1<<20).Write(rec, "")
	body = ErrorBody{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, GenericClientError, body.Error)
	assert.Zero(t, body.MaxSize)
}

func TestTooManyRequestsHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	TooManyRequests(42, 60, 0, 1700000000).Write(rec, "req-4")

	assert.Equal(t, 429, rec.Code)
	assert.Equal(t, "42", rec.Header().Get("Retry-After"))
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "1700000000", rec.Header().Get("X-RateLimit-Reset"))

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 42, body.RetryAfter)
}

func TestSilentDropHasNoBody(t *testing.T) {
	rec := httptest.NewRecorder()
	SilentDrop().Write(rec, "req-5")

	assert.Equal(t, 204, rec.Code)
	assert.Zero(t, rec.Body.Len())
	assert.Equal(t, "req-5", rec.Header().Get("X-Request-Id"))
}

func TestServiceUnavailableRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	ServiceUnavailable("rate limit store unreachable", 60).Write(rec, "")

	assert.Equal(t, 503, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}
