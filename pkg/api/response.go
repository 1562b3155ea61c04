// Package api defines the HTTP response values produced by the ingest
// pipeline and writes them in the wire shapes pixel clients expect.
//
// Pipeline stages return responses as values instead of writing to a
// ResponseWriter directly; the edge handler writes the value once the
// chain halts. Production mode collapses most 4xx bodies to a generic
// "Invalid request" so rejection reasons do not leak to untrusted clients.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// GenericClientError is the collapsed 4xx body text used in production.
const GenericClientError = "Invalid request"

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Error      string `json:"error"`
	Details    any    `json:"details,omitempty"`
	Message    string `json:"message,omitempty"`
	MaxSize    int64  `json:"maxSize,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
}

// AcceptedBody is the JSON body for a 202 enqueue acknowledgement.
type AcceptedBody struct {
	AcceptedCount int      `json:"accepted_count"`
	Errors        []string `json:"errors"`
}

// Response is a terminal HTTP outcome carried as a value.
type Response struct {
	Status  int
	Body    any
	Headers http.Header
}

func newResponse(status int, body any) *Response {
	return &Response{Status: status, Body: body, Headers: make(http.Header)}
}

// Accepted returns the 202 acknowledgement for an enqueued batch.
func Accepted(count int) *Response {
	return newResponse(http.StatusAccepted, &AcceptedBody{AcceptedCount: count, Errors: []string{}})
}

// SilentDrop returns a bodyless 204. Clients must not retry.
func SilentDrop() *Response {
	return newResponse(http.StatusNoContent, nil)
}

// NoContent returns a 204 carrying only the supplied headers (CORS preflight).
func NoContent() *Response {
	return newResponse(http.StatusNoContent, nil)
}

// BadRequest returns a 400. In production the body collapses to the
// generic error; details are only attached outside production.
func BadRequest(production bool, msg string, details any) *Response {
	return clientError(http.StatusBadRequest, production, msg, details)
}

// Unauthorized returns a 401 with the same collapsing rules as BadRequest.
func Unauthorized(production bool, msg string) *Response {
	return clientError(http.StatusUnauthorized, production, msg, nil)
}

// Forbidden returns a 403 with the same collapsing rules as BadRequest.
func Forbidden(production bool, msg string) *Response {
	return clientError(http.StatusForbidden, production, msg, nil)
}

// MethodNotAllowed returns a 405 listing the allowed methods.
func MethodNotAllowed(allow string) *Response {
	r := clientError(http.StatusMethodNotAllowed, false, "Method not allowed", nil)
	r.Headers.Set("Allow", allow)
	return r
}

// PayloadTooLarge returns a 413. Outside production the body names the cap.
func PayloadTooLarge(production bool, maxSize int64) *Response {
	if production {
		return newResponse(http.StatusRequestEntityTooLarge, &ErrorBody{Error: GenericClientError})
	}
	return newResponse(http.StatusRequestEntityTooLarge, &ErrorBody{Error: "Payload too large", MaxSize: maxSize})
}

// UnsupportedMediaType returns a 415.
func UnsupportedMediaType(production bool, msg string) *Response {
	if production {
		return newResponse(http.StatusUnsupportedMediaType, &ErrorBody{Error: GenericClientError})
	}
	return newResponse(http.StatusUnsupportedMediaType, &ErrorBody{Error: msg})
}

// TooManyRequests returns a 429 with Retry-After and X-RateLimit-* headers.
// The body keeps its full shape in every mode so clients can back off.
func TooManyRequests(retryAfter int, limit, remaining int64, reset int64) *Response {
	r := newResponse(http.StatusTooManyRequests, &ErrorBody{Error: "Too Many Requests", RetryAfter: retryAfter})
	r.Headers.Set("Retry-After", strconv.Itoa(retryAfter))
	r.Headers.Set("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	r.Headers.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	r.Headers.Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
	return r
}

// ServiceUnavailable returns a 503 with Retry-After.
func ServiceUnavailable(msg string, retryAfter int) *Response {
	r := newResponse(http.StatusServiceUnavailable, &ErrorBody{Error: "Service Unavailable", Message: msg})
	r.Headers.Set("Retry-After", strconv.Itoa(retryAfter))
	return r
}

// Internal returns a generic 500. Internal detail never reaches the client.
func Internal() *Response {
	return newResponse(http.StatusInternalServerError, &ErrorBody{Error: "Internal server error"})
}

func clientError(status int, production bool, msg string, details any) *Response {
	if production {
		return newResponse(status, &ErrorBody{Error: GenericClientError})
	}
	return newResponse(status, &ErrorBody{Error: msg, Details: details})
}

// Write emits the response. Every response carries X-Request-Id.
func (r *Response) Write(w http.ResponseWriter, requestID string) {
	for k, vs := range r.Headers {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if requestID != "" {
		w.Header().Set("X-Request-Id", requestID)
	}
	if r.Body == nil {
		w.WriteHeader(r.Status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(r.Status)
	_ = json.NewEncoder(w).Encode(r.Body)
}
