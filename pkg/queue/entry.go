// Package queue is the durable hand-off between the ingest edge and the
// worker: a Redis list pair giving at-least-once delivery with an
// in-flight list for crash recovery.
package queue

import (
	"encoding/json"
	"fmt"

	"github.com/zicaiw625/tracking-guardian-sub010/pkg/pixel"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/shop"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/signature"
)

// RequestMeta is the slice of the originating request the worker and
// dispatchers need.
type RequestMeta struct {
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	PageURL   string `json:"pageUrl,omitempty"`
	Referrer  string `json:"referrer,omitempty"`
}

// Entry is the serialized unit of work. Events are the sanitized,
// validated payloads in batch order; raw client JSON never rides the
// queue.
type Entry struct {
	RequestID           string                `json:"requestId"`
	ShopID              string                `json:"shopId"`
	ShopDomain          string                `json:"shopDomain"`
	Environment         string                `json:"environment"`
	Mode                string                `json:"mode"`
	ValidatedEvents     []pixel.ValidatedEvent `json:"validatedEvents"`
	KeyValidation       signature.Result      `json:"keyValidation"`
	Origin              string                `json:"origin,omitempty"`
	RequestContext      RequestMeta           `json:"requestContext"`
	EnabledPixelConfigs []shop.PixelConfig    `json:"enabledPixelConfigs,omitempty"`
}

// Encode renders the entry as the UTF-8 JSON element stored in the list.
func (e *Entry) Encode() (string, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("encode queue entry %s: %w", e.RequestID, err)
	}
	return string(raw), nil
}

// Decode parses a raw list element.
func Decode(raw string) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return nil, fmt.Errorf("decode queue entry: %w", err)
	}
	return &e, nil
}
