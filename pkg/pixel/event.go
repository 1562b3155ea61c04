// Package pixel defines the storefront event domain: the closed set of
// recognized event names, batch validation, and normalization into
// deduplicatable events with deterministic identifiers.
package pixel

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/shopspring/decimal"
)

// Recognized pixel event names. The set is closed; anything else is
// rejected by validation and counted as non-standard by the abuse
// heuristics.
const (
	CheckoutCompleted             = "checkout_completed"
	CheckoutStarted               = "checkout_started"
	CheckoutContactInfoSubmitted  = "checkout_contact_info_submitted"
	CheckoutShippingInfoSubmitted = "checkout_shipping_info_submitted"
	PaymentInfoSubmitted          = "payment_info_submitted"
	PageViewed                    = "page_viewed"
	ProductViewed                 = "product_viewed"
	ProductAddedToCart            = "product_added_to_cart"
)

// Pipeline modes. purchase_only ingests only checkout_completed;
// full_funnel ingests the whole recognized set.
const (
	ModePurchaseOnly = "purchase_only"
	ModeFullFunnel   = "full_funnel"
)

// EventTypePurchase is the derived type for checkout_completed events.
const EventTypePurchase = "purchase"

var recognized = map[string]struct{}{
	CheckoutCompleted:             {},
	CheckoutStarted:               {},
	CheckoutContactInfoSubmitted:  {},
	CheckoutShippingInfoSubmitted: {},
	PaymentInfoSubmitted:          {},
	PageViewed:                    {},
	ProductViewed:                 {},
	ProductAddedToCart:            {},
}

// IsRecognized reports whether name belongs to the closed event set.
func IsRecognized(name string) bool {
	_, ok := recognized[name]
	return ok
}

// IsPrimary reports whether an event of this name is ingested under the
// given pipeline mode.
func IsPrimary(name, mode string) bool {
	if name == CheckoutCompleted {
		return true
	}
	return mode == ModeFullFunnel && IsRecognized(name)
}

// EventTypeOf derives the internal event type from the pixel event name.
func EventTypeOf(name string) string {
	if name == CheckoutCompleted {
		return EventTypePurchase
	}
	return name
}

// Consent is the tri-state consent snapshot attached by the pixel.
// A nil pointer means the shopper never stated a preference.
type Consent struct {
	Marketing  *bool `json:"marketing,omitempty"`
	Analytics  *bool `json:"analytics,omitempty"`
	SaleOfData *bool `json:"saleOfData,omitempty"`
}

// RawItem carries the whitelisted line-item fields as sent by the pixel.
// Identity candidates stay separate until normalization resolves one.
type RawItem struct {
	ID        string           `json:"id,omitempty"`
	ProductID string           `json:"productId,omitempty"`
	VariantID string           `json:"variantId,omitempty"`
	Name      string           `json:"name,omitempty"`
	SKU       string           `json:"sku,omitempty"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Quantity  float64          `json:"quantity,omitempty"`
}

// Item is a normalized line item with a resolved id and a positive
// integer quantity.
type Item struct {
	ID       string           `json:"id"`
	Name     string           `json:"name,omitempty"`
	Price    *decimal.Decimal `json:"price,omitempty"`
	Quantity int              `json:"quantity"`
}

// EventData holds the sanitized event payload. Only whitelisted keys
// survive validation.
type EventData struct {
	OrderID       string           `json:"orderId,omitempty"`
	CheckoutToken string           `json:"checkoutToken,omitempty"`
	Value         *decimal.Decimal `json:"value,omitempty"`
	Currency      string           `json:"currency,omitempty"`
	Items         []RawItem        `json:"items,omitempty"`
	URL           string           `json:"url,omitempty"`
	Title         string           `json:"title,omitempty"`
	ProductID     string           `json:"productId,omitempty"`
	VariantID     string           `json:"variantId,omitempty"`
	Quantity      float64          `json:"quantity,omitempty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Name          string           `json:"name,omitempty"`
	SKU           string           `json:"sku,omitempty"`
}

// Event is a validated, sanitized pixel event.
type Event struct {
	EventName  string    `json:"eventName"`
	Timestamp  int64     `json:"timestamp"` // ms since epoch
	ShopDomain string    `json:"shopDomain"`
	Nonce      string    `json:"nonce,omitempty"`
	Consent    *Consent  `json:"consent,omitempty"`
	Data       EventData `json:"data"`
}

// ValidatedEvent pairs a sanitized event with its original batch index.
// The index preserves received order through the queue so duplicate
// suppression stays order-sensitive.
type ValidatedEvent struct {
	Payload Event `json:"payload"`
	Index   int   `json:"index"`
}

// NormalizedEvent augments a validated event with derived dedup keys and
// the deterministic event id.
type NormalizedEvent struct {
	ValidatedEvent

	EventType       string `json:"eventType"`
	OrderKey        string `json:"orderKey"`
	AltOrderKey     string `json:"altOrderKey,omitempty"`
	EventIdentifier string `json:"eventIdentifier,omitempty"`
	EventID         string `json:"eventId"`
	Items           []Item `json:"items,omitempty"`

	// Destinations is populated by the consent filter.
	Destinations []string `json:"destinations,omitempty"`
}

// IsPurchase reports whether the event carries purchase semantics.
func (e *NormalizedEvent) IsPurchase() bool {
	return e.EventType == EventTypePurchase
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
