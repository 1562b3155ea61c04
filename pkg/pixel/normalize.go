package pixel

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
)

// Normalize derives the dedup keys and deterministic id for one
// validated event. ok is false when the event is dropped: the pipeline
// mode does not ingest it, or a purchase carries no order reference.
func Normalize(ev ValidatedEvent, mode string) (norm *NormalizedEvent, ok bool, err error) {
	name := ev.Payload.EventName
	if !IsPrimary(name, mode) {
		return nil, false, nil
	}

	norm = &NormalizedEvent{
		ValidatedEvent: ev,
		EventType:      EventTypeOf(name),
		Items:          NormalizeItems(ev.Payload.Data.Items),
	}

	data := ev.Payload.Data
	if norm.EventType == EventTypePurchase {
		orderKey, altKey, found := OrderMatchKey(data.OrderID, data.CheckoutToken)
		if !found {
			return nil, false, nil
		}
		norm.OrderKey = orderKey
		norm.AltOrderKey = altKey
		norm.EventIdentifier = orderKey
	} else {
		norm.OrderKey = sessionOrderKey(data.CheckoutToken, ev.Payload.Timestamp, ev.Payload.ShopDomain)
	}

	norm.EventID, err = DeterministicEventID(
		norm.EventIdentifier,
		norm.EventType,
		ev.Payload.ShopDomain,
		data.CheckoutToken,
		norm.Items,
		ev.Payload.Nonce,
	)
	if err != nil {
		return nil, false, err
	}
	return norm, true, nil
}

// NormalizeBatch normalizes validated events in batch order, silently
// dropping the ones Normalize rejects.
func NormalizeBatch(events []ValidatedEvent, mode string) ([]NormalizedEvent, error) {
	out := make([]NormalizedEvent, 0, len(events))
	for _, ev := range events {
		norm, ok, err := Normalize(ev, mode)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, *norm)
	}
	return out, nil
}

// OrderMatchKey derives the purchase dedup keys. With an order id the
// key is the id itself and the checkout-token hash becomes the
// secondary key; with only a token the hash is the primary key. found
// is false when neither is present.
func OrderMatchKey(orderID, checkoutToken string) (orderKey, altOrderKey string, found bool) {
	switch {
	case orderID != "":
		if checkoutToken != "" {
			return orderID, sha256Hex(checkoutToken), true
		}
		return orderID, "", true
	case checkoutToken != "":
		return sha256Hex(checkoutToken), "", true
	default:
		return "", "", false
	}
}

// sessionOrderKey keys non-purchase events: by checkout when a token is
// present, otherwise by timestamp and shop.
func sessionOrderKey(checkoutToken string, timestamp int64, shopDomain string) string {
	if checkoutToken != "" {
		return "checkout_" + sha256Hex(checkoutToken)
	}
	return "session_" + strconv.FormatInt(timestamp, 10) + "_" + strings.ReplaceAll(shopDomain, ".", "_")
}

// NormalizeItems resolves each item's id from the first populated
// candidate (variant before product before bare id) and coerces
// quantities to positive integers.
func NormalizeItems(raw []RawItem) []Item {
	if len(raw) == 0 {
		return nil
	}
	items := make([]Item, 0, len(raw))
	for _, r := range raw {
		id := r.VariantID
		if id == "" {
			id = r.ProductID
		}
		if id == "" {
			id = r.ID
		}
		items = append(items, Item{
			ID:       strings.TrimSpace(id),
			Name:     r.Name,
			Price:    r.Price,
			Quantity: positiveQuantity(r.Quantity),
		})
	}
	return items
}

func positiveQuantity(q float64) int {
	n := int(math.Round(q))
	if n < 1 {
		return 1
	}
	return n
}

type eventIDPayload struct {
	Identifier string        `json:"identifier,omitempty"`
	Type       string        `json:"type"`
	Shop       string        `json:"shop"`
	Token      string        `json:"token,omitempty"`
	Items      []eventIDItem `json:"items,omitempty"`
	Nonce      string        `json:"nonce,omitempty"`
}

type eventIDItem struct {
	ID       string `json:"id"`
	Quantity int    `json:"quantity"`
}

// DeterministicEventID hashes the identity-bearing fields of an event
// into a stable id. Identical inputs always produce the same id, which
// is what lets retries and queue redeliveries collapse onto one receipt.
func DeterministicEventID(identifier, eventType, shopDomain, checkoutToken string, items []Item, nonce string) (string, error) {
	payload := eventIDPayload{
		Identifier: identifier,
		Type:       eventType,
		Shop:       shopDomain,
		Token:      checkoutToken,
		Nonce:      nonce,
	}
	for _, it := range items {
		payload.Items = append(payload.Items, eventIDItem{ID: it.ID, Quantity: it.Quantity})
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode event identity: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize event identity: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
