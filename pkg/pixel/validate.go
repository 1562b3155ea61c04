package pixel

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// Field patterns enforced on incoming events.
var (
	shopDomainPattern    = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*\.myshopify\.com$`)
	orderGIDPattern      = regexp.MustCompile(`^gid://shopify/\w+/\d+$`)
	orderKeyPattern      = regexp.MustCompile(`^[A-Za-z0-9_\-.:/]+$`)
	checkoutTokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{8,128}$`)
)

// MaxOrderIDLength bounds order ids; longer values are invalid both here
// and in the abuse heuristics.
const MaxOrderIDLength = 256

// ValidationError describes why one raw event was rejected.
type ValidationError struct {
	Index  int    `json:"index"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason"`
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("event %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("event %d: %s (%s)", e.Index, e.Reason, e.Field)
}

// BatchResult is the outcome of validating a raw batch in order.
type BatchResult struct {
	Valid   []ValidatedEvent
	Skipped []ValidationError

	// ShopDomain is the single domain every valid event names.
	ShopDomain string

	// Reject is set when the whole batch must be refused: the first
	// event failed validation, or two events name different shops.
	Reject *ValidationError
}

// ValidateBatch applies structural and semantic checks to each raw event
// in batch order. An invalid first event rejects the whole batch; later
// invalid events are skipped and reported. Valid events must all name
// the same shop domain.
func ValidateBatch(raw []any) BatchResult {
	var res BatchResult
	for i, r := range raw {
		ev, verr := validateOne(r)
		if verr != nil {
			verr.Index = i
			if i == 0 {
				res.Reject = verr
				return res
			}
			res.Skipped = append(res.Skipped, *verr)
			continue
		}
		if res.ShopDomain == "" {
			res.ShopDomain = ev.ShopDomain
		} else if ev.ShopDomain != res.ShopDomain {
			res.Reject = &ValidationError{Index: i, Field: "shopDomain", Reason: "shop_domain_mismatch"}
			return res
		}
		res.Valid = append(res.Valid, ValidatedEvent{Payload: *ev, Index: i})
	}
	return res
}

func validateOne(raw any) (*Event, *ValidationError) {
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, &ValidationError{Reason: "not_an_object"}
	}

	name, present := stringField(obj, "eventName", "event_name")
	if !present || name == "" {
		return nil, &ValidationError{Field: "eventName", Reason: "missing_event_name"}
	}
	if !IsRecognized(name) {
		return nil, &ValidationError{Field: "eventName", Reason: "unrecognized_event_name"}
	}

	ts, present, valid := intField(obj, "timestamp", "ts")
	if !present {
		return nil, &ValidationError{Field: "timestamp", Reason: "missing_timestamp"}
	}
	if !valid || ts <= 0 {
		return nil, &ValidationError{Field: "timestamp", Reason: "invalid_timestamp"}
	}

	domain, present := stringField(obj, "shopDomain")
	if !present || domain == "" {
		return nil, &ValidationError{Field: "shopDomain", Reason: "missing_shop_domain"}
	}
	domain = strings.ToLower(strings.TrimSpace(domain))
	if !shopDomainPattern.MatchString(domain) {
		return nil, &ValidationError{Field: "shopDomain", Reason: "invalid_shop_domain"}
	}

	consent, verr := parseConsent(obj)
	if verr != nil {
		return nil, verr
	}

	data, verr := sanitizeData(obj, name)
	if verr != nil {
		return nil, verr
	}

	nonce, _ := stringField(obj, "nonce")

	return &Event{
		EventName:  name,
		Timestamp:  ts,
		ShopDomain: domain,
		Nonce:      nonce,
		Consent:    consent,
		Data:       data,
	}, nil
}

// ValidOrderID reports whether an order id satisfies the accepted shapes:
// a Shopify GID or a bounded token of safe characters.
func ValidOrderID(id string) bool {
	if id == "" || len(id) > MaxOrderIDLength {
		return false
	}
	return orderGIDPattern.MatchString(id) || orderKeyPattern.MatchString(id)
}

func sanitizeData(obj map[string]any, eventName string) (EventData, *ValidationError) {
	var data EventData
	raw, present := obj["data"]
	if !present || raw == nil {
		if eventName == CheckoutCompleted {
			return data, &ValidationError{Field: "data", Reason: "missing_order_reference"}
		}
		return data, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return data, &ValidationError{Field: "data", Reason: "invalid_data"}
	}

	if v, ok := stringField(m, "orderId"); ok && v != "" {
		if !ValidOrderID(v) {
			return data, &ValidationError{Field: "orderId", Reason: "invalid_order_id"}
		}
		data.OrderID = v
	}
	if v, ok := stringField(m, "checkoutToken"); ok && v != "" {
		if !checkoutTokenPattern.MatchString(v) {
			return data, &ValidationError{Field: "checkoutToken", Reason: "invalid_checkout_token"}
		}
		data.CheckoutToken = v
	}
	if v, present := m["value"]; present && v != nil {
		d, ok := decimalValue(v)
		if !ok || d.IsNegative() {
			return data, &ValidationError{Field: "value", Reason: "invalid_value"}
		}
		data.Value = d
	}
	if v, ok := stringField(m, "currency"); ok && v != "" {
		code := strings.ToUpper(strings.TrimSpace(v))
		if _, err := currency.ParseISO(code); err != nil {
			return data, &ValidationError{Field: "currency", Reason: "invalid_currency"}
		}
		data.Currency = code
	}
	if v, present := m["items"]; present && v != nil {
		items, ok := v.([]any)
		if !ok {
			return data, &ValidationError{Field: "items", Reason: "invalid_items"}
		}
		for _, it := range items {
			im, ok := it.(map[string]any)
			if !ok {
				continue
			}
			data.Items = append(data.Items, sanitizeItem(im))
		}
	}

	data.URL, _ = stringField(m, "url")
	data.Title, _ = stringField(m, "title")
	data.Name, _ = stringField(m, "name")
	data.SKU, _ = stringField(m, "sku")
	data.ProductID = idString(m, "productId")
	data.VariantID = idString(m, "variantId")
	if v, present := m["quantity"]; present {
		if f, _, ok := floatValue(v); ok {
			data.Quantity = f
		}
	}
	if v, present := m["price"]; present && v != nil {
		if d, ok := decimalValue(v); ok && !d.IsNegative() {
			data.Price = d
		}
	}

	if eventName == CheckoutCompleted && data.OrderID == "" && data.CheckoutToken == "" {
		return data, &ValidationError{Field: "data", Reason: "missing_order_reference"}
	}

	return data, nil
}

// sanitizeItem keeps the whitelisted line-item keys, folding snake_case
// id variants into their camelCase fields.
func sanitizeItem(m map[string]any) RawItem {
	item := RawItem{
		ID:        idString(m, "id"),
		ProductID: idString(m, "productId", "product_id"),
		VariantID: idString(m, "variantId", "variant_id"),
	}
	item.Name, _ = stringField(m, "name")
	item.SKU, _ = stringField(m, "sku")
	if v, present := m["price"]; present && v != nil {
		if d, ok := decimalValue(v); ok && !d.IsNegative() {
			item.Price = d
		}
	}
	if v, present := m["quantity"]; present {
		if f, _, ok := floatValue(v); ok {
			item.Quantity = f
		}
	}
	return item
}

func parseConsent(obj map[string]any) (*Consent, *ValidationError) {
	raw, present := obj["consent"]
	if !present || raw == nil {
		return nil, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, &ValidationError{Field: "consent", Reason: "invalid_consent"}
	}
	c := &Consent{
		Marketing:  boolPtr(m, "marketing"),
		Analytics:  boolPtr(m, "analytics"),
		SaleOfData: boolPtr(m, "saleOfData"),
	}
	return c, nil
}

func boolPtr(m map[string]any, key string) *bool {
	if v, present := m[key]; present {
		if b, ok := v.(bool); ok {
			return &b
		}
	}
	return nil
}

func stringField(m map[string]any, keys ...string) (string, bool) {
	for _, k := range keys {
		if v, present := m[k]; present {
			if s, ok := v.(string); ok {
				return strings.TrimSpace(s), true
			}
		}
	}
	return "", false
}

// idString accepts string or numeric ids and renders them as strings.
func idString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		v, present := m[k]
		if !present || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case json.Number:
			return t.String()
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			return strconv.Itoa(t)
		case int64:
			return strconv.FormatInt(t, 10)
		}
	}
	return ""
}

func intField(m map[string]any, keys ...string) (value int64, present, valid bool) {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		f, _, parsed := floatValue(v)
		if !parsed {
			return 0, true, false
		}
		// Millisecond timestamps arrive as whole numbers; fractions are
		// dropped.
		return int64(f), true, true
	}
	return 0, false, false
}

func floatValue(v any) (f float64, isInt, ok bool) {
	switch t := v.(type) {
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return 0, false, false
		}
		return parsed, parsed == float64(int64(parsed)), true
	case float64:
		return t, t == float64(int64(t)), true
	case int:
		return float64(t), true, true
	case int64:
		return float64(t), true, true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false, false
		}
		return parsed, parsed == float64(int64(parsed)), true
	default:
		return 0, false, false
	}
}

func decimalValue(v any) (*decimal.Decimal, bool) {
	var (
		d   decimal.Decimal
		err error
	)
	switch t := v.(type) {
	case json.Number:
		d, err = decimal.NewFromString(t.String())
	case float64:
		d = decimal.NewFromFloat(t)
	case int:
		d = decimal.NewFromInt(int64(t))
	case int64:
		d = decimal.NewFromInt(t)
	case string:
		d, err = decimal.NewFromString(strings.TrimSpace(t))
	default:
		return nil, false
	}
	if err != nil {
		return nil, false
	}
	return &d, true
}
