// Package consent maps events onto dispatch destinations according to
// the shopper's stated consent and each platform's category.
package consent

import (
	"strings"

	"github.com/zicaiw625/tracking-guardian-sub010/pkg/pixel"
	"github.com/zicaiw625/tracking-guardian-sub010/pkg/shop"
)

// Consent categories.
const (
	CategoryMarketing = "marketing"
	CategoryAnalytics = "analytics"
)

// Rule is one platform's consent requirements.
type Rule struct {
	Category           string
	RequiresSaleOfData bool
}

// Override replaces or adds a platform rule (policy file).
type Override struct {
	Platform           string
	Category           string
	RequiresSaleOfData bool
}

// defaultRules is the closed per-platform table. Platforms not listed
// are treated as marketing trackers, the conservative category.
var defaultRules = map[string]Rule{
	"ga4":        {Category: CategoryAnalytics},
	"meta":       {Category: CategoryMarketing, RequiresSaleOfData: true},
	"tiktok":     {Category: CategoryMarketing, RequiresSaleOfData: true},
	"pinterest":  {Category: CategoryMarketing, RequiresSaleOfData: true},
	"snapchat":   {Category: CategoryMarketing, RequiresSaleOfData: true},
	"klaviyo":    {Category: CategoryMarketing},
	"google_ads": {Category: CategoryMarketing},
}

// Table resolves platform rules with policy overrides applied.
type Table struct {
	rules map[string]Rule
}

func NewTable(overrides []Override) *Table {
	rules := make(map[string]Rule, len(defaultRules)+len(overrides))
	for p, r := range defaultRules {
		rules[p] = r
	}
	for _, o := range overrides {
		platform := strings.ToLower(strings.TrimSpace(o.Platform))
		if platform == "" {
			continue
		}
		category := o.Category
		if category != CategoryAnalytics {
			category = CategoryMarketing
		}
		rules[platform] = Rule{Category: category, RequiresSaleOfData: o.RequiresSaleOfData}
	}
	return &Table{rules: rules}
}

// RuleFor returns the effective rule for a pixel config. An unknown
// platform defaults to marketing; clientConfig.treatAsMarketing forces
// the marketing category regardless of the table.
func (t *Table) RuleFor(pc shop.PixelConfig) Rule {
	rule, ok := t.rules[strings.ToLower(pc.Platform)]
	if !ok {
		rule = Rule{Category: CategoryMarketing}
	}
	if v, ok := pc.ClientConfig["treatAsMarketing"].(bool); ok && v {
		rule.Category = CategoryMarketing
	}
	return rule
}

// Destinations returns the platforms the event may be dispatched to,
// in config order. Only server-side-enabled configs qualify.
func (t *Table) Destinations(c *pixel.Consent, configs []shop.PixelConfig) []string {
	var out []string
	for _, pc := range configs {
		if !pc.ServerSideEnabled {
			continue
		}
		rule := t.RuleFor(pc)
		if rule.RequiresSaleOfData && c != nil && c.SaleOfData != nil && !*c.SaleOfData {
			continue
		}
		switch rule.Category {
		case CategoryMarketing:
			if c == nil || c.Marketing == nil || !*c.Marketing {
				continue
			}
		case CategoryAnalytics:
			if c == nil || c.Analytics == nil || !*c.Analytics {
				continue
			}
		}
		out = append(out, pc.Platform)
	}
	return out
}
