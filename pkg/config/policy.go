package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy tunes pipeline behavior that operators adjust without a redeploy:
// abuse-heuristic thresholds, rate-limit quotas, the consent platform table,
// and rejection-log sampling rates. Omitted fields keep compiled defaults.
type Policy struct {
	Abuse     AbuseThresholds `yaml:"abuse" json:"abuse"`
	Consent   []ConsentEntry  `yaml:"consent,omitempty" json:"consent,omitempty"`
	RateLimit RateLimitQuota  `yaml:"rate_limit" json:"rate_limit"`
	Sampling  SamplingRates   `yaml:"sampling" json:"sampling"`
}

// AbuseThresholds are the batch-shape rates above which a signed batch is
// considered anomalous.
type AbuseThresholds struct {
	DuplicateOrderKeyRate float64 `yaml:"duplicate_order_key_rate" json:"duplicate_order_key_rate"`
	InvalidOrderKeyRate   float64 `yaml:"invalid_order_key_rate" json:"invalid_order_key_rate"`
	NonStandardEventRate  float64 `yaml:"non_standard_event_rate" json:"non_standard_event_rate"`
}

// ConsentEntry overrides or extends the per-platform consent table.
type ConsentEntry struct {
	Platform           string `yaml:"platform" json:"platform"`
	Category           string `yaml:"category" json:"category"` // "marketing" | "analytics"
	RequiresSaleOfData bool   `yaml:"requires_sale_of_data,omitempty" json:"requires_sale_of_data,omitempty"`
}

// RateLimitQuota sets fixed-window request quotas.
type RateLimitQuota struct {
	PreBodyPerWindow  int64 `yaml:"pre_body_per_window" json:"pre_body_per_window"`
	PostShopPerWindow int64 `yaml:"post_shop_per_window" json:"post_shop_per_window"`
	WindowSeconds     int   `yaml:"window_seconds" json:"window_seconds"`
}

// SamplingRates control how often rejection reasons are logged.
type SamplingRates struct {
	HighFrequency float64 `yaml:"high_frequency" json:"high_frequency"`
	Default       float64 `yaml:"default" json:"default"`
}

// DefaultPolicy returns the compiled-in policy.
func DefaultPolicy() *Policy {
	return &Policy{
		Abuse: AbuseThresholds{
			DuplicateOrderKeyRate: 0.8,
			InvalidOrderKeyRate:   0.3,
			NonStandardEventRate:  0.5,
		},
		RateLimit: RateLimitQuota{
			PreBodyPerWindow:  60,
			PostShopPerWindow: 120,
			WindowSeconds:     60,
		},
		Sampling: SamplingRates{
			HighFrequency: 0.001,
			Default:       0.01,
		},
	}
}

// LoadPolicy reads a YAML policy file and merges it over the defaults.
// An empty path returns the defaults unchanged.
func LoadPolicy(path string) (*Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load policy %q: %w", path, err)
	}

	var override Policy
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("parse policy %q: %w", path, err)
	}

	if override.Abuse.DuplicateOrderKeyRate > 0 {
		policy.Abuse.DuplicateOrderKeyRate = override.Abuse.DuplicateOrderKeyRate
	}
	if override.Abuse.InvalidOrderKeyRate > 0 {
		policy.Abuse.InvalidOrderKeyRate = override.Abuse.InvalidOrderKeyRate
	}
	if override.Abuse.NonStandardEventRate > 0 {
		policy.Abuse.NonStandardEventRate = override.Abuse.NonStandardEventRate
	}
	if override.RateLimit.PreBodyPerWindow > 0 {
		policy.RateLimit.PreBodyPerWindow = override.RateLimit.PreBodyPerWindow
	}
	if override.RateLimit.PostShopPerWindow > 0 {
		policy.RateLimit.PostShopPerWindow = override.RateLimit.PostShopPerWindow
	}
	if override.RateLimit.WindowSeconds > 0 {
		policy.RateLimit.WindowSeconds = override.RateLimit.WindowSeconds
	}
	if override.Sampling.HighFrequency > 0 {
		policy.Sampling.HighFrequency = override.Sampling.HighFrequency
	}
	if override.Sampling.Default > 0 {
		policy.Sampling.Default = override.Sampling.Default
	}
	policy.Consent = append(policy.Consent, override.Consent...)

	return policy, nil
}
