// Package shop resolves merchant records for the ingest path: lookup by
// domain and environment, secret decryption, rotation-secret expiry, and
// the per-shop origin allowlist and pipeline mode.
package shop

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/zicaiw625/tracking-guardian-sub010/pkg/pixel"
)

var (
	// ErrNotFound means no shop is registered for the domain and
	// environment.
	ErrNotFound = errors.New("shop not found")
	// ErrInactive means the shop exists but ingestion is switched off.
	ErrInactive = errors.New("shop inactive")
)

// Shop is one merchant storefront registered for ingestion.
type Shop struct {
	ID          string
	ShopDomain  string
	Environment string
	IsActive    bool

	// Signing secrets. CurrentSecret always verifies; the previous and
	// pending secrets verify only until their expiry passes. Secrets are
	// decrypted at load and must never be logged.
	CurrentSecret        string
	PreviousSecret       string
	PreviousSecretExpiry *time.Time
	PendingSecret        string
	PendingSecretExpiry  *time.Time
	PendingMatchCount    int

	PrimaryDomain     string
	StorefrontDomains []string

	PixelConfigs []PixelConfig
}

// PixelConfig is one per-platform pixel registration.
type PixelConfig struct {
	ID                string         `json:"id"`
	Platform          string         `json:"platform"`
	PlatformID        string         `json:"platformId"`
	ClientSideEnabled bool           `json:"clientSideEnabled"`
	ServerSideEnabled bool           `json:"serverSideEnabled"`
	ClientConfig      map[string]any `json:"clientConfig,omitempty"`
}

// ExpireSecrets nulls rotation secrets whose expiry has passed. Secrets
// without an expiry never expire here.
func (s *Shop) ExpireSecrets(now time.Time) {
	if s.PreviousSecret != "" && s.PreviousSecretExpiry != nil && now.After(*s.PreviousSecretExpiry) {
		s.PreviousSecret = ""
		s.PreviousSecretExpiry = nil
	}
	if s.PendingSecret != "" && s.PendingSecretExpiry != nil && now.After(*s.PendingSecretExpiry) {
		s.PendingSecret = ""
		s.PendingSecretExpiry = nil
	}
}

// Mode returns full_funnel when any enabled pixel config asks for it,
// purchase_only otherwise.
func (s *Shop) Mode() string {
	for _, pc := range s.PixelConfigs {
		if !pc.ClientSideEnabled && !pc.ServerSideEnabled {
			continue
		}
		if m, ok := pc.ClientConfig["mode"].(string); ok && m == pixel.ModeFullFunnel {
			return pixel.ModeFullFunnel
		}
	}
	return pixel.ModePurchaseOnly
}

// ServerSideConfigs returns the pixel configs eligible as dispatch
// destinations.
func (s *Shop) ServerSideConfigs() []PixelConfig {
	var out []PixelConfig
	for _, pc := range s.PixelConfigs {
		if pc.ServerSideEnabled {
			out = append(out, pc)
		}
	}
	return out
}

// AllowedOrigins returns the hosts this shop may send from: its own
// domain, the primary domain, and any extra storefront domains.
func (s *Shop) AllowedOrigins() map[string]struct{} {
	set := make(map[string]struct{}, 2+len(s.StorefrontDomains))
	add := func(domain string) {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" {
			set[domain] = struct{}{}
		}
	}
	add(s.ShopDomain)
	add(s.PrimaryDomain)
	for _, d := range s.StorefrontDomains {
		add(d)
	}
	return set
}

// Store loads shop records from durable storage.
type Store interface {
	// GetByDomain returns the shop registered for (shopDomain,
	// environment) or ErrNotFound.
	GetByDomain(ctx context.Context, shopDomain, environment string) (*Shop, error)
	// IncrementPendingMatches counts a successful verification against
	// the pending secret, informing the rotation cutover.
	IncrementPendingMatches(ctx context.Context, shopID string) error
}
