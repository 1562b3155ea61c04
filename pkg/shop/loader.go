package shop

import (
	"context"
	"log/slog"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// Loader resolves shops through a short-TTL cache. Secrets are decrypted
// and invalid pixel configs dropped once per cache fill; rotation-secret
// expiry is applied per request so a cached shop cannot revive an
// expired secret.
type Loader struct {
	store  Store
	cipher *Cipher
	cache  *gocache.Cache
	logger *slog.Logger
	clock  func() time.Time
}

func NewLoader(store Store, cipher *Cipher, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		store:  store,
		cipher: cipher,
		cache:  gocache.New(time.Minute, 5*time.Minute),
		logger: logger,
		clock:  time.Now,
	}
}

// WithClock overrides the clock for testing.
func (l *Loader) WithClock(clock func() time.Time) *Loader {
	l.clock = clock
	return l
}

// Load returns the shop for (shopDomain, environment). ErrNotFound and
// ErrInactive are the only client-attributable failures; anything else
// is a store problem the caller should treat as unavailability.
// Negative lookups are cached for the same TTL as hits.
func (l *Loader) Load(ctx context.Context, shopDomain, environment string) (*Shop, error) {
	key := environment + ":" + shopDomain
	if v, ok := l.cache.Get(key); ok {
		rec := v.(*Shop)
		if rec == nil {
			return nil, ErrNotFound
		}
		return l.view(rec)
	}

	rec, err := l.store.GetByDomain(ctx, shopDomain, environment)
	if err != nil {
		if err == ErrNotFound {
			l.cache.SetDefault(key, (*Shop)(nil))
		}
		return nil, err
	}
	l.prepare(rec)
	l.cache.SetDefault(key, rec)
	return l.view(rec)
}

// prepare decrypts secrets in place and drops pixel configs whose
// clientConfig fails schema validation.
func (l *Loader) prepare(rec *Shop) {
	var err error
	if rec.CurrentSecret, err = l.cipher.Decrypt(rec.CurrentSecret); err != nil {
		l.logger.Error("current secret undecryptable, treating as missing", "shop", rec.ShopDomain, "error", err)
		rec.CurrentSecret = ""
	}
	if rec.PreviousSecret, err = l.cipher.Decrypt(rec.PreviousSecret); err != nil {
		l.logger.Warn("previous secret undecryptable, dropped", "shop", rec.ShopDomain, "error", err)
		rec.PreviousSecret = ""
	}
	if rec.PendingSecret, err = l.cipher.Decrypt(rec.PendingSecret); err != nil {
		l.logger.Warn("pending secret undecryptable, dropped", "shop", rec.ShopDomain, "error", err)
		rec.PendingSecret = ""
	}

	kept := rec.PixelConfigs[:0]
	for _, pc := range rec.PixelConfigs {
		if err := ValidateClientConfig(pc.ClientConfig); err != nil {
			l.logger.Warn("pixel config skipped", "shop", rec.ShopDomain, "config", pc.ID, "platform", pc.Platform, "error", err)
			continue
		}
		kept = append(kept, pc)
	}
	rec.PixelConfigs = kept
}

// view hands out a per-request copy with time-based expiry applied.
func (l *Loader) view(rec *Shop) (*Shop, error) {
	cp := *rec
	cp.ExpireSecrets(l.clock())
	if !cp.IsActive {
		return nil, ErrInactive
	}
	return &cp, nil
}
