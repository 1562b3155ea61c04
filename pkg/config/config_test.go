package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zicaiw625/tracking-guardian-sub010/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("NODE_ENV", "")
	t.Setenv("PIXEL_STRICT_ORIGIN", "")
	t.Setenv("ALLOW_UNSIGNED_PIXEL_EVENTS", "")
	t.Setenv("ALLOW_REDIS_FALLBACK_FOR_INGEST", "")
	t.Setenv("PIXEL_ALLOW_NULL_ORIGIN", "")
	t.Setenv("PIXEL_TIMESTAMP_WINDOW_MS", "")
	t.Setenv("PIXEL_MAX_BODY_BYTES", "")
	t.Setenv("PIXEL_MAX_BATCH_EVENTS", "")

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.False(t, cfg.Production)
	assert.Equal(t, "test", cfg.Environment())
	assert.Equal(t, 5*time.Minute, cfg.TimestampWindow)
	assert.Equal(t, int64(1<<20), cfg.Limits.MaxBodyBytes)
	assert.Equal(t, 50, cfg.Limits.MaxBatchEvents)
	assert.Equal(t, int64(10000), cfg.Limits.MaxQueueSize)
	assert.Equal(t, 25, cfg.Limits.MaxBatchesPerRun)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("NODE_ENV", "production")
	t.Setenv("PIXEL_STRICT_ORIGIN", "true")
	t.Setenv("ALLOW_UNSIGNED_PIXEL_EVENTS", "true")
	t.Setenv("ALLOW_REDIS_FALLBACK_FOR_INGEST", "true")
	t.Setenv("PIXEL_ALLOW_NULL_ORIGIN", "true")
	t.Setenv("PIXEL_TIMESTAMP_WINDOW_MS", "120000")
	t.Setenv("PIXEL_MAX_BODY_BYTES", "2048")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.True(t, cfg.Production)
	assert.Equal(t, "live", cfg.Environment())
	assert.True(t, cfg.StrictOrigin)
	assert.True(t, cfg.AllowUnsigned)
	assert.True(t, cfg.AllowRedisFallback)
	assert.True(t, cfg.AllowNullOrigin)
	assert.Equal(t, 2*time.Minute, cfg.TimestampWindow)
	assert.Equal(t, int64(2048), cfg.Limits.MaxBodyBytes)
}

// TestLoad_InvalidNumberFallsBack verifies that unparseable numeric vars
// keep the default instead of breaking startup.
func TestLoad_InvalidNumberFallsBack(t *testing.T) {
	t.Setenv("PIXEL_MAX_BODY_BYTES", "lots")

	cfg := config.Load()
	assert.Equal(t, int64(1<<20), cfg.Limits.MaxBodyBytes)
}

func TestDefaultPolicy(t *testing.T) {
	p := config.DefaultPolicy()

	assert.Equal(t, 0.8, p.Abuse.DuplicateOrderKeyRate)
	assert.Equal(t, 0.3, p.Abuse.InvalidOrderKeyRate)
	assert.Equal(t, 0.5, p.Abuse.NonStandardEventRate)
	assert.Equal(t, int64(60), p.RateLimit.PreBodyPerWindow)
	assert.Equal(t, int64(120), p.RateLimit.PostShopPerWindow)
	assert.Equal(t, 60, p.RateLimit.WindowSeconds)
	assert.Empty(t, p.Consent)
}

func TestLoadPolicy_EmptyPathReturnsDefaults(t *testing.T) {
	p, err := config.LoadPolicy("")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultPolicy(), p)
}

func TestLoadPolicy_MergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	doc := `
abuse:
  duplicate_order_key_rate: 0.9
rate_limit:
  pre_body_per_window: 10
consent:
  - platform: custom_dsp
    category: marketing
    requires_sale_of_data: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	p, err := config.LoadPolicy(path)
	require.NoError(t, err)

	assert.Equal(t, 0.9, p.Abuse.DuplicateOrderKeyRate)
	// Untouched fields keep defaults.
	assert.Equal(t, 0.3, p.Abuse.InvalidOrderKeyRate)
	assert.Equal(t, int64(10), p.RateLimit.PreBodyPerWindow)
	assert.Equal(t, int64(120), p.RateLimit.PostShopPerWindow)
	require.Len(t, p.Consent, 1)
	assert.Equal(t, "custom_dsp", p.Consent[0].Platform)
	assert.True(t, p.Consent[0].RequiresSaleOfData)
}

func TestLoadPolicy_MissingFileErrors(t *testing.T) {
	_, err := config.LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
