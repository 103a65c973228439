package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/openadtag/internal/authz"
	"github.com/patrickwarner/openadtag/internal/refresh"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	cfg := Load()

	assert.Equal(t, "8787", cfg.Port)
	assert.Equal(t, time.Second, cfg.ConsentTimeout)
	assert.True(t, cfg.AutoConsentOutsideEU)
	assert.Equal(t, authz.DefaultTTL, cfg.AuthTTL)
	assert.Equal(t, refresh.MinimumInterval, cfg.RefreshInterval)
	assert.Equal(t, 3, cfg.RetryMaxAttempts)
	assert.False(t, cfg.StrictAuthorization)

	p := cfg.RefreshPolicy()
	assert.Equal(t, refresh.DefaultPolicy(), p)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("REFRESH_INTERVAL", "45s")
	t.Setenv("RETRY_INITIAL_BACKOFF", "2")
	t.Setenv("AUTH_MODE", "deny")
	t.Setenv("AUTH_FALLBACK_DOMAINS", "a.example, ,*.b.example")
	t.Setenv("STRICT_AUTHORIZATION", "true")
	t.Setenv("AD_RPS", "2.5")
	t.Setenv("MAX_REFRESHES_PER_SLOT", "not-a-number")

	cfg := Load()
	assert.Equal(t, 45*time.Second, cfg.RefreshInterval)
	assert.Equal(t, 2*time.Second, cfg.RetryPolicy().InitialBackoff)
	assert.True(t, cfg.StrictAuthorization)
	assert.Equal(t, refresh.DefaultMaxRefreshesPerSlot, cfg.MaxRefreshesPerSlot)

	opts := cfg.AuthOptions()
	assert.Equal(t, authz.ModeDeny, opts.Mode)
	assert.Equal(t, []string{"a.example", "*.b.example"}, opts.Fallback)
	assert.Equal(t, 2.5, cfg.GatewayConfig().RequestsPerSecond)
}

func TestLoad_RefreshIntervalClamped(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("REFRESH_INTERVAL", "5s")
	assert.Equal(t, refresh.MinimumInterval, Load().RefreshInterval)
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("SELLER_ASI=adnetwork.test\nCONSENT_TIMEOUT=1500ms\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	// godotenv never overrides variables already present; register cleanup
	// for the keys it sets.
	t.Setenv("SELLER_ASI", "")
	t.Setenv("CONSENT_TIMEOUT", "")
	require.NoError(t, os.Unsetenv("SELLER_ASI"))
	require.NoError(t, os.Unsetenv("CONSENT_TIMEOUT"))

	cfg := Load()
	assert.Equal(t, "adnetwork.test", cfg.SellerASI)
	assert.Equal(t, 1500*time.Millisecond, cfg.ConsentTimeout)
}
