package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// The env helpers treat empty as unset; pin the keys this test asserts.
	for _, key := range []string{
		"ENVIRONMENT", "PAYMENT_MODE", "WALLET_BECH32_PREFIX", "SYNC_MAX_PAGES",
		"RATE_LIMIT_PER_MINUTE", "AUTH_SESSION_TTL", "OAUTH_PROVIDERS", "PRICE_TIER_MAP",
	} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "crypto", cfg.PaymentMode)
	assert.Equal(t, "regen", cfg.WalletBech32Prefix)
	assert.Equal(t, 10, cfg.SyncMaxPages)
	assert.Equal(t, 60, cfg.RateLimitPerMinute)
	assert.Equal(t, 10*time.Minute, cfg.AuthSessionTTL)
	assert.Equal(t, []string{"google", "github"}, cfg.OAuthProviders)
	assert.Empty(t, cfg.PriceTierMap)
}

func TestLoadStripeModeRequiresKey(t *testing.T) {
	t.Setenv("PAYMENT_MODE", "stripe")
	t.Setenv("STRIPE_SECRET_KEY", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY")
}

func TestLoadInvalidPaymentMode(t *testing.T) {
	t.Setenv("PAYMENT_MODE", "barter")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PAYMENT_MODE")
}

func TestLoadClampsSyncMaxPages(t *testing.T) {
	t.Setenv("SYNC_MAX_PAGES", "500")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.SyncMaxPages)

	t.Setenv("SYNC_MAX_PAGES", "0")
	cfg, err = Load()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.SyncMaxPages)
}

func TestLoadPriceTierMap(t *testing.T) {
	t.Setenv("PRICE_TIER_MAP", `{"price_123":"tier_basic","price_456":"tier_pro"}`)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "tier_basic", cfg.PriceTierMap["price_123"])
	assert.Equal(t, "tier_pro", cfg.PriceTierMap["price_456"])
}

func TestLoadInvalidPriceTierMap(t *testing.T) {
	t.Setenv("PRICE_TIER_MAP", "not json")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRICE_TIER_MAP")
}

func TestIsUSDCDenom(t *testing.T) {
	cfg := &Config{USDCDenoms: []string{"uusdc", "ibc/ABCD"}}

	assert.True(t, cfg.IsUSDCDenom("uusdc"))
	assert.True(t, cfg.IsUSDCDenom("ibc/ABCD"))
	assert.False(t, cfg.IsUSDCDenom("uregen"))
}

func TestPreferredDenom(t *testing.T) {
	stripe := &Config{PaymentMode: "stripe", USDCDenoms: []string{"uusdc"}}
	crypto := &Config{PaymentMode: "crypto", USDCDenoms: []string{"uusdc"}}

	assert.Equal(t, "uusdc", stripe.PreferredDenom())
	assert.Equal(t, "", crypto.PreferredDenom())
}

func TestLoadFeeBpsRange(t *testing.T) {
	t.Setenv("BATCH_FEE_BPS", "10001")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BATCH_FEE_BPS")
}
