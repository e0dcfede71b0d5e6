package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCommerceConfigHolderReadsSites(t *testing.T) {
	dir := t.TempDir()
	body := []byte(`commerce:
  default_currency: usd
  sites:
    - id: 7
      default_currency: usd
      currencies: [usd, eur]
      gateway:
        provider: Stripe
        secret_key: sk_test
        webhook_secret: whsec_test
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "commerce.yml"), body, 0o600))

	holder, err := NewCommerceConfigHolder(dir)
	require.NoError(t, err)

	cfg := holder.Get()
	site, ok := cfg.Site(7)
	require.True(t, ok)
	assert.Equal(t, "stripe", site.Gateway.Provider)
	assert.Equal(t, "USD", site.DefaultCurrency)

	currencies := cfg.Currencies(7)
	assert.True(t, currencies.Supports("eur"))
	assert.False(t, currencies.Supports("gbp"))
}

func TestCurrenciesFallsBackForUnknownSite(t *testing.T) {
	holder := NewStaticCommerceConfigHolder(CommerceConfig{})
	currencies := holder.Get().Currencies(99)
	assert.Equal(t, "USD", currencies.Default)
	assert.Equal(t, []string{"USD"}, currencies.Available)
}

func TestValidateCommerceConfigRejectsMissingDefault(t *testing.T) {
	cfg := normalizeCommerceConfig(CommerceConfig{Sites: []SiteConfig{{
		ID:              1,
		DefaultCurrency: "GBP",
		Currencies:      []string{"USD"},
		Gateway:         GatewayConfig{Provider: "stripe"},
	}}})
	assert.Error(t, validateCommerceConfig(cfg))
}

func TestValidateCommerceConfigChecksTax(t *testing.T) {
	site := func(tax TaxConfig) CommerceConfig {
		return normalizeCommerceConfig(CommerceConfig{Sites: []SiteConfig{{
			ID:              1,
			DefaultCurrency: "USD",
			Currencies:      []string{"USD"},
			Gateway:         GatewayConfig{Provider: "stripe"},
			Tax:             tax,
		}}})
	}

	cfg := site(TaxConfig{Code: "eu_vat_standard", Rate: " 0.2 "})
	require.NoError(t, validateCommerceConfig(cfg))
	assert.Equal(t, "EU_VAT_STANDARD", cfg.Sites[0].Tax.Code)
	assert.Equal(t, "exclusive", cfg.Sites[0].Tax.Mode)

	assert.NoError(t, validateCommerceConfig(site(TaxConfig{})))
	assert.Error(t, validateCommerceConfig(site(TaxConfig{Rate: "twenty"})))
	assert.Error(t, validateCommerceConfig(site(TaxConfig{Rate: "1.5"})))
	assert.Error(t, validateCommerceConfig(site(TaxConfig{Rate: "-0.1"})))
	assert.Error(t, validateCommerceConfig(site(TaxConfig{Rate: "0.1", Mode: "compound"})))
}
