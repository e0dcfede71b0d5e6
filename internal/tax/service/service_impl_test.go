package service_test

import (
	"context"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/commerce/internal/commerceerr"
	"github.com/smallbiznis/commerce/internal/config"
	invoicedomain "github.com/smallbiznis/commerce/internal/invoice/domain"
	"github.com/smallbiznis/commerce/internal/tax/domain"
	"github.com/smallbiznis/commerce/internal/tax/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func calculator(sites ...config.SiteConfig) invoicedomain.TaxCalculator {
	return service.NewCalculator(service.Params{
		Commerce: config.NewStaticCommerceConfigHolder(config.CommerceConfig{Sites: sites}),
		Log:      zap.NewNop(),
	})
}

func site(id int64, tax config.TaxConfig) config.SiteConfig {
	return config.SiteConfig{
		ID:              id,
		DefaultCurrency: "USD",
		Currencies:      []string{"USD"},
		Gateway:         config.GatewayConfig{Provider: "stripe"},
		Tax:             tax,
	}
}

func TestCalculatorExclusive(t *testing.T) {
	calc := calculator(site(1, config.TaxConfig{Code: domain.TaxCodeEUVATStandard, Rate: "0.2"}))
	ctx := context.Background()

	tax, err := calc.Tax(ctx, &invoicedomain.Invoice{SiteID: snowflake.ID(1)}, 1999)
	require.NoError(t, err)
	assert.Equal(t, int64(400), tax)

	tax, err = calc.Tax(ctx, &invoicedomain.Invoice{SiteID: snowflake.ID(1)}, 0)
	require.NoError(t, err)
	assert.Zero(t, tax)
}

func TestCalculatorNoTax(t *testing.T) {
	calc := calculator(
		site(1, config.TaxConfig{Code: domain.TaxCodeSGGST, Mode: "inclusive", Rate: "0.09"}),
		site(2, config.TaxConfig{}),
		site(3, config.TaxConfig{Code: domain.TaxCodeNoTax, Rate: "0.1"}),
	)
	for _, id := range []int64{1, 2, 3, 99} {
		tax, err := calc.Tax(context.Background(), &invoicedomain.Invoice{SiteID: snowflake.ID(id)}, 1000)
		require.NoError(t, err)
		assert.Zero(t, tax, "site %d", id)
	}
}

func TestDefinitionFromConfigRejectsBadRate(t *testing.T) {
	_, _, err := domain.DefinitionFromConfig(config.TaxConfig{Rate: "abc"})
	assert.ErrorIs(t, err, domain.ErrInvalidTaxRate)
	assert.True(t, commerceerr.IsValidation(err))

	_, _, err = domain.DefinitionFromConfig(config.TaxConfig{Rate: "0.1", Mode: "compound"})
	assert.ErrorIs(t, err, domain.ErrInvalidTaxMode)
}

func TestComputeInclusive(t *testing.T) {
	net, tax := service.ComputeInclusive(1200, decimal.RequireFromString("0.2"))
	assert.Equal(t, int64(1000), net)
	assert.Equal(t, int64(200), tax)

	net, tax = service.ComputeInclusive(500, decimal.Zero)
	assert.Equal(t, int64(500), net)
	assert.Zero(t, tax)
}
