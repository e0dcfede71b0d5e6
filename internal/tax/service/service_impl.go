package service

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/commerce/internal/config"
	invoicedomain "github.com/smallbiznis/commerce/internal/invoice/domain"
	"github.com/smallbiznis/commerce/internal/observability/logger"
	"github.com/smallbiznis/commerce/internal/tax/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Commerce *config.CommerceConfigHolder
	Log      *zap.Logger
}

// Calculator charges the flat tax configured for the invoice's site.
type Calculator struct {
	commerce *config.CommerceConfigHolder
	log      *zap.Logger
}

func NewCalculator(p Params) invoicedomain.TaxCalculator {
	return &Calculator{
		commerce: p.Commerce,
		log:      p.Log.Named("tax.service"),
	}
}

// Tax returns the tax added on top of subtotal. Inclusive sites add nothing.
func (c *Calculator) Tax(ctx context.Context, invoice *invoicedomain.Invoice, subtotal int64) (int64, error) {
	if invoice == nil || subtotal <= 0 || c.commerce == nil {
		return 0, nil
	}
	site, ok := c.commerce.Get().Site(int64(invoice.SiteID))
	if !ok {
		return 0, nil
	}
	def, ok, err := domain.DefinitionFromConfig(site.Tax)
	if err != nil {
		logger.WithContext(ctx, c.log).Error("invalid site tax settings",
			zap.String("site_id", invoice.SiteID.String()),
			zap.Error(err),
		)
		return 0, err
	}
	if !ok || def.Mode == domain.TaxModeInclusive {
		return 0, nil
	}
	return ComputeExclusive(subtotal, def.Rate), nil
}

// ComputeExclusive returns the tax on a net amount, rounded half away from zero.
func ComputeExclusive(subtotal int64, rate decimal.Decimal) int64 {
	if subtotal <= 0 || !rate.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(subtotal).Mul(rate).Round(0).IntPart()
}

// ComputeInclusive splits a gross amount into its net and tax parts.
func ComputeInclusive(total int64, rate decimal.Decimal) (net int64, tax int64) {
	if total <= 0 || !rate.IsPositive() {
		return total, 0
	}
	gross := decimal.NewFromInt(total)
	net = gross.Div(decimal.NewFromInt(1).Add(rate)).Round(0).IntPart()
	return net, total - net
}
