package domain

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/commerce/internal/config"
)

// Tax codes recorded on invoices. Do not rename once used.
const (
	TaxCodeNoTax         = "NO_TAX"
	TaxCodeUSSalesTax    = "US_SALES_TAX"
	TaxCodeEUVATStandard = "EU_VAT_STANDARD"
	TaxCodeSGGST         = "SG_GST"
	TaxCodeJPJCT         = "JP_JCT"
)

// TaxMode represents how tax is applied to the invoice total.
type TaxMode string

const (
	TaxModeExclusive TaxMode = "exclusive" // subtotal + tax
	TaxModeInclusive TaxMode = "inclusive" // total already includes tax
)

// Definition is the flat tax policy of one site.
type Definition struct {
	Code string
	Mode TaxMode
	Rate decimal.Decimal // fraction, 0.2 for 20%
}

// DefinitionFromConfig parses a site's tax settings. ok is false when the
// site charges no tax.
func DefinitionFromConfig(cfg config.TaxConfig) (def Definition, ok bool, err error) {
	rate := strings.TrimSpace(cfg.Rate)
	if rate == "" {
		return Definition{}, false, nil
	}
	parsed, err := decimal.NewFromString(rate)
	if err != nil {
		return Definition{}, false, ErrInvalidTaxRate
	}
	def = Definition{
		Code: strings.ToUpper(strings.TrimSpace(cfg.Code)),
		Mode: TaxMode(strings.ToLower(strings.TrimSpace(cfg.Mode))),
		Rate: parsed,
	}
	if def.Code == "" {
		def.Code = TaxCodeNoTax
	}
	if def.Mode == "" {
		def.Mode = TaxModeExclusive
	}
	if err := def.Validate(); err != nil {
		return Definition{}, false, err
	}
	return def, !def.Rate.IsZero() && def.Code != TaxCodeNoTax, nil
}

func (d Definition) Validate() error {
	if d.Code == "" {
		return ErrInvalidTaxCode
	}
	if d.Mode != TaxModeExclusive && d.Mode != TaxModeInclusive {
		return ErrInvalidTaxMode
	}
	if d.Rate.IsNegative() || d.Rate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return ErrInvalidTaxRate
	}
	return nil
}
