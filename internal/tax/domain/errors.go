package domain

import "github.com/smallbiznis/commerce/internal/commerceerr"

var (
	ErrInvalidTaxCode = commerceerr.Validation("invalid_tax_code")
	ErrInvalidTaxMode = commerceerr.Validation("invalid_tax_mode")
	ErrInvalidTaxRate = commerceerr.Validation("invalid_tax_rate")
)
