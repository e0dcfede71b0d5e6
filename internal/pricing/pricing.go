// Package pricing resolves the effective price, discount and trial terms of
// an offer at a given instant. Every function is pure.
package pricing

import (
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/commerce/internal/config"
	offerdomain "github.com/smallbiznis/commerce/internal/offer/domain"
)

var hundred = decimal.NewFromInt(100)

// TrialTerms describes the introductory period of a recurring offer.
type TrialTerms struct {
	Occurrences int
	Amount      int64
	Days        int
}

// CurrentPrice returns the cost of the highest priority price whose window
// contains at. Equal priorities resolve to the most recently created row.
// Without a usable row the sum of product MSRPs applies.
func CurrentPrice(offer offerdomain.Offer, currency string, at time.Time) int64 {
	price, ok := ActivePrice(offer, currency, at)
	if !ok || price.Cost == nil {
		return SumMSRP(offer, currency)
	}
	return *price.Cost
}

// ActivePrice selects the price row CurrentPrice would use.
func ActivePrice(offer offerdomain.Offer, currency string, at time.Time) (offerdomain.Price, bool) {
	currency = strings.ToUpper(currency)
	var (
		best  offerdomain.Price
		found bool
	)
	for _, p := range offer.Prices {
		if !strings.EqualFold(p.Currency, currency) || !p.Covers(at) {
			continue
		}
		if !found || outranks(p, best) {
			best = p
			found = true
		}
	}
	return best, found
}

func outranks(a, b offerdomain.Price) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// SumMSRP adds up the suggested price of every product. Missing entries count as zero.
func SumMSRP(offer offerdomain.Offer, currency string) int64 {
	var sum int64
	for _, product := range offer.Products {
		amount, _ := product.MSRPFor(currency)
		sum += amount
	}
	return sum
}

// BestCurrency returns requested when the site sells in it and every product
// carries an MSRP in it, otherwise the site default.
func BestCurrency(offer offerdomain.Offer, requested string, site config.SiteCurrencies) string {
	requested = strings.ToUpper(strings.TrimSpace(requested))
	if requested == "" || !site.Supports(requested) {
		return site.Default
	}
	for _, product := range offer.Products {
		if _, ok := product.MSRPFor(requested); !ok {
			return site.Default
		}
	}
	return requested
}

// Discount is the saving of the current price against the MSRP sum.
func Discount(offer offerdomain.Offer, currency string, at time.Time) int64 {
	discount := SumMSRP(offer, currency) - CurrentPrice(offer, currency, at)
	if discount < 0 {
		return 0
	}
	return discount
}

func Trial(offer offerdomain.Offer) TrialTerms {
	return TrialTerms{
		Occurrences: offer.TrialOccurrences,
		Amount:      offer.TrialAmount,
		Days:        offer.TrialDays,
	}
}

func HasTrial(offer offerdomain.Offer) bool {
	t := Trial(offer)
	return t.Occurrences > 0 || t.Days > 0
}

// TrialDurationMonths approximates a trial length in months as ceil(days/31).
func TrialDurationMonths(days int) int {
	if days <= 0 {
		return 0
	}
	return int(math.Ceil(float64(days) / 31))
}

// PromoDiscount is what a promotional offer takes off base: a rounded
// percentage when one is set, otherwise the promotion's own current price.
// The result is clamped to [0, base].
func PromoDiscount(promo offerdomain.Offer, base int64, currency string, at time.Time) int64 {
	if base <= 0 {
		return 0
	}
	var discount int64
	if !promo.PromoPercent.IsZero() {
		discount = decimal.NewFromInt(base).
			Mul(promo.PromoPercent).
			Div(hundred).
			Round(0).
			IntPart()
	} else {
		discount = CurrentPrice(promo, currency, at)
	}
	switch {
	case discount < 0:
		return 0
	case discount > base:
		return base
	default:
		return discount
	}
}
