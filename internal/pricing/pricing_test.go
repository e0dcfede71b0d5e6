package pricing_test

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/commerce/internal/config"
	offerdomain "github.com/smallbiznis/commerce/internal/offer/domain"
	"github.com/smallbiznis/commerce/internal/pricing"
	"github.com/stretchr/testify/assert"
	"gorm.io/datatypes"
)

var (
	now      = time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)
	lastYear = now.AddDate(-1, 0, 0)
)

func cost(v int64) *int64 { return &v }

func product(id int64, msrp map[string]int64) offerdomain.Product {
	return offerdomain.Product{ID: snowflake.ID(id), MSRP: datatypes.NewJSONType(msrp)}
}

func offerWith(prices ...offerdomain.Price) offerdomain.Offer {
	return offerdomain.Offer{
		ID:   1,
		Term: offerdomain.TermOneTime,
		Products: []offerdomain.Product{
			product(10, map[string]int64{"USD": 70, "EUR": 60}),
			product(11, map[string]int64{"USD": 50}),
		},
		Prices: prices,
	}
}

func TestCurrentPriceHighestPriorityWins(t *testing.T) {
	offer := offerWith(
		offerdomain.Price{ID: 1, Currency: "USD", Cost: cost(100), Priority: 1, StartAt: lastYear},
		offerdomain.Price{ID: 2, Currency: "USD", Cost: cost(80), Priority: 5, StartAt: lastYear},
	)
	assert.Equal(t, int64(80), pricing.CurrentPrice(offer, "USD", now))
}

func TestCurrentPriceEqualPriorityNewestWins(t *testing.T) {
	offer := offerWith(
		offerdomain.Price{ID: 9, Currency: "USD", Cost: cost(90), Priority: 3, StartAt: lastYear, CreatedAt: lastYear},
		offerdomain.Price{ID: 2, Currency: "USD", Cost: cost(75), Priority: 3, StartAt: lastYear, CreatedAt: lastYear.Add(time.Hour)},
	)
	assert.Equal(t, int64(75), pricing.CurrentPrice(offer, "USD", now))

	sameInstant := offerWith(
		offerdomain.Price{ID: 2, Currency: "USD", Cost: cost(75), Priority: 3, StartAt: lastYear, CreatedAt: lastYear},
		offerdomain.Price{ID: 9, Currency: "USD", Cost: cost(90), Priority: 3, StartAt: lastYear, CreatedAt: lastYear},
	)
	assert.Equal(t, int64(90), pricing.CurrentPrice(sameInstant, "USD", now))
}

func TestCurrentPriceFallsBackToMSRP(t *testing.T) {
	expired := now.Add(-time.Minute)
	future := now.Add(time.Hour)
	offer := offerWith(
		offerdomain.Price{ID: 1, Currency: "USD", Cost: cost(10), StartAt: lastYear, EndAt: &expired},
		offerdomain.Price{ID: 2, Currency: "USD", Cost: cost(20), StartAt: future},
		offerdomain.Price{ID: 3, Currency: "EUR", Cost: cost(30), StartAt: lastYear},
	)
	assert.Equal(t, int64(120), pricing.CurrentPrice(offer, "USD", now))

	nullCost := offerWith(offerdomain.Price{ID: 4, Currency: "USD", Priority: 9, StartAt: lastYear})
	assert.Equal(t, int64(120), pricing.CurrentPrice(nullCost, "usd", now))
}

func TestCurrentPriceEndIsInclusive(t *testing.T) {
	end := now
	offer := offerWith(offerdomain.Price{ID: 1, Currency: "USD", Cost: cost(99), StartAt: lastYear, EndAt: &end})
	assert.Equal(t, int64(99), pricing.CurrentPrice(offer, "USD", now))
	assert.Equal(t, int64(120), pricing.CurrentPrice(offer, "USD", now.Add(time.Nanosecond)))
}

func TestSumMSRPTreatsMissingAsZero(t *testing.T) {
	offer := offerWith()
	assert.Equal(t, int64(60), pricing.SumMSRP(offer, "EUR"))
	assert.Equal(t, int64(0), pricing.SumMSRP(offer, "GBP"))
}

func TestBestCurrency(t *testing.T) {
	site := config.SiteCurrencies{Default: "USD", Available: []string{"USD", "EUR"}}
	offer := offerWith()

	assert.Equal(t, "USD", pricing.BestCurrency(offer, "eur", site), "EUR missing on one product")
	assert.Equal(t, "USD", pricing.BestCurrency(offer, "GBP", site))

	single := offerdomain.Offer{Products: []offerdomain.Product{product(1, map[string]int64{"EUR": 5})}}
	assert.Equal(t, "EUR", pricing.BestCurrency(single, "eur", site))
	assert.Equal(t, "USD", pricing.BestCurrency(single, "", site))
}

func TestDiscountNeverNegative(t *testing.T) {
	cheaper := offerWith(offerdomain.Price{ID: 1, Currency: "USD", Cost: cost(100), StartAt: lastYear})
	assert.Equal(t, int64(20), pricing.Discount(cheaper, "USD", now))

	pricier := offerWith(offerdomain.Price{ID: 1, Currency: "USD", Cost: cost(500), StartAt: lastYear})
	assert.Equal(t, int64(0), pricing.Discount(pricier, "USD", now))
}

func TestTrial(t *testing.T) {
	offer := offerdomain.Offer{TrialDays: 14, TrialAmount: 100}
	assert.True(t, pricing.HasTrial(offer))
	assert.Equal(t, pricing.TrialTerms{Days: 14, Amount: 100}, pricing.Trial(offer))
	assert.False(t, pricing.HasTrial(offerdomain.Offer{TrialAmount: 100}))

	assert.Equal(t, 0, pricing.TrialDurationMonths(0))
	assert.Equal(t, 1, pricing.TrialDurationMonths(1))
	assert.Equal(t, 1, pricing.TrialDurationMonths(31))
	assert.Equal(t, 2, pricing.TrialDurationMonths(32))
	assert.Equal(t, 3, pricing.TrialDurationMonths(90))
}

func TestPromoDiscount(t *testing.T) {
	percent := offerdomain.Offer{Kind: offerdomain.KindPromotion, PromoPercent: decimal.RequireFromString("12.5")}
	assert.Equal(t, int64(125), pricing.PromoDiscount(percent, 1000, "USD", now))
	assert.Equal(t, int64(13), pricing.PromoDiscount(percent, 101, "USD", now))

	fixed := offerdomain.Offer{
		Kind:   offerdomain.KindPromotion,
		Prices: []offerdomain.Price{{ID: 1, Currency: "USD", Cost: cost(300), StartAt: lastYear}},
	}
	assert.Equal(t, int64(300), pricing.PromoDiscount(fixed, 1000, "USD", now))
	assert.Equal(t, int64(200), pricing.PromoDiscount(fixed, 200, "USD", now))
	assert.Equal(t, int64(0), pricing.PromoDiscount(fixed, 0, "USD", now))
}
