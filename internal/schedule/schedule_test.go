package schedule_test

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	offerdomain "github.com/smallbiznis/commerce/internal/offer/domain"
	"github.com/smallbiznis/commerce/internal/schedule"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAddMonths(t *testing.T) {
	cases := []struct {
		name string
		in   time.Time
		n    int
		want time.Time
	}{
		{"leap february rollover", date(2024, 1, 31), 1, date(2024, 2, 29)},
		{"leap february gains a day", date(2024, 1, 15), 1, date(2024, 2, 16)},
		{"common february clamp", date(2023, 1, 31), 1, date(2023, 2, 28)},
		{"thirty day month clamp", date(2024, 3, 31), 1, date(2024, 4, 30)},
		{"year wrap", date(2024, 11, 30), 3, date(2025, 2, 28)},
		{"negative", date(2024, 3, 31), -1, date(2024, 2, 29)},
		{"negative across year", date(2024, 1, 10), -2, date(2023, 11, 10)},
		{"zero", date(2024, 7, 4), 0, date(2024, 7, 4)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, schedule.AddMonths(tc.in, tc.n))
		})
	}
}

func TestAddMonthsKeepsClockAndLocation(t *testing.T) {
	loc := time.FixedZone("UTC+7", 7*3600)
	in := time.Date(2024, 5, 31, 13, 45, 10, 500, loc)
	got := schedule.AddMonths(in, 1)
	assert.Equal(t, time.Date(2024, 6, 30, 13, 45, 10, 500, loc), got)
	assert.Equal(t, loc, got.Location())
}

func TestAddDays(t *testing.T) {
	assert.Equal(t, date(2024, 5, 11), schedule.AddDays(date(2024, 5, 1), 10))
	assert.Equal(t, date(2024, 3, 1), schedule.AddDays(date(2024, 2, 28), 2))
}

func TestNextBillingDate(t *testing.T) {
	now := date(2024, 5, 20)
	monthly := schedule.Item{TermStart: date(2024, 1, 31), Unit: offerdomain.PeriodMonth, Count: 1}
	weekly := schedule.Item{TermStart: date(2024, 5, 1), Unit: offerdomain.PeriodDay, Count: 7}

	next, ok := schedule.NextBillingDate(now, monthly)
	require.True(t, ok)
	assert.Equal(t, date(2024, 5, 31), next)

	next, ok = schedule.NextBillingDate(now, monthly, weekly)
	require.True(t, ok)
	assert.Equal(t, date(2024, 5, 22), next)

	onBoundary, ok := schedule.NextBillingDate(date(2024, 5, 22), weekly)
	require.True(t, ok)
	assert.Equal(t, date(2024, 5, 29), onBoundary)

	future := schedule.Item{TermStart: date(2024, 6, 3), Unit: offerdomain.PeriodMonth, Count: 1}
	first, ok := schedule.NextBillingDate(now, future)
	require.True(t, ok)
	assert.Equal(t, date(2024, 6, 3), first)

	_, ok = schedule.NextBillingDate(now)
	assert.False(t, ok)
}

func price(cost int64) offerdomain.Price {
	return offerdomain.Price{ID: 1, Currency: "USD", Cost: &cost, StartAt: date(2020, 1, 1)}
}

func TestBillingScheduleForInvoice(t *testing.T) {
	now := time.Date(2024, 3, 10, 15, 30, 0, 0, time.UTC)

	ebook := offerdomain.Offer{ID: 1, Term: offerdomain.TermPerpetual, Prices: []offerdomain.Price{price(500)}}
	course := offerdomain.Offer{ID: 2, Term: offerdomain.TermOneTime, Prices: []offerdomain.Price{price(250)}}
	monthly := offerdomain.Offer{
		ID: 3, Term: offerdomain.TermSubscription, PeriodUnit: offerdomain.PeriodMonth, PeriodCount: 1,
		TrialDays: 14, Prices: []offerdomain.Price{price(1000)},
	}
	quarterly := offerdomain.Offer{
		ID: 4, Term: offerdomain.TermSubscription, PeriodUnit: offerdomain.PeriodMonth, PeriodCount: 3,
		TrialOccurrences: 1, Prices: []offerdomain.Price{price(3000)},
	}
	noTrial := offerdomain.Offer{
		ID: 5, Term: offerdomain.TermSubscription, PeriodUnit: offerdomain.PeriodMonth, PeriodCount: 1,
		Prices: []offerdomain.Price{price(700)},
	}
	target := snowflake.ID(3)
	promo := offerdomain.Offer{
		ID: 9, Kind: offerdomain.KindPromotion, Term: offerdomain.TermOneTime,
		PromoTargetOfferID: &target, PromoPercent: decimal.NewFromInt(10),
	}

	got := schedule.BillingScheduleForInvoice(schedule.Input{
		Now:      now,
		Currency: "USD",
		Lines: []schedule.Line{
			{Offer: ebook, Quantity: 1},
			{Offer: course, Quantity: 2},
			{Offer: monthly, Quantity: 1},
			{Offer: quarterly, Quantity: 1},
			{Offer: noTrial, Quantity: 1},
			{Offer: promo, Quantity: 1},
		},
		Promotions: []offerdomain.Offer{promo},
	})

	assert.Equal(t, schedule.Schedule{
		date(2024, 3, 10): 500 + 500 + 700,
		date(2024, 3, 24): 900,
		date(2024, 6, 10): 3000,
	}, got)
	assert.Equal(t, int64(5600), got.Total())
}

func TestBillingScheduleSkipsTrialForReturningBuyer(t *testing.T) {
	now := date(2024, 3, 10)
	monthly := offerdomain.Offer{
		ID: 3, Term: offerdomain.TermSubscription, PeriodUnit: offerdomain.PeriodMonth, PeriodCount: 1,
		TrialDays: 30, Prices: []offerdomain.Price{price(1000)},
	}
	got := schedule.BillingScheduleForInvoice(schedule.Input{
		Now:      now,
		Currency: "USD",
		Lines:    []schedule.Line{{Offer: monthly, Quantity: 1, PreviouslyOwned: true}},
	})
	assert.Equal(t, schedule.Schedule{now: 1000}, got)
}

func TestEntitlementEnd(t *testing.T) {
	start := date(2024, 1, 31)
	assert.Nil(t, schedule.EntitlementEnd(offerdomain.Offer{Term: offerdomain.TermPerpetual}, start))

	end := schedule.EntitlementEnd(offerdomain.Offer{Term: offerdomain.TermOneTime, PeriodUnit: offerdomain.PeriodMonth}, start)
	require.NotNil(t, end)
	assert.Equal(t, date(2024, 2, 29), *end)

	end = schedule.EntitlementEnd(offerdomain.Offer{Term: offerdomain.TermSubscription, PeriodUnit: offerdomain.PeriodDay, PeriodCount: 7}, start)
	require.NotNil(t, end)
	assert.Equal(t, date(2024, 2, 7), *end)
}
