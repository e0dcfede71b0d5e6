// Package schedule computes billing dates and per-date charge amounts for
// recurring offers.
package schedule

import (
	"time"

	offerdomain "github.com/smallbiznis/commerce/internal/offer/domain"
	"github.com/smallbiznis/commerce/internal/pricing"
)

var monthDays = [12]int{31, 28, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// AddMonths moves t by n months. The day is clamped to a month table in which
// February always has 28 days, and any date landing in February of a leap
// year gains one day. Jan 31 2024 + 1 becomes Feb 29 and Jan 15 2024 + 1
// becomes Feb 16. Renewal dates already issued depend on this rule.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	hour, minute, sec := t.Clock()

	total := int(m) - 1 + n
	year := y + floorDiv(total, 12)
	month := time.Month(total - floorDiv(total, 12)*12 + 1)

	day := d
	if limit := monthDays[month-1]; day > limit {
		day = limit
	}
	if month == time.February && isLeap(year) {
		day++
	}
	return time.Date(year, month, day, hour, minute, sec, t.Nanosecond(), t.Location())
}

func AddDays(t time.Time, n int) time.Time {
	return t.AddDate(0, 0, n)
}

// AddPeriod advances t by count units of unit.
func AddPeriod(t time.Time, unit offerdomain.PeriodUnit, count int) time.Time {
	if unit == offerdomain.PeriodDay {
		return AddDays(t, count)
	}
	return AddMonths(t, count)
}

// Item is one recurring line seeded at its term start.
type Item struct {
	TermStart time.Time
	Unit      offerdomain.PeriodUnit
	Count     int
}

// NextBillingDate returns the earliest date strictly after now among the
// items' billing sequences. Each date is computed from the seed so month
// clamping never accumulates.
func NextBillingDate(now time.Time, items ...Item) (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, item := range items {
		if item.Count <= 0 {
			continue
		}
		candidate := nextAfter(now, item)
		if !found || candidate.Before(next) {
			next = candidate
			found = true
		}
	}
	return next, found
}

func nextAfter(now time.Time, item Item) time.Time {
	k := estimateCycles(now, item) - 1
	if k < 0 {
		k = 0
	}
	for {
		candidate := AddPeriod(item.TermStart, item.Unit, k*item.Count)
		if candidate.After(now) {
			return candidate
		}
		k++
	}
}

func estimateCycles(now time.Time, item Item) int {
	if !now.After(item.TermStart) {
		return 0
	}
	if item.Unit == offerdomain.PeriodDay {
		days := int(now.Sub(item.TermStart).Hours() / 24)
		return days / item.Count
	}
	sy, sm, _ := item.TermStart.Date()
	ny, nm, _ := now.Date()
	months := (ny-sy)*12 + int(nm) - int(sm)
	return months / item.Count
}

// Line is one invoice line as seen by the schedule.
type Line struct {
	Offer    offerdomain.Offer
	Quantity int
	// PreviouslyOwned skips the trial for returning buyers.
	PreviouslyOwned bool
}

type Input struct {
	Now      time.Time
	Currency string
	Lines    []Line
	// Promotions are promotional offers present on the invoice.
	Promotions []offerdomain.Offer
}

// Schedule maps a billing day (midnight UTC) to the amount due that day.
type Schedule map[time.Time]int64

// Total sums every scheduled amount.
func (s Schedule) Total() int64 {
	var total int64
	for _, amount := range s {
		total += amount
	}
	return total
}

// BillingScheduleForInvoice places one-time lines at Now and each recurring
// line at its effective start, net of targeted promotions. Lines starting on
// the same day are added together.
func BillingScheduleForInvoice(in Input) Schedule {
	out := Schedule{}
	var (
		oneTime    int64
		hasOneTime bool
	)
	for _, line := range in.Lines {
		if line.Offer.IsPromotion() || line.Quantity <= 0 {
			continue
		}
		amount := LineCharge(line.Offer, in.Promotions, in.Currency, line.Quantity, in.Now)
		if line.Offer.IsOneTime() {
			oneTime += amount
			hasOneTime = true
			continue
		}
		start := RecurringStart(line.Offer, in.Now, line.PreviouslyOwned)
		out[day(start)] += amount
	}
	if hasOneTime {
		out[day(in.Now)] += oneTime
	}
	return out
}

// LineCharge is the current price of qty units less any promotion targeting the offer.
func LineCharge(offer offerdomain.Offer, promotions []offerdomain.Offer, currency string, qty int, at time.Time) int64 {
	amount := pricing.CurrentPrice(offer, currency, at) * int64(qty)
	for _, promo := range promotions {
		if promo.PromoTargetOfferID == nil || *promo.PromoTargetOfferID != offer.ID {
			continue
		}
		amount -= pricing.PromoDiscount(promo, amount, currency, at)
	}
	return amount
}

// RecurringStart is the first full-price charge date of a recurring offer.
func RecurringStart(offer offerdomain.Offer, now time.Time, previouslyOwned bool) time.Time {
	if previouslyOwned || !pricing.HasTrial(offer) {
		return now
	}
	trial := pricing.Trial(offer)
	if trial.Days > 0 {
		return AddDays(now, trial.Days)
	}
	return AddPeriod(now, offer.PeriodUnit, trial.Occurrences*periodCount(offer))
}

// EntitlementEnd is when one period of offer bought at start stops granting
// access. Perpetual offers never end.
func EntitlementEnd(offer offerdomain.Offer, start time.Time) *time.Time {
	if offer.Term == offerdomain.TermPerpetual {
		return nil
	}
	end := AddPeriod(start, offer.PeriodUnit, periodCount(offer))
	return &end
}

func periodCount(offer offerdomain.Offer) int {
	if offer.PeriodCount <= 0 {
		return 1
	}
	return offer.PeriodCount
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
