package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/commerce/internal/commerceerr"
	"github.com/smallbiznis/commerce/internal/invoice/domain"
	offerdomain "github.com/smallbiznis/commerce/internal/offer/domain"
	"github.com/smallbiznis/commerce/internal/pricing"
	"github.com/smallbiznis/commerce/internal/schedule"
	"gorm.io/gorm"
)

// Breakdown prices every line of inv at the current instant. inv.Items must
// be loaded.
func (s *Service) Breakdown(ctx context.Context, db *gorm.DB, inv *domain.Invoice) (*domain.Breakdown, error) {
	now := s.clock.Now()
	currency := inv.Currency

	owned, err := s.ownedProducts(ctx, db, inv)
	if err != nil {
		return nil, err
	}

	promotions := lo.Map(inv.PromotionItems(), func(item domain.OrderItem, _ int) offerdomain.Offer {
		return item.Offer
	})
	targeted := lo.Filter(promotions, func(o offerdomain.Offer, _ int) bool { return o.PromoTargetOfferID != nil })
	global := lo.Filter(promotions, func(o offerdomain.Offer, _ int) bool { return o.PromoTargetOfferID == nil })

	out := &domain.Breakdown{Currency: currency}
	var (
		lineDiscounts int64
		trialAdjust   int64
		scheduleLines []schedule.Line
	)
	for _, item := range inv.Items {
		offer := item.Offer
		if offer.IsPromotion() || item.Quantity <= 0 {
			continue
		}
		qty := int64(item.Quantity)
		isOwned := domain.IsOwned(offer, owned)

		current := pricing.CurrentPrice(offer, currency, now)
		gross := max(pricing.SumMSRP(offer, currency), current) * qty

		var discount int64
		if !isOwned {
			discount = pricing.Discount(offer, currency, now) * qty
		}
		net := gross - discount
		for _, promo := range targeted {
			if *promo.PromoTargetOfferID != offer.ID {
				continue
			}
			cut := pricing.PromoDiscount(promo, net, currency, now)
			discount += cut
			net -= cut
		}

		line := domain.LineCharge{
			Item:            item,
			Gross:           gross,
			Discount:        discount,
			FirstCharge:     net,
			RecurringAmount: net,
			StartAt:         now,
			PreviouslyOwned: isOwned,
		}
		if offer.IsRecurring() {
			line.Recurring = true
			line.StartAt = schedule.RecurringStart(offer, now, isOwned)
			if !isOwned && pricing.HasTrial(offer) {
				trialTotal := pricing.Trial(offer).Amount * qty
				line.Trial = true
				line.TrialAdjustment = max(net-trialTotal, 0)
				line.FirstCharge = net - line.TrialAdjustment
			}
		}

		out.Lines = append(out.Lines, line)
		out.Subtotal += gross
		lineDiscounts += line.Discount
		trialAdjust += line.TrialAdjustment
		scheduleLines = append(scheduleLines, schedule.Line{
			Offer:           offer,
			Quantity:        item.Quantity,
			PreviouslyOwned: isOwned,
		})
	}

	remaining := out.Subtotal - lineDiscounts - trialAdjust
	for _, promo := range global {
		cut := pricing.PromoDiscount(promo, out.Subtotal, currency, now)
		cut = min(cut, max(remaining-out.GlobalDiscount, 0))
		out.GlobalDiscount += cut
	}
	out.Discounts = lineDiscounts + trialAdjust + out.GlobalDiscount

	if out.Tax, err = s.taxFor(ctx, inv, out.Subtotal); err != nil {
		return nil, err
	}
	if out.Shipping, err = s.shippingFor(ctx, inv); err != nil {
		return nil, err
	}
	out.Total = max(out.Subtotal-out.Discounts+out.Tax+out.Shipping, 0)

	var oneTime int64
	for _, line := range out.OneTimeLines() {
		oneTime += line.FirstCharge
	}
	out.OneTimeAmount = max(oneTime-out.GlobalDiscount, 0) + out.Tax + out.Shipping

	out.Schedule = schedule.BillingScheduleForInvoice(schedule.Input{
		Now:        now,
		Currency:   currency,
		Lines:      scheduleLines,
		Promotions: targeted,
	})
	return out, nil
}

func (s *Service) ownedProducts(ctx context.Context, db *gorm.DB, inv *domain.Invoice) (map[snowflake.ID]bool, error) {
	if s.ownership == nil {
		return map[snowflake.ID]bool{}, nil
	}
	var productIDs []snowflake.ID
	for _, item := range inv.Items {
		productIDs = append(productIDs, item.Offer.ProductIDs()...)
	}
	if len(productIDs) == 0 {
		return map[snowflake.ID]bool{}, nil
	}
	return s.ownership.OwnedProducts(ctx, db, inv.SiteID, inv.OwnerID, lo.Uniq(productIDs))
}

func (s *Service) taxFor(ctx context.Context, inv *domain.Invoice, subtotal int64) (int64, error) {
	if s.tax == nil {
		return 0, nil
	}
	amount, err := s.tax.Tax(ctx, inv, subtotal)
	if err != nil {
		return 0, err
	}
	if amount < 0 {
		return 0, commerceerr.WithHint(domain.ErrNegativeAdjustment, "tax calculator returned a negative amount")
	}
	return amount, nil
}

func (s *Service) shippingFor(ctx context.Context, inv *domain.Invoice) (int64, error) {
	if s.shipping == nil {
		return 0, nil
	}
	amount, err := s.shipping.Shipping(ctx, inv)
	if err != nil {
		return 0, err
	}
	if amount < 0 {
		return 0, commerceerr.WithHint(domain.ErrNegativeAdjustment, "shipping calculator returned a negative amount")
	}
	return amount, nil
}
