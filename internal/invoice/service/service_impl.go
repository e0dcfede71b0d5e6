package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/commerce/internal/audit/domain"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/internal/commerceerr"
	"github.com/smallbiznis/commerce/internal/config"
	"github.com/smallbiznis/commerce/internal/invoice/domain"
	offerdomain "github.com/smallbiznis/commerce/internal/offer/domain"
	"github.com/smallbiznis/commerce/internal/observability/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Offers   offerdomain.Service
	Commerce *config.CommerceConfigHolder

	AuditSvc  auditdomain.Service       `optional:"true"`
	Tax       domain.TaxCalculator      `optional:"true"`
	Shipping  domain.ShippingCalculator `optional:"true"`
	Ownership domain.Ownership          `optional:"true"`
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	repo      domain.Repository
	offers    offerdomain.Service
	commerce  *config.CommerceConfigHolder
	auditSvc  auditdomain.Service
	tax       domain.TaxCalculator
	shipping  domain.ShippingCalculator
	ownership domain.Ownership
}

func NewService(p Params) domain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("invoice.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		repo:      p.Repo,
		offers:    p.Offers,
		commerce:  p.Commerce,
		auditSvc:  p.AuditSvc,
		tax:       p.Tax,
		shipping:  p.Shipping,
		ownership: p.Ownership,
	}
}

func (s *Service) GetCartOrCheckoutCart(ctx context.Context, siteID, ownerID snowflake.ID) (*domain.Invoice, error) {
	var cart *domain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		invoices, err := s.repo.FindInFlight(ctx, tx, siteID, ownerID)
		if err != nil {
			return err
		}

		switch len(invoices) {
		case 0:
			cart, err = s.createCart(ctx, tx, siteID, ownerID)
			if err != nil {
				return err
			}
		case 1:
			cart = &invoices[0]
		default:
			cart, err = s.collapseDuplicates(ctx, tx, invoices)
			if err != nil {
				return err
			}
		}
		return s.repo.LoadItems(ctx, tx, cart)
	})
	if err != nil {
		return nil, err
	}
	return cart, nil
}

func (s *Service) createCart(ctx context.Context, tx *gorm.DB, siteID, ownerID snowflake.ID) (*domain.Invoice, error) {
	now := s.clock.Now()
	cart := domain.Invoice{
		ID:        s.genID.Generate(),
		SiteID:    siteID,
		OwnerID:   ownerID,
		Status:    domain.StatusCart,
		Currency:  s.siteCurrencies(siteID).Default,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, tx, &cart); err != nil {
		return nil, err
	}
	return &cart, nil
}

// collapseDuplicates keeps the invoice with the most lines, the oldest on a
// tie, and tombstones the others.
func (s *Service) collapseDuplicates(ctx context.Context, tx *gorm.DB, invoices []domain.Invoice) (*domain.Invoice, error) {
	ids := make([]snowflake.ID, 0, len(invoices))
	for _, inv := range invoices {
		ids = append(ids, inv.ID)
	}
	counts, err := s.repo.CountItems(ctx, tx, ids)
	if err != nil {
		return nil, err
	}

	keep := 0
	for i := 1; i < len(invoices); i++ {
		if counts[invoices[i].ID] > counts[invoices[keep].ID] {
			keep = i
		}
	}

	now := s.clock.Now()
	for i := range invoices {
		if i == keep {
			continue
		}
		dup := &invoices[i]
		if err := s.repo.SoftDelete(ctx, tx, dup, now); err != nil {
			return nil, err
		}
		s.log.Warn("removed duplicate in-flight invoice",
			zap.String("invoice_id", dup.ID.String()),
			zap.String("kept_invoice_id", invoices[keep].ID.String()),
			zap.String("owner_id", dup.OwnerID.String()),
			zap.Int64("lines", counts[dup.ID]),
		)
		s.emitAudit(ctx, tx, "invoice.deduplicated", dup, map[string]any{
			"kept_invoice_id": invoices[keep].ID.String(),
		})
	}
	return &invoices[keep], nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Invoice, error) {
	return s.Load(ctx, s.db, id, false)
}

func (s *Service) Load(ctx context.Context, db *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.Invoice, error) {
	inv, err := s.repo.FindByID(ctx, db, id, forUpdate)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, domain.ErrInvoiceNotFound
	}
	if err := s.repo.LoadItems(ctx, db, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) AddOffer(ctx context.Context, invoiceID, offerID snowflake.ID, qty int) (*domain.Invoice, error) {
	if qty <= 0 {
		return nil, domain.ErrInvalidQuantity
	}
	offer, err := s.offers.Get(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if !offer.Purchasable() {
		return nil, domain.ErrOfferNotPurchasable
	}
	multiple := offer.AllowMultiple && !offer.IsPromotion()

	var inv *domain.Invoice
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inv, err = s.Load(ctx, tx, invoiceID, true)
		if err != nil {
			return err
		}
		if !inv.Editable() {
			return domain.ErrInvoiceNotEditable
		}
		if offer.SiteID != inv.SiteID {
			return commerceerr.WithHint(domain.ErrOfferNotPurchasable, "offer belongs to another site")
		}

		now := s.clock.Now()
		item, err := s.repo.FindItem(ctx, tx, inv.ID, offer.ID)
		if err != nil {
			return err
		}
		switch {
		case item == nil:
			quantity := 1
			if multiple {
				quantity = qty
			}
			item = &domain.OrderItem{
				ID:        s.genID.Generate(),
				InvoiceID: inv.ID,
				OfferID:   offer.ID,
				Quantity:  quantity,
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := s.repo.InsertItem(ctx, tx, item); err != nil {
				return err
			}
		case multiple:
			if err := s.repo.UpdateItemQuantity(ctx, tx, item, item.Quantity+qty, now); err != nil {
				return err
			}
		}

		if err := s.reopen(ctx, tx, inv); err != nil {
			return err
		}
		return s.UpdateTotals(ctx, tx, inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) RemoveOffer(ctx context.Context, invoiceID, offerID snowflake.ID) (*domain.Invoice, error) {
	var inv *domain.Invoice
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		inv, err = s.Load(ctx, tx, invoiceID, true)
		if err != nil {
			return err
		}
		if !inv.Editable() {
			return domain.ErrInvoiceNotEditable
		}

		item, err := s.repo.FindItem(ctx, tx, inv.ID, offerID)
		if err != nil {
			return err
		}
		if item == nil {
			return domain.ErrItemNotFound
		}

		if item.Quantity > 1 {
			if err := s.repo.UpdateItemQuantity(ctx, tx, item, item.Quantity-1, s.clock.Now()); err != nil {
				return err
			}
		} else if err := s.repo.DeleteItems(ctx, tx, []snowflake.ID{item.ID}); err != nil {
			return err
		}

		if err := s.repo.LoadItems(ctx, tx, inv); err != nil {
			return err
		}
		if len(inv.OneTimeItems()) == 0 && len(inv.RecurringItems()) == 0 {
			promos := inv.PromotionItems()
			ids := make([]snowflake.ID, 0, len(promos))
			for _, promo := range promos {
				ids = append(ids, promo.ID)
			}
			if err := s.repo.DeleteItems(ctx, tx, ids); err != nil {
				return err
			}
		}

		if err := s.reopen(ctx, tx, inv); err != nil {
			return err
		}
		return s.UpdateTotals(ctx, tx, inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// reopen moves a checked-out invoice back to CART after its lines change.
func (s *Service) reopen(ctx context.Context, tx *gorm.DB, inv *domain.Invoice) error {
	if inv.Status != domain.StatusCheckout {
		return nil
	}
	return s.Transition(ctx, tx, inv, domain.StatusCart)
}

func (s *Service) UpdateTotals(ctx context.Context, db *gorm.DB, inv *domain.Invoice) error {
	if err := s.repo.LoadItems(ctx, db, inv); err != nil {
		return err
	}
	breakdown, err := s.Breakdown(ctx, db, inv)
	if err != nil {
		return err
	}

	err = s.repo.Update(ctx, db, inv, map[string]any{
		"subtotal":   breakdown.Subtotal,
		"discounts":  breakdown.Discounts,
		"tax":        breakdown.Tax,
		"shipping":   breakdown.Shipping,
		"total":      breakdown.Total,
		"updated_at": s.clock.Now(),
	})
	if err != nil {
		return err
	}
	inv.Subtotal = breakdown.Subtotal
	inv.Discounts = breakdown.Discounts
	inv.Tax = breakdown.Tax
	inv.Shipping = breakdown.Shipping
	inv.Total = breakdown.Total
	return nil
}

func (s *Service) Transition(ctx context.Context, db *gorm.DB, inv *domain.Invoice, to domain.Status) error {
	from := inv.Status
	if !domain.CanTransition(from, to) {
		return commerceerr.WithHint(domain.ErrInvalidTransition, string(from)+" -> "+string(to))
	}

	now := s.clock.Now()
	fields := map[string]any{"status": to, "updated_at": now}
	if to == domain.StatusCheckout {
		fields["ordered_at"] = now
	}
	if err := s.repo.Update(ctx, db, inv, fields); err != nil {
		return err
	}
	inv.Status = to
	inv.UpdatedAt = now
	if to == domain.StatusCheckout {
		inv.OrderedAt = &now
	}

	logger.WithContext(ctx, s.log).Info("invoice transitioned",
		zap.String("invoice_id", inv.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	s.emitAudit(ctx, db, "invoice."+strings.ToLower(string(to)), inv, map[string]any{
		"previous_status": string(from),
	})
	return nil
}

func (s *Service) EnsureGatewayInvoice(ctx context.Context, db *gorm.DB, req domain.GatewayInvoice) (*domain.Invoice, bool, error) {
	gatewayID := strings.TrimSpace(req.GatewayInvoiceID)
	if gatewayID == "" {
		return nil, false, commerceerr.WithHint(domain.ErrInvoiceNotFound, "missing gateway invoice id")
	}

	existing, err := s.repo.FindByGatewayID(ctx, db, gatewayID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err := s.repo.LoadItems(ctx, db, existing); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	now := s.clock.Now()
	paidAt := req.PaidAt
	if paidAt.IsZero() {
		paidAt = now
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = s.siteCurrencies(req.SiteID).Default
	}

	inv := domain.Invoice{
		ID:               s.genID.Generate(),
		SiteID:           req.SiteID,
		OwnerID:          req.OwnerID,
		Status:           domain.StatusComplete,
		Currency:         currency,
		Subtotal:         req.Total,
		Total:            req.Total,
		OrderedAt:        &paidAt,
		GatewayInvoiceID: &gatewayID,
		ProviderData:     datatypes.JSONMap(req.ProviderData),
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.repo.Insert(ctx, db, &inv); err != nil {
		return nil, false, err
	}

	quantities, order, err := s.knownOffers(ctx, db, req.SiteID, req.OfferIDs)
	if err != nil {
		return nil, false, err
	}
	for _, offerID := range order {
		item := domain.OrderItem{
			ID:        s.genID.Generate(),
			InvoiceID: inv.ID,
			OfferID:   offerID,
			Quantity:  quantities[offerID],
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := s.repo.InsertItem(ctx, db, &item); err != nil {
			return nil, false, err
		}
	}
	if err := s.repo.LoadItems(ctx, db, &inv); err != nil {
		return nil, false, err
	}

	s.emitAudit(ctx, db, "invoice.imported", &inv, map[string]any{
		"gateway_invoice_id": gatewayID,
	})
	return &inv, true, nil
}

// knownOffers counts repeated offer ids and drops ids unknown to the site.
func (s *Service) knownOffers(ctx context.Context, db *gorm.DB, siteID snowflake.ID, offerIDs []snowflake.ID) (map[snowflake.ID]int, []snowflake.ID, error) {
	quantities := map[snowflake.ID]int{}
	order := make([]snowflake.ID, 0, len(offerIDs))
	if len(offerIDs) == 0 {
		return quantities, order, nil
	}

	var known []snowflake.ID
	err := db.WithContext(ctx).
		Model(&offerdomain.Offer{}).
		Where("site_id = ? AND id IN ?", siteID, offerIDs).
		Pluck("id", &known).Error
	if err != nil {
		return nil, nil, err
	}
	exists := make(map[snowflake.ID]bool, len(known))
	for _, id := range known {
		exists[id] = true
	}

	for _, id := range offerIDs {
		if !exists[id] {
			s.log.Warn("gateway invoice references unknown offer", zap.String("offer_id", id.String()))
			continue
		}
		if quantities[id] == 0 {
			order = append(order, id)
		}
		quantities[id]++
	}
	return quantities, order, nil
}

func (s *Service) siteCurrencies(siteID snowflake.ID) config.SiteCurrencies {
	if s.commerce == nil {
		return config.DefaultCommerceConfig().Currencies(siteID.Int64())
	}
	return s.commerce.Get().Currencies(siteID.Int64())
}

func (s *Service) emitAudit(ctx context.Context, db *gorm.DB, action string, inv *domain.Invoice, extra map[string]any) {
	if s.auditSvc == nil || inv == nil {
		return
	}
	metadata := map[string]any{
		"owner_id": inv.OwnerID.String(),
		"status":   string(inv.Status),
		"currency": inv.Currency,
		"total":    inv.Total,
	}
	for key, value := range extra {
		metadata[key] = value
	}
	if err := s.auditSvc.Record(ctx, db, auditdomain.Entry{
		SiteID:     inv.SiteID,
		Action:     action,
		TargetType: "invoice",
		TargetID:   inv.ID.String(),
		Metadata:   metadata,
	}); err != nil {
		s.log.Warn("failed to record invoice audit", zap.String("action", action), zap.Error(err))
	}
}
