package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/commerce/internal/audit/domain"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/internal/commerceerr"
	"github.com/smallbiznis/commerce/internal/observability/logger"
	offerdomain "github.com/smallbiznis/commerce/internal/offer/domain"
	paymentdomain "github.com/smallbiznis/commerce/internal/payment/domain"
	"github.com/smallbiznis/commerce/internal/schedule"
	"github.com/smallbiznis/commerce/internal/sitecontext"
	"github.com/smallbiznis/commerce/internal/subscription/domain"
	"github.com/smallbiznis/commerce/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	Offers   offerdomain.Repository
	Payments paymentdomain.Service
	AuditSvc auditdomain.Service `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	offers   offerdomain.Repository
	payments paymentdomain.Service
	auditSvc auditdomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("subscription.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		offers:   p.Offers,
		payments: p.Payments,
		auditSvc: p.AuditSvc,
	}
}

func (s *Service) Create(ctx context.Context, tx *gorm.DB, sub *domain.Subscription) (*domain.Subscription, bool, error) {
	if sub == nil || sub.SiteID == 0 || sub.OwnerID == 0 || sub.OfferID == 0 {
		return nil, false, domain.ErrInvalidSubscription
	}
	sub.GatewayID = strings.TrimSpace(sub.GatewayID)
	if sub.GatewayID == "" {
		return nil, false, domain.ErrInvalidGatewayID
	}
	conn := s.conn(tx)

	existing, err := s.repo.FindByGatewayID(ctx, conn, sub.GatewayID, false)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	now := s.clock.Now()
	if sub.ID == 0 {
		sub.ID = s.genID.Generate()
	}
	if sub.Status == "" {
		sub.Status = domain.StatusActive
	}
	sub.Provider = strings.ToLower(strings.TrimSpace(sub.Provider))
	sub.Currency = strings.ToUpper(sub.Currency)
	sub.Version = 1
	sub.CreatedAt = now
	sub.UpdatedAt = now

	if err := s.repo.Insert(ctx, conn, sub); err != nil {
		if db.IsDuplicateKeyErr(err) {
			stored, findErr := s.repo.FindByGatewayID(ctx, conn, sub.GatewayID, false)
			if findErr == nil && stored != nil {
				return stored, false, nil
			}
		}
		return nil, false, err
	}

	logger.WithContext(ctx, s.log).Info("subscription created",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("gateway_id", sub.GatewayID),
		zap.String("provider", sub.Provider),
	)
	s.emitAudit(ctx, conn, "subscription.created", sub, sitecontext.ActorFromContext(ctx), nil)
	return sub, true, nil
}

func (s *Service) Get(ctx context.Context, id snowflake.ID) (*domain.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, s.db, id, false)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) FindByGatewayID(ctx context.Context, tx *gorm.DB, gatewayID string, forUpdate bool) (*domain.Subscription, error) {
	gatewayID = strings.TrimSpace(gatewayID)
	if gatewayID == "" {
		return nil, domain.ErrInvalidGatewayID
	}
	return s.repo.FindByGatewayID(ctx, s.conn(tx), gatewayID, forUpdate)
}

func (s *Service) ListByInvoice(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) ([]domain.Subscription, error) {
	return s.repo.ListByInvoice(ctx, s.conn(tx), invoiceID)
}

func (s *Service) Cancel(ctx context.Context, id snowflake.ID, actor sitecontext.Actor) (*domain.Subscription, error) {
	var canceled *domain.Subscription
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		canceled = sub
		if sub.Status == domain.StatusCanceled {
			return nil
		}
		if !domain.CanTransition(sub.Status, domain.StatusCanceled) {
			return commerceerr.WithHint(domain.ErrInvalidTransition, string(sub.Status)+" -> "+string(domain.StatusCanceled))
		}
		from := sub.Status
		if err := s.moveTo(ctx, tx, sub, domain.StatusCanceled); err != nil {
			return err
		}
		s.emitAudit(ctx, tx, "subscription.canceled", sub, actor, map[string]any{
			"previous_status": string(from),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return canceled, nil
}

func (s *Service) Void(ctx context.Context, id snowflake.ID, actor sitecontext.Actor) (int64, error) {
	var ended int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := s.lock(ctx, tx, id)
		if err != nil {
			return err
		}
		ended, err = s.payments.EndSubscriptionReceipts(ctx, tx, sub.ID, s.clock.Now())
		if err != nil {
			return err
		}
		s.emitAudit(ctx, tx, "subscription.voided", sub, actor, map[string]any{
			"receipts_ended": ended,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}

	logger.WithContext(ctx, s.log).Info("subscription voided",
		zap.String("subscription_id", id.String()),
		zap.Int64("receipts_ended", ended),
	)
	return ended, nil
}

func (s *Service) UpdatePrice(ctx context.Context, id snowflake.ID, newPrice int64, actor sitecontext.Actor) error {
	if newPrice < 0 {
		return domain.ErrInvalidPrice
	}
	sub, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	s.emitAudit(ctx, s.db, "subscription.price_updated", sub, actor, map[string]any{
		"previous_amount": sub.Amount,
		"new_amount":      newPrice,
	})
	return nil
}

func (s *Service) ApplyProviderStatus(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, status domain.Status) (bool, error) {
	if sub == nil {
		return false, domain.ErrInvalidSubscription
	}
	from := sub.Status
	if from == status || !domain.CanTransition(from, status) {
		logger.WithContext(ctx, s.log).Info("subscription status unchanged",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("current", string(from)),
			zap.String("requested", string(status)),
		)
		return false, nil
	}

	conn := s.conn(tx)
	if err := s.moveTo(ctx, conn, sub, status); err != nil {
		return false, err
	}
	s.emitAudit(ctx, conn, "subscription.status_changed", sub,
		sitecontext.Actor{Type: sitecontext.ActorGateway, ID: sub.Provider},
		map[string]any{"previous_status": string(from)},
	)
	return true, nil
}

func (s *Service) Renew(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, renewal domain.Renewal) (*domain.RenewResult, error) {
	if sub == nil {
		return nil, domain.ErrInvalidSubscription
	}
	renewal.TransactionID = strings.TrimSpace(renewal.TransactionID)
	if renewal.TransactionID == "" || renewal.Amount < 0 {
		return nil, domain.ErrInvalidRenewal
	}
	if renewal.PaidAt.IsZero() {
		renewal.PaidAt = s.clock.Now()
	}
	conn := s.conn(tx)

	existing, err := s.payments.FindSubscriptionPayment(ctx, conn, sub.ID, renewal.TransactionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		recorded, err := s.payments.HasReceipt(ctx, conn, renewal.TransactionID)
		if err != nil {
			return nil, err
		}
		if recorded {
			return &domain.RenewResult{PaymentID: existing.ID}, nil
		}
	}
	// The initial invoice of a trial was applied at checkout.
	trial, err := s.payments.FindSubscriptionPayment(ctx, conn, sub.ID, domain.TrialTransactionID(renewal.TransactionID))
	if err != nil {
		return nil, err
	}
	if trial != nil {
		return &domain.RenewResult{PaymentID: trial.ID}, nil
	}

	offer, err := s.offers.FindByID(ctx, conn, sub.OfferID)
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, commerceerr.WithHint(offerdomain.ErrOfferNotFound, sub.OfferID.String())
	}

	payment, _, err := s.payments.EnsurePayment(ctx, conn, paymentdomain.NewPayment{
		SiteID:         sub.SiteID,
		OwnerID:        sub.OwnerID,
		InvoiceID:      sub.InvoiceID,
		SubscriptionID: &sub.ID,
		Provider:       sub.Provider,
		Amount:         renewal.Amount,
		Currency:       sub.Currency,
	}, renewal.TransactionID)
	if err != nil {
		return nil, err
	}

	endAt := schedule.AddPeriod(renewal.PaidAt, sub.PeriodUnit, sub.PeriodCount)
	written, err := s.payments.GrantReceipts(ctx, conn, paymentdomain.Grant{
		SiteID:         sub.SiteID,
		OwnerID:        sub.OwnerID,
		OfferID:        sub.OfferID,
		ProductIDs:     offer.ProductIDs(),
		PaymentID:      &payment.ID,
		TransactionID:  renewal.TransactionID,
		SubscriptionID: &sub.ID,
		StartAt:        renewal.PaidAt,
		EndAt:          &endAt,
	})
	if err != nil {
		return nil, err
	}

	result := &domain.RenewResult{
		Renewed:         true,
		PaymentID:       payment.ID,
		ReceiptsWritten: written,
	}
	if sub.Status == domain.StatusSuspended {
		changed, err := s.ApplyProviderStatus(ctx, conn, sub, domain.StatusActive)
		if err != nil {
			return nil, err
		}
		result.Reactivated = changed
	}

	logger.WithContext(ctx, s.log).Info("subscription renewed",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("transaction_id", renewal.TransactionID),
		zap.Int64("amount", renewal.Amount),
		zap.Int("receipts_written", written),
		zap.Bool("reactivated", result.Reactivated),
	)
	return result, nil
}

func (s *Service) DeleteStalePayments(ctx context.Context, tx *gorm.DB, sub *domain.Subscription) (int64, error) {
	if sub == nil {
		return 0, domain.ErrInvalidSubscription
	}
	deleted, err := s.payments.DeletePendingSubscriptionPayments(ctx, s.conn(tx), sub.InvoiceID, sub.ID)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		logger.WithContext(ctx, s.log).Info("stale subscription payments deleted",
			zap.String("subscription_id", sub.ID.String()),
			zap.Int64("deleted", deleted),
		)
	}
	return deleted, nil
}

func (s *Service) lock(ctx context.Context, tx *gorm.DB, id snowflake.ID) (*domain.Subscription, error) {
	sub, err := s.repo.FindByID(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, domain.ErrSubscriptionNotFound
	}
	return sub, nil
}

func (s *Service) moveTo(ctx context.Context, tx *gorm.DB, sub *domain.Subscription, to domain.Status) error {
	now := s.clock.Now()
	fields := map[string]any{"status": to, "updated_at": now}
	if to == domain.StatusCanceled {
		fields["auto_renew"] = false
		fields["canceled_at"] = now
	}
	if err := s.repo.Update(ctx, tx, sub, fields); err != nil {
		return err
	}

	from := sub.Status
	sub.Status = to
	sub.UpdatedAt = now
	if to == domain.StatusCanceled {
		sub.AutoRenew = false
		sub.CanceledAt = &now
	}
	logger.WithContext(ctx, s.log).Info("subscription transitioned",
		zap.String("subscription_id", sub.ID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

func (s *Service) emitAudit(ctx context.Context, tx *gorm.DB, action string, sub *domain.Subscription, actor sitecontext.Actor, extra map[string]any) {
	if s.auditSvc == nil || sub == nil {
		return
	}
	metadata := map[string]any{
		"owner_id":   sub.OwnerID.String(),
		"offer_id":   sub.OfferID.String(),
		"gateway_id": sub.GatewayID,
		"status":     string(sub.Status),
		"amount":     sub.Amount,
	}
	for key, value := range extra {
		metadata[key] = value
	}
	if err := s.auditSvc.Record(ctx, tx, auditdomain.Entry{
		SiteID:     sub.SiteID,
		ActorType:  actor.Type,
		ActorID:    actor.ID,
		Action:     action,
		TargetType: "subscription",
		TargetID:   sub.ID.String(),
		Metadata:   metadata,
	}); err != nil {
		s.log.Warn("failed to record subscription audit", zap.String("action", action), zap.Error(err))
	}
}

func (s *Service) conn(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return s.db
}
