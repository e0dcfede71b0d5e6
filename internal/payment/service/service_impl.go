package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/commerce/internal/clock"
	"github.com/smallbiznis/commerce/internal/observability/logger"
	"github.com/smallbiznis/commerce/internal/payment/domain"
	"github.com/smallbiznis/commerce/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("payment.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) CreatePending(ctx context.Context, tx *gorm.DB, req domain.NewPayment) (*domain.Payment, error) {
	if req.Amount < 0 {
		return nil, domain.ErrInvalidAmount
	}
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	if provider == "" {
		return nil, domain.ErrInvalidProvider
	}

	now := s.clock.Now()
	payment := &domain.Payment{
		ID:             s.genID.Generate(),
		SiteID:         req.SiteID,
		OwnerID:        req.OwnerID,
		InvoiceID:      req.InvoiceID,
		SubscriptionID: req.SubscriptionID,
		Provider:       provider,
		Amount:         req.Amount,
		Currency:       strings.ToUpper(req.Currency),
		Status:         domain.PaymentPending,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.InsertPayment(ctx, s.conn(tx), payment); err != nil {
		return nil, err
	}
	return payment, nil
}

func (s *Service) Settle(ctx context.Context, tx *gorm.DB, payment *domain.Payment, settlement domain.Settlement) error {
	txnID := strings.TrimSpace(settlement.TransactionID)
	if txnID == "" {
		return domain.ErrInvalidTransaction
	}

	now := s.clock.Now()
	fields := map[string]any{
		"status":         domain.PaymentSettled,
		"success":        true,
		"transaction_id": txnID,
		"error_code":     nil,
		"error_message":  nil,
		"error_raw":      nil,
		"updated_at":     now,
	}
	var data datatypes.JSONMap
	if len(settlement.ProviderData) > 0 {
		data = datatypes.JSONMap(settlement.ProviderData)
		fields["provider_data"] = data
	}
	if err := s.repo.UpdatePayment(ctx, s.conn(tx), payment, fields); err != nil {
		return err
	}

	payment.Status = domain.PaymentSettled
	payment.Success = true
	payment.TransactionID = &txnID
	payment.ErrorCode, payment.ErrorMessage, payment.ErrorRaw = nil, nil, nil
	if data != nil {
		payment.ProviderData = data
	}
	payment.UpdatedAt = now
	return nil
}

func (s *Service) Fail(ctx context.Context, tx *gorm.DB, payment *domain.Payment, gwErr *domain.GatewayError) error {
	if gwErr == nil {
		gwErr = domain.NewGatewayError(payment.Provider, "declined", "The payment was declined.", "", nil)
	}
	code := gwErr.Code
	message := gwErr.UserMessage
	raw := gwErr.Raw

	now := s.clock.Now()
	err := s.repo.UpdatePayment(ctx, s.conn(tx), payment, map[string]any{
		"status":        domain.PaymentFailed,
		"success":       false,
		"error_code":    code,
		"error_message": message,
		"error_raw":     raw,
		"updated_at":    now,
	})
	if err != nil {
		return err
	}

	payment.Status = domain.PaymentFailed
	payment.Success = false
	payment.ErrorCode = &code
	payment.ErrorMessage = &message
	payment.ErrorRaw = &raw
	payment.UpdatedAt = now

	logger.WithContext(ctx, s.log).Info("payment failed",
		zap.String("payment_id", payment.ID.String()),
		zap.String("provider", payment.Provider),
		zap.String("code", code),
	)
	return nil
}

func (s *Service) EnsurePayment(ctx context.Context, tx *gorm.DB, req domain.NewPayment, transactionID string) (*domain.Payment, bool, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return nil, false, domain.ErrInvalidTransaction
	}
	conn := s.conn(tx)

	existing, err := s.repo.FindPaymentByTransaction(ctx, conn, transactionID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	payment, err := s.CreatePending(ctx, conn, req)
	if err != nil {
		return nil, false, err
	}
	if err := s.Settle(ctx, conn, payment, domain.Settlement{TransactionID: transactionID}); err != nil {
		return nil, false, err
	}
	return payment, true, nil
}

func (s *Service) FindPayment(ctx context.Context, tx *gorm.DB, id snowflake.ID, forUpdate bool) (*domain.Payment, error) {
	payment, err := s.repo.FindPayment(ctx, s.conn(tx), id, forUpdate)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}
	return payment, nil
}

func (s *Service) FindSubscriptionPayment(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, transactionID string) (*domain.Payment, error) {
	return s.repo.FindSubscriptionPayment(ctx, s.conn(tx), subscriptionID, transactionID)
}

func (s *Service) DeletePendingSubscriptionPayments(ctx context.Context, tx *gorm.DB, invoiceID, subscriptionID snowflake.ID) (int64, error) {
	return s.repo.DeletePendingSubscriptionPayments(ctx, s.conn(tx), invoiceID, subscriptionID)
}

func (s *Service) PendingPayments(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) ([]domain.Payment, error) {
	return s.repo.ListPendingPayments(ctx, s.conn(tx), invoiceID)
}

func (s *Service) DeclinedAttempts(ctx context.Context, tx *gorm.DB, invoiceID snowflake.ID) (int64, error) {
	return s.repo.CountDeclinedPayments(ctx, s.conn(tx), invoiceID)
}

func (s *Service) MarkRefunded(ctx context.Context, tx *gorm.DB, payment *domain.Payment, full bool) error {
	status := domain.PaymentPartiallyRefunded
	if full {
		status = domain.PaymentRefunded
	}
	now := s.clock.Now()
	err := s.repo.UpdatePayment(ctx, s.conn(tx), payment, map[string]any{
		"status":     status,
		"updated_at": now,
	})
	if err != nil {
		return err
	}
	payment.Status = status
	payment.UpdatedAt = now
	return nil
}

func (s *Service) GrantReceipts(ctx context.Context, tx *gorm.DB, grant domain.Grant) (int, error) {
	transactionID := strings.TrimSpace(grant.TransactionID)
	if transactionID == "" {
		return 0, domain.ErrInvalidTransaction
	}
	conn := s.conn(tx)
	now := s.clock.Now()

	written := 0
	for _, productID := range lo.Uniq(grant.ProductIDs) {
		exists, err := s.repo.ReceiptExists(ctx, conn, transactionID, grant.OrderItemID, productID)
		if err != nil {
			return written, err
		}
		if exists {
			continue
		}
		receipt := &domain.Receipt{
			ID:             s.genID.Generate(),
			SiteID:         grant.SiteID,
			OwnerID:        grant.OwnerID,
			OrderItemID:    grant.OrderItemID,
			OfferID:        grant.OfferID,
			ProductID:      productID,
			PaymentID:      grant.PaymentID,
			TransactionID:  transactionID,
			SubscriptionID: grant.SubscriptionID,
			StartAt:        grant.StartAt,
			EndAt:          grant.EndAt,
			CreatedAt:      now,
		}
		if err := s.repo.InsertReceipt(ctx, conn, receipt); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

func (s *Service) HasReceipt(ctx context.Context, tx *gorm.DB, transactionID string) (bool, error) {
	count, err := s.repo.CountReceiptsByTransaction(ctx, s.conn(tx), transactionID)
	return count > 0, err
}

func (s *Service) EndSubscriptionReceipts(ctx context.Context, tx *gorm.DB, subscriptionID snowflake.ID, at time.Time) (int64, error) {
	conn := s.conn(tx)
	receipts, err := s.repo.ListReceiptsBySubscription(ctx, conn, subscriptionID)
	if err != nil {
		return 0, err
	}
	active := lo.FilterMap(receipts, func(receipt domain.Receipt, _ int) (snowflake.ID, bool) {
		return receipt.ID, receipt.Active(at)
	})
	return s.repo.EndReceipts(ctx, conn, active, at)
}

func (s *Service) ReserveRefund(ctx context.Context, tx *gorm.DB, payment *domain.Payment, amount int64, reason string) (*domain.Refund, error) {
	if amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if !payment.Status.Settled() || payment.TransactionID == nil {
		return nil, domain.ErrPaymentNotSettled
	}
	conn := s.conn(tx)

	held, err := s.repo.SumRefunds(ctx, conn, payment.ID, domain.RefundSucceeded, domain.RefundPending)
	if err != nil {
		return nil, err
	}
	if held+amount > payment.Amount {
		return nil, domain.ErrRefundExceedsBalance
	}

	now := s.clock.Now()
	if err := s.repo.UpdatePayment(ctx, conn, payment, map[string]any{"updated_at": now}); err != nil {
		return nil, err
	}
	payment.UpdatedAt = now

	refund := &domain.Refund{
		ID:        s.genID.Generate(),
		PaymentID: payment.ID,
		Amount:    amount,
		Reason:    strings.TrimSpace(reason),
		Status:    domain.RefundPending,
		CreatedAt: now,
	}
	if err := s.repo.InsertRefund(ctx, conn, refund); err != nil {
		return nil, err
	}
	return refund, nil
}

func (s *Service) CompleteRefund(ctx context.Context, tx *gorm.DB, refund *domain.Refund, transactionID string) error {
	fields := map[string]any{"status": domain.RefundSucceeded}
	transactionID = strings.TrimSpace(transactionID)
	if transactionID != "" {
		fields["transaction_id"] = transactionID
	}
	if err := s.repo.UpdatePendingRefund(ctx, s.conn(tx), refund, fields); err != nil {
		return err
	}
	refund.Status = domain.RefundSucceeded
	if transactionID != "" {
		refund.TransactionID = lo.ToPtr(transactionID)
	}
	return nil
}

func (s *Service) FailRefund(ctx context.Context, tx *gorm.DB, refund *domain.Refund, gwErr *domain.GatewayError) error {
	fields := map[string]any{"status": domain.RefundFailed}
	if gwErr != nil {
		fields["error_code"] = gwErr.Code
		fields["error_message"] = gwErr.UserMessage
	}
	if err := s.repo.UpdatePendingRefund(ctx, s.conn(tx), refund, fields); err != nil {
		return err
	}
	refund.Status = domain.RefundFailed
	if gwErr != nil {
		refund.ErrorCode = lo.ToPtr(gwErr.Code)
		refund.ErrorMessage = lo.ToPtr(gwErr.UserMessage)
	}
	return nil
}

func (s *Service) RefundedTotal(ctx context.Context, tx *gorm.DB, paymentID snowflake.ID) (int64, error) {
	return s.repo.SumRefunds(ctx, s.conn(tx), paymentID, domain.RefundSucceeded)
}

func (s *Service) RecordCustomer(ctx context.Context, tx *gorm.DB, siteID, ownerID snowflake.ID, provider, customerRef string) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	customerRef = strings.TrimSpace(customerRef)
	if provider == "" {
		return domain.ErrInvalidProvider
	}
	if customerRef == "" || ownerID == 0 {
		return domain.ErrInvalidCustomer
	}
	conn := s.conn(tx)

	existing, err := s.repo.FindCustomerByOwner(ctx, conn, siteID, ownerID, provider)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.CustomerRef != customerRef {
			logger.WithContext(ctx, s.log).Warn("gateway customer differs from recorded one",
				zap.String("owner_id", ownerID.String()),
				zap.String("provider", provider),
				zap.String("recorded", existing.CustomerRef),
				zap.String("received", customerRef),
			)
		}
		return nil
	}

	err = s.repo.InsertCustomer(ctx, conn, &domain.GatewayCustomer{
		ID:          s.genID.Generate(),
		SiteID:      siteID,
		OwnerID:     ownerID,
		Provider:    provider,
		CustomerRef: customerRef,
		CreatedAt:   s.clock.Now(),
	})
	if db.IsDuplicateKeyErr(err) {
		return nil
	}
	return err
}

func (s *Service) ResolveOwner(ctx context.Context, tx *gorm.DB, provider, customerRef string) (*domain.GatewayCustomer, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	customerRef = strings.TrimSpace(customerRef)
	if customerRef == "" {
		return nil, domain.ErrCustomerNotFound
	}
	customer, err := s.repo.FindCustomerByRef(ctx, s.conn(tx), provider, customerRef)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, domain.ErrCustomerNotFound
	}
	return customer, nil
}

func (s *Service) CustomerRef(ctx context.Context, tx *gorm.DB, siteID, ownerID snowflake.ID, provider string) (string, error) {
	customer, err := s.repo.FindCustomerByOwner(ctx, s.conn(tx), siteID, ownerID, strings.ToLower(strings.TrimSpace(provider)))
	if err != nil {
		return "", err
	}
	if customer == nil {
		return "", nil
	}
	return customer.CustomerRef, nil
}

// OwnedProducts reports products the owner holds or held a receipt for.
func (s *Service) OwnedProducts(ctx context.Context, tx *gorm.DB, siteID, ownerID snowflake.ID, productIDs []snowflake.ID) (map[snowflake.ID]bool, error) {
	owned := make(map[snowflake.ID]bool)
	if ownerID == 0 || len(productIDs) == 0 {
		return owned, nil
	}
	receipts, err := s.repo.ListReceiptsByOwner(ctx, s.conn(tx), siteID, ownerID, productIDs)
	if err != nil {
		return nil, fmt.Errorf("list receipts: %w", err)
	}
	for _, receipt := range receipts {
		owned[receipt.ProductID] = true
	}
	return owned, nil
}

func (s *Service) RecordEvent(ctx context.Context, tx *gorm.DB, event *domain.Event) (*domain.EventRecord, bool, error) {
	if event == nil || strings.TrimSpace(event.ProviderEventID) == "" {
		return nil, false, domain.ErrInvalidEventPayload
	}
	provider := strings.ToLower(strings.TrimSpace(event.Provider))
	if provider == "" {
		return nil, false, domain.ErrInvalidProvider
	}
	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	conn := s.conn(tx)

	record := &domain.EventRecord{
		ID:              s.genID.Generate(),
		SiteID:          event.SiteID,
		Provider:        provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.ProviderType,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      s.clock.Now(),
	}
	inserted, err := s.repo.InsertEvent(ctx, conn, record)
	if err != nil {
		return nil, false, err
	}
	if inserted {
		return record, true, nil
	}
	stored, err := s.repo.FindEvent(ctx, conn, provider, event.ProviderEventID)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, fmt.Errorf("payment event %s/%s vanished after conflict", provider, event.ProviderEventID)
	}
	return stored, false, nil
}

func (s *Service) MarkEventProcessed(ctx context.Context, tx *gorm.DB, record *domain.EventRecord) error {
	now := s.clock.Now()
	if err := s.repo.MarkEventProcessed(ctx, s.conn(tx), record.ID, now); err != nil {
		return err
	}
	record.ProcessedAt = &now
	return nil
}

func (s *Service) conn(tx *gorm.DB) *gorm.DB {
	if tx == nil {
		return s.db
	}
	return tx
}
