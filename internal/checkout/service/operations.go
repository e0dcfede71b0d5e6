package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/cockroachdb/errors"
	"github.com/smallbiznis/commerce/internal/checkout/domain"
	"github.com/smallbiznis/commerce/internal/commerceerr"
	invoicedomain "github.com/smallbiznis/commerce/internal/invoice/domain"
	"github.com/smallbiznis/commerce/internal/observability/logger"
	"github.com/smallbiznis/commerce/internal/observability/tracing"
	paymentdomain "github.com/smallbiznis/commerce/internal/payment/domain"
	"github.com/smallbiznis/commerce/internal/sitecontext"
	subscriptiondomain "github.com/smallbiznis/commerce/internal/subscription/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Refund reserves amount against the payment balance, asks the gateway for
// it and records the outcome. A reservation holds its amount until the
// gateway answers, so concurrent refunds cannot exceed the payment.
func (s *Service) Refund(ctx context.Context, paymentID snowflake.ID, amount int64, reason string) (result *domain.RefundResult, err error) {
	ctx, span := tracing.Start(ctx, "checkout.refund",
		attribute.String("payment.id", paymentID.String()),
		attribute.Int64("refund.amount", amount),
	)
	defer func() {
		if result != nil {
			span.SetAttributes(attribute.Bool("refund.success", result.Success))
		}
		tracing.End(span, err)
	}()

	if amount <= 0 {
		return nil, paymentdomain.ErrInvalidAmount
	}

	lockKey := "payment:" + paymentID.String()
	token, ok, err := s.locker.TryLock(ctx, lockKey, authorizationLockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrAuthorizationInProgress
	}
	defer func() {
		if err := s.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
			s.log.Warn("failed to release refund lock", zap.String("key", lockKey), zap.Error(err))
		}
	}()

	var (
		payment *paymentdomain.Payment
		refund  *paymentdomain.Refund
		gw      paymentdomain.Gateway
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.payments.FindPayment(ctx, tx, paymentID, true)
		if err != nil {
			return err
		}
		payment = locked
		if gw, err = s.gateways.Gateway(payment.SiteID); err != nil {
			return err
		}
		refund, err = s.payments.ReserveRefund(ctx, tx, payment, amount, reason)
		return err
	})
	if errors.Is(err, paymentdomain.ErrPaymentVersionConflict) {
		return nil, domain.ErrAuthorizationInProgress
	}
	if err != nil {
		return nil, err
	}

	log := logger.WithContext(ctx, s.log).With(
		zap.String("payment_id", payment.ID.String()),
		zap.String("refund_id", refund.ID.String()),
		zap.Int64("amount", amount),
	)

	res, callErr := gw.Refund(ctx, paymentdomain.RefundRequest{
		IdempotencyKey: idempotencyKey("refund", refund.ID.String()),
		TransactionID:  *payment.TransactionID,
		Amount:         amount,
		Currency:       payment.Currency,
		Reason:         reason,
		Method:         storedCard(payment),
	})
	var (
		success bool
		txn     string
	)
	if res != nil {
		success, txn = res.Success, res.TransactionID
	}
	if gwErr := gatewayFailure(gw.Provider(), callErr, success, txn); gwErr != nil {
		if err := s.payments.FailRefund(ctx, s.db, refund, gwErr); err != nil {
			return nil, err
		}
		log.Info("refund declined by gateway", zap.String("code", gwErr.Code))
		s.metrics.RecordRefund(ctx, gw.Provider(), "failed")
		return &domain.RefundResult{Payment: payment, Refund: refund, Error: gwErr}, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locked, err := s.payments.FindPayment(ctx, tx, payment.ID, true)
		if err != nil {
			return err
		}
		payment = locked
		if err := s.payments.CompleteRefund(ctx, tx, refund, txn); err != nil {
			return err
		}
		total, err := s.payments.RefundedTotal(ctx, tx, payment.ID)
		if err != nil {
			return err
		}
		full := total >= payment.Amount
		if err := s.payments.MarkRefunded(ctx, tx, payment, full); err != nil {
			return err
		}
		if !full {
			return nil
		}
		inv, err := s.invoices.Load(ctx, tx, payment.InvoiceID, true)
		if err != nil {
			return err
		}
		if inv.Status != invoicedomain.StatusComplete {
			return nil
		}
		return s.invoices.Transition(ctx, tx, inv, invoicedomain.StatusRefunded)
	})
	if err != nil {
		log.Error("refund succeeded at gateway but not recorded",
			zap.String("transaction_id", txn),
			zap.Error(err),
		)
		return nil, err
	}

	log.Info("refund recorded", zap.String("payment_status", string(payment.Status)))
	s.metrics.RecordRefund(ctx, gw.Provider(), "succeeded")
	return &domain.RefundResult{Success: true, Payment: payment, Refund: refund}, nil
}

func (s *Service) CancelSubscription(ctx context.Context, subscriptionID snowflake.ID, actor sitecontext.Actor) (*domain.CancelResult, error) {
	sub, err := s.subscriptions.Get(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == subscriptiondomain.StatusCanceled {
		return &domain.CancelResult{Success: true, Subscription: sub}, nil
	}
	if !subscriptiondomain.CanTransition(sub.Status, subscriptiondomain.StatusCanceled) {
		return nil, commerceerr.WithHint(subscriptiondomain.ErrInvalidTransition, string(sub.Status))
	}

	gw, err := s.gateways.Gateway(sub.SiteID)
	if err != nil {
		return nil, err
	}
	if err := gw.CancelSubscription(ctx, sub.GatewayID); err != nil {
		gwErr := paymentdomain.AsGatewayError(gw.Provider(), err)
		logger.WithContext(ctx, s.log).Info("gateway refused subscription cancel",
			zap.String("subscription_id", sub.ID.String()),
			zap.String("code", gwErr.Code),
		)
		return &domain.CancelResult{Subscription: sub, Error: gwErr}, nil
	}

	canceled, err := s.subscriptions.Cancel(ctx, sub.ID, actor)
	if err != nil {
		return nil, err
	}
	return &domain.CancelResult{Success: true, Subscription: canceled}, nil
}

func (s *Service) UpdatePaymentMethod(ctx context.Context, subscriptionID snowflake.ID, method paymentdomain.PaymentMethod) error {
	if err := s.validate.Struct(method); err != nil {
		return commerceerr.WithHint(domain.ErrInvalidPaymentDetails, err.Error())
	}
	sub, err := s.subscriptions.Get(ctx, subscriptionID)
	if err != nil {
		return err
	}
	if sub.Status.Terminal() {
		return commerceerr.WithHint(subscriptiondomain.ErrInvalidTransition, string(sub.Status))
	}
	gw, err := s.gateways.Gateway(sub.SiteID)
	if err != nil {
		return err
	}
	if err := gw.UpdatePaymentMethod(ctx, sub.GatewayID, method); err != nil {
		return paymentdomain.AsGatewayError(gw.Provider(), err)
	}
	logger.WithContext(ctx, s.log).Info("subscription payment method updated",
		zap.String("subscription_id", sub.ID.String()),
	)
	return nil
}

// storedCard rebuilds the card summary kept on a settled payment.
func storedCard(payment *paymentdomain.Payment) paymentdomain.PaymentMethod {
	var method paymentdomain.PaymentMethod
	if last4, ok := payment.ProviderData["card_last4"].(string); ok {
		method.Last4 = last4
	}
	if brand, ok := payment.ProviderData["card_brand"].(string); ok {
		method.Brand = brand
	}
	return method
}
